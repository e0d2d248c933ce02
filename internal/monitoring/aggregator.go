// Package monitoring - aggregator.go accumulates per-cycle size statistics.
//
// DESIGN: One mutex guards all counters so a Snapshot is always a
// consistent triple. Record is called once per committed cycle; readers
// (/api/status, /stats, /metrics, /ws/metrics) call Snapshot concurrently.
// The mutex is never held across I/O.
package monitoring

import (
	"sync"
	"time"
)

// MetricsSnapshot is a consistent copy of the aggregator counters.
type MetricsSnapshot struct {
	Requests       int64 `json:"requests"`
	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`
}

// SavedSize returns how many characters compression removed.
func (s MetricsSnapshot) SavedSize() int64 {
	return s.OriginalSize - s.CompressedSize
}

// Ratio returns compressed/original, or 1 when nothing was recorded.
func (s MetricsSnapshot) Ratio() float64 {
	if s.OriginalSize == 0 {
		return 1
	}
	return float64(s.CompressedSize) / float64(s.OriginalSize)
}

// Aggregator accumulates committed cycle sizes.
type Aggregator struct {
	mu        sync.Mutex
	snap      MetricsSnapshot
	clearedAt time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{clearedAt: time.Now()}
}

// Record adds one cycle.
func (a *Aggregator) Record(originalSize, compressedSize int) {
	a.mu.Lock()
	a.snap.Requests++
	a.snap.OriginalSize += int64(originalSize)
	a.snap.CompressedSize += int64(compressedSize)
	a.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (a *Aggregator) Snapshot() MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Clear resets every counter and returns what was discarded.
func (a *Aggregator) Clear() MetricsSnapshot {
	a.mu.Lock()
	prev := a.snap
	a.snap = MetricsSnapshot{}
	a.clearedAt = time.Now()
	a.mu.Unlock()
	return prev
}

// Since returns when the counters were last reset.
func (a *Aggregator) Since() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clearedAt
}

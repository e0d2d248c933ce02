// Package store keeps the history of proxy cycles.
//
// DESIGN: One Record per committed cycle, appended by the pipeline after the
// metrics commit and read back by /api/history. Records expire after a TTL
// and the store keeps at most MaxRecords of them, newest first.
//
// MemoryStore is the default. SQLiteStore (store.type: sqlite) keeps the
// history across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default retention values
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxRecords = 1000
	cleanupInterval   = 5 * time.Minute
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is one committed cycle.
type Record struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model,omitempty"`
	Outcome           string    `json:"outcome"`
	PassthroughReason string    `json:"passthrough_reason,omitempty"`
	Strategy          string    `json:"strategy"`
	OriginalSize      int       `json:"original_size"`
	CompressedSize    int       `json:"compressed_size"`
	StatusCode        int       `json:"status_code"`
	Expanded          bool      `json:"expanded"`
	DurationMs        int64     `json:"duration_ms"`
}

// Store defines the interface for cycle history storage.
type Store interface {
	// Append stores a record. Empty ID and zero Timestamp are filled in.
	Append(ctx context.Context, rec *Record) error

	// Recent returns up to limit unexpired records, newest first.
	// limit <= 0 means all.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Options configures retention.
type Options struct {
	TTL        time.Duration
	MaxRecords int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	return o
}

// prepare fills in the ID and timestamp.
func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	records  []Record // oldest first
	mu       sync.RWMutex
	opts     Options
	stopChan chan struct{}
	stopped  bool
}

// NewMemoryStore creates an in-memory store and starts its cleanup goroutine.
func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{
		opts:     opts.withDefaults(),
		stopChan: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Append stores a record, dropping the oldest beyond MaxRecords.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	prepare(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}

	s.records = append(s.records, *rec)
	if over := len(s.records) - s.opts.MaxRecords; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

// Recent returns unexpired records, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return nil, ErrClosed
	}

	cutoff := time.Now().Add(-s.opts.TTL)
	out := make([]Record, 0, min(len(s.records), max(limit, 0)))
	for i := len(s.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if s.records[i].Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, s.records[i])
	}
	return out, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping fails once the store is closed.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine and clears data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.records = nil
	}
	return nil
}

// cleanup periodically removes expired records.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *MemoryStore) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	cutoff := now.Add(-s.opts.TTL)
	keep := s.records[:0]
	for _, r := range s.records {
		if !r.Timestamp.Before(cutoff) {
			keep = append(keep, r)
		}
	}
	s.records = keep
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// Store types
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
)

// New opens the store of the given type. dsn is the SQLite file path.
func New(ctx context.Context, typ, dsn string, opts Options) (Store, error) {
	switch typ {
	case "", TypeMemory:
		return NewMemoryStore(opts), nil
	case TypeSQLite:
		return NewSQLiteStore(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unknown store type %q", typ)
	}
}

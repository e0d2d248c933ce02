// Package monitoring - prometheus.go exports the aggregator to Prometheus.
//
// DESIGN: A custom collector reads Aggregator.Snapshot() on every scrape,
// so the exported size series always come from one consistent copy. The
// collector is registered on a private registry; the process-wide default
// registry is never touched.
//
// Metrics:
//   - stego_requests_total - committed cycles
//   - stego_original_chars_total - prompt characters before compression
//   - stego_compressed_chars_total - prompt characters after compression
//   - stego_compression_ratio - compressed/original since last clear
//   - stego_cycles_total{kind} - operational counters
//   - stego_http_responses_total{route,class} - served responses
//   - stego_compression_enabled / stego_deep_learning_enabled - toggles
//   - stego_rule_set_version - active rule set version
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stego"

// RuntimeState is the toggle state exported next to the counters.
type RuntimeState struct {
	CompressionEnabled bool
	DeepLearning       bool
	RuleSetVersion     uint64
}

// Collector implements prometheus.Collector over an Aggregator.
type Collector struct {
	agg      *Aggregator
	counters *Counters
	state    func() RuntimeState

	requests       *prometheus.Desc
	originalChars  *prometheus.Desc
	compressedChar *prometheus.Desc
	ratio          *prometheus.Desc
	cycles         *prometheus.Desc
	responses      *prometheus.Desc
	compression    *prometheus.Desc
	deepLearning   *prometheus.Desc
	ruleSetVersion *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. counters and state may be nil.
func NewCollector(agg *Aggregator, counters *Counters, state func() RuntimeState) *Collector {
	return &Collector{
		agg:      agg,
		counters: counters,
		state:    state,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Committed proxy cycles.", nil, nil),
		originalChars: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "original_chars_total"),
			"Prompt characters before compression.", nil, nil),
		compressedChar: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "compressed_chars_total"),
			"Prompt characters after compression.", nil, nil),
		ratio: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "compression_ratio"),
			"Compressed over original prompt size since the last clear.", nil, nil),
		cycles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cycles_total"),
			"Operational cycle counters.", []string{"kind"}, nil),
		responses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "http", "responses_total"),
			"Served responses by route and status class.", []string{"route", "class"}, nil),
		compression: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "compression_enabled"),
			"1 when compression is enabled.", nil, nil),
		deepLearning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deep_learning_enabled"),
			"1 when the deep learning layer is enabled.", nil, nil),
		ruleSetVersion: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rule_set_version"),
			"Version of the active rule set.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.originalChars
	ch <- c.compressedChar
	ch <- c.ratio
	ch <- c.cycles
	ch <- c.responses
	ch <- c.compression
	ch <- c.deepLearning
	ch <- c.ruleSetVersion
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.Requests))
	ch <- prometheus.MustNewConstMetric(c.originalChars, prometheus.CounterValue, float64(snap.OriginalSize))
	ch <- prometheus.MustNewConstMetric(c.compressedChar, prometheus.CounterValue, float64(snap.CompressedSize))
	ch <- prometheus.MustNewConstMetric(c.ratio, prometheus.GaugeValue, snap.Ratio())

	if c.counters != nil {
		for kind, v := range c.counters.Stats() {
			ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(v), kind)
		}
		for route, classes := range c.counters.Responses() {
			for class, v := range classes {
				ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(v), string(route), class)
			}
		}
	}

	if c.state != nil {
		st := c.state()
		ch <- prometheus.MustNewConstMetric(c.compression, prometheus.GaugeValue, boolGauge(st.CompressionEnabled))
		ch <- prometheus.MustNewConstMetric(c.deepLearning, prometheus.GaugeValue, boolGauge(st.DeepLearning))
		ch <- prometheus.MustNewConstMetric(c.ruleSetVersion, prometheus.GaugeValue, float64(st.RuleSetVersion))
	}
}

// NewRegistry returns a registry holding the collector plus the Go runtime
// and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

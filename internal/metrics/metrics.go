// Package metrics provides Prometheus-compatible metrics for the rating
// study server.
//
// Counters, gauges and histograms live in a Registry. The registry renders
// itself in the Prometheus text format or as JSON and can be mounted as an
// HTTP handler. All operations are safe for concurrent use.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

// String returns the Prometheus name of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels are constant labels attached to a metric.
type Labels map[string]string

// String renders labels in sorted key order, e.g. {a="1",b="2"}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the full metric name.
func (c *Counter) Name() string { return c.name }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Add(v int64)  { g.value.Add(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) Name() string { return g.name }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last entry is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are upper bounds in seconds for server-side operations.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// ResponseTimeBuckets are upper bounds in milliseconds for participant
// response times and per-control interaction times.
var ResponseTimeBuckets = []float64{
	250, 500, 1000, 2000, 3000, 5000, 7500, 10000, 15000, 30000, 60000,
}

// NewHistogram creates a new Histogram. Nil buckets uses DurationBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := slices.Clone(buckets)
	slices.Sort(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	idx, _ := slices.BinarySearch(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// ObserveMillis records d in milliseconds.
func (h *Histogram) ObserveMillis(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

func (h *Histogram) Name() string { return h.name }

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values, or 0 with no observations.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Cumulative returns the bucket bounds and the cumulative count at each
// bound. The final count covers +Inf.
func (h *Histogram) Cumulative() ([]float64, []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cumulativeLocked()
}

func (h *Histogram) cumulativeLocked() ([]float64, []uint64) {
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return slices.Clone(h.buckets), out
}

// Quantile estimates the p-th percentile (0-100) from the buckets.
func (h *Histogram) Quantile(p float64) float64 {
	bounds, counts := h.Cumulative()
	return Percentile(bounds, counts, p)
}

// Registry holds registered metrics under a common name prefix.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a Registry. Metric names are prefixed with
// namespace and subsystem, joined by underscores, when non-empty.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	var parts []string
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	return strings.Join(append(parts, name), "_")
}

// RegisterCounter registers a counter, returning the existing one if the
// name is already taken.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if c, ok := r.counters[full]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[full] = c
	return c
}

// RegisterGauge registers a gauge, returning the existing one if the name
// is already taken.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if g, ok := r.gauges[full]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[full] = g
	return g
}

// RegisterHistogram registers a histogram, returning the existing one if
// the name is already taken.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if h, ok := r.histograms[full]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[full] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatBound(b float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.6f", b), "0"), ".")
}

// WritePrometheus writes metrics in the Prometheus text exposition format,
// sorted by name within each metric type.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
		fmt.Fprintf(&b, "%s%s %d\n", c.name, c.labels, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
		fmt.Fprintf(&b, "%s%s %d\n", g.name, g.labels, g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)

		prefix := "{"
		if ls := h.labels.String(); ls != "" {
			prefix = ls[:len(ls)-1] + ","
		}
		bounds, cum := h.cumulativeLocked()
		for i, bound := range bounds {
			fmt.Fprintf(&b, "%s_bucket%sle=\"%s\"} %d\n", h.name, prefix, formatBound(bound), cum[i])
		}
		fmt.Fprintf(&b, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, cum[len(cum)-1])
		fmt.Fprintf(&b, "%s_sum%s %g\n", h.name, h.labels, h.sum)
		fmt.Fprintf(&b, "%s_count%s %d\n", h.name, h.labels, h.count)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes metrics as an indented JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any)
	for _, c := range r.counters {
		out[c.name] = map[string]any{
			"type":   TypeCounter.String(),
			"help":   c.help,
			"labels": c.labels,
			"value":  c.Value(),
		}
	}
	for _, g := range r.gauges {
		out[g.name] = map[string]any{
			"type":   TypeGauge.String(),
			"help":   g.help,
			"labels": g.labels,
			"value":  g.Value(),
		}
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		bounds, cum := h.cumulativeLocked()
		buckets := make(map[string]uint64, len(cum))
		for i, bound := range bounds {
			buckets[formatBound(bound)] = cum[i]
		}
		buckets["+Inf"] = cum[len(cum)-1]
		mean := 0.0
		if h.count > 0 {
			mean = h.sum / float64(h.count)
		}
		out[h.name] = map[string]any{
			"type":    TypeHistogram.String(),
			"help":    h.help,
			"labels":  h.labels,
			"buckets": buckets,
			"sum":     h.sum,
			"count":   h.count,
			"mean":    mean,
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Snapshot returns current values keyed by full metric name. Histograms
// contribute _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]any)
	for _, c := range r.counters {
		snap[c.name] = c.Value()
	}
	for _, g := range r.gauges {
		snap[g.name] = g.Value()
	}
	for _, h := range r.histograms {
		snap[h.name+"_sum"] = h.Sum()
		snap[h.name+"_count"] = h.Count()
		snap[h.name+"_mean"] = h.Mean()
	}
	return snap
}

// HTTPHandler serves the registry. Clients accepting application/json get
// WriteJSON output; everyone else gets the Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry atomic.Pointer[Registry]

func init() {
	defaultRegistry.Store(NewRegistry("ratingstudy", ""))
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry.Load()
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultRegistry.Store(r)
}

// Percentile estimates the p-th percentile (0-100) from bucket bounds and
// cumulative counts, interpolating linearly inside the matching bucket.
// counts has one more entry than bounds for the +Inf bucket.
func Percentile(bounds []float64, counts []uint64, p float64) float64 {
	if len(bounds) == 0 || len(counts) == 0 || counts[len(counts)-1] == 0 {
		return 0
	}

	total := counts[len(counts)-1]
	target := uint64(math.Ceil(float64(total) * p / 100))
	if target == 0 {
		target = 1
	}

	for i, count := range counts {
		if count < target {
			continue
		}
		if i == 0 {
			return bounds[0] / 2
		}
		if i == len(bounds) {
			return bounds[len(bounds)-1]
		}
		lower, upper := bounds[i-1], bounds[i]
		prev := counts[i-1]
		ratio := float64(target-prev) / float64(count-prev)
		return lower + (upper-lower)*ratio
	}
	return bounds[len(bounds)-1]
}

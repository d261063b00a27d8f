package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is the aggregation family of a metric.
type Kind int

const (
	// Counter sums every sample.
	Counter Kind = iota
	// Gauge keeps the last value, plus min and max.
	Gauge
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps every value for percentile computation.
	Trend
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Built-in metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	Timeouts          = "timeouts"
	Checks            = "checks"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	IterationPanics   = "iteration_panics"
	DroppedIterations = "dropped_iterations"
	VUs               = "vus"
	VUsMax            = "vus_max"
	DataReceived      = "data_received"
	DataSent          = "data_sent"
)

// Sample is one immutable measurement.
type Sample struct {
	Metric string
	Kind   Kind
	Value  float64
	Tags   map[string]string
	Time   time.Time
}

// Sink receives every sample as it is recorded. Implementations must not block.
type Sink func(Sample)

type series struct {
	tags   map[string]string
	values []float64
	last   float64
	lastAt time.Time
}

// Registry collects samples from every VU of a run. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	kinds   map[string]Kind
	series  map[string]map[string]*series // metric -> tag key -> series
	started time.Time
	sink    Sink
	now     func() time.Time
}

// NewRegistry creates an empty registry whose clock starts now.
func NewRegistry() *Registry {
	return &Registry{
		kinds:   make(map[string]Kind),
		series:  make(map[string]map[string]*series),
		started: time.Now(),
		now:     time.Now,
	}
}

// SetSink installs a sink that sees every subsequent sample.
func (r *Registry) SetSink(s Sink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// Started returns the registry start time.
func (r *Registry) Started() time.Time {
	return r.started
}

// Add records a sample. A sample whose kind disagrees with the kind the
// metric was first recorded with is rejected.
func (r *Registry) Add(s Sample) error {
	if s.Metric == "" {
		return fmt.Errorf("sample has no metric name")
	}
	if s.Time.IsZero() {
		s.Time = r.now()
	}

	r.mu.Lock()
	if k, ok := r.kinds[s.Metric]; ok && k != s.Kind {
		r.mu.Unlock()
		return fmt.Errorf("metric %s is a %s, got %s sample", s.Metric, k, s.Kind)
	}
	r.kinds[s.Metric] = s.Kind

	key := tagKey(s.Tags)
	byTags, ok := r.series[s.Metric]
	if !ok {
		byTags = make(map[string]*series)
		r.series[s.Metric] = byTags
	}
	ser, ok := byTags[key]
	if !ok {
		ser = &series{tags: copyTags(s.Tags)}
		byTags[key] = ser
	}
	ser.values = append(ser.values, s.Value)
	if !s.Time.Before(ser.lastAt) {
		ser.last = s.Value
		ser.lastAt = s.Time
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(s)
	}
	return nil
}

// Counter adds value to a counter metric.
func (r *Registry) Counter(name string, value float64, tags map[string]string) {
	_ = r.Add(Sample{Metric: name, Kind: Counter, Value: value, Tags: tags})
}

// Gauge sets a gauge metric.
func (r *Registry) Gauge(name string, value float64, tags map[string]string) {
	_ = r.Add(Sample{Metric: name, Kind: Gauge, Value: value, Tags: tags})
}

// Rate records one boolean observation.
func (r *Registry) Rate(name string, ok bool, tags map[string]string) {
	v := 0.0
	if ok {
		v = 1
	}
	_ = r.Add(Sample{Metric: name, Kind: Rate, Value: v, Tags: tags})
}

// Trend records one value, in milliseconds for durations.
func (r *Registry) Trend(name string, value float64, tags map[string]string) {
	_ = r.Add(Sample{Metric: name, Kind: Trend, Value: value, Tags: tags})
}

// TrendDuration records a duration as milliseconds.
func (r *Registry) TrendDuration(name string, d time.Duration, tags map[string]string) {
	r.Trend(name, float64(d)/float64(time.Millisecond), tags)
}

// Check records a named boolean assertion into the checks rate and returns ok.
func (r *Registry) Check(name string, ok bool, tags map[string]string) bool {
	t := copyTags(tags)
	if t == nil {
		t = make(map[string]string, 1)
	}
	t["check"] = name
	r.Rate(Checks, ok, t)
	return ok
}

// Names returns every recorded metric name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of every value of a metric whose tags contain filter.
func (r *Registry) Values(name string, filter map[string]string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []float64
	for _, ser := range r.series[name] {
		if matches(ser.tags, filter) {
			out = append(out, ser.values...)
		}
	}
	return out
}

// Summarize aggregates a metric over every series whose tags contain filter.
func (r *Registry) Summarize(name string, filter map[string]string) Summary {
	r.mu.RLock()
	kind, ok := r.kinds[name]
	if !ok {
		r.mu.RUnlock()
		return Summary{Metric: name, Filter: copyTags(filter)}
	}

	stats := NewStats()
	var last float64
	var lastAt time.Time
	for _, ser := range r.series[name] {
		if !matches(ser.tags, filter) {
			continue
		}
		for _, v := range ser.values {
			stats.Add(v)
		}
		if ser.lastAt.After(lastAt) {
			last, lastAt = ser.last, ser.lastAt
		}
	}
	elapsed := r.now().Sub(r.started)
	r.mu.RUnlock()

	return newSummary(name, kind, copyTags(filter), stats, last, elapsed)
}

// Tally is a running view of one metric across every series.
type Tally struct {
	Count int
	Sum   float64
	// Last adds up the latest value of each series, so per-executor VU
	// gauges give the total.
	Last float64
}

// Tally reads a metric without copying its samples.
func (r *Registry) Tally(name string) Tally {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var t Tally
	for _, ser := range r.series[name] {
		t.Count += len(ser.values)
		for _, v := range ser.values {
			t.Sum += v
		}
		t.Last += ser.last
	}
	return t
}

// Elapsed returns the time since the registry was created.
func (r *Registry) Elapsed() time.Duration {
	return r.now().Sub(r.started)
}

// MergeTags returns base overlaid with extra. Neither input is modified.
func MergeTags(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func matches(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func tagKey(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte(',')
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

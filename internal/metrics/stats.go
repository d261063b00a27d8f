package metrics

import (
	"math"
	"sort"
	"time"
)

// Stats holds the raw values of one aggregation
type Stats struct {
	values  []float64
	sum     float64
	min     float64
	max     float64
	nonZero int
	sorted  bool
}

// NewStats creates a new Stats instance
func NewStats() *Stats {
	return &Stats{
		values: make([]float64, 0, 64),
		min:    math.Inf(1),
		max:    math.Inf(-1),
	}
}

// Add adds a value to the statistics
func (s *Stats) Add(v float64) {
	s.values = append(s.values, v)
	s.sum += v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	if v != 0 {
		s.nonZero++
	}
	s.sorted = false
}

// Count returns the number of values
func (s *Stats) Count() int {
	return len(s.values)
}

// Sum returns the sum of all values
func (s *Stats) Sum() float64 {
	return s.sum
}

// Avg returns the mean, or 0 if no values
func (s *Stats) Avg() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.sum / float64(len(s.values))
}

// Min returns the minimum, or 0 if no values
func (s *Stats) Min() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.min
}

// Max returns the maximum, or 0 if no values
func (s *Stats) Max() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.max
}

// NonZeroRate returns the fraction of non-zero values (0..1)
func (s *Stats) NonZeroRate() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return float64(s.nonZero) / float64(len(s.values))
}

// Percentile calculates the percentile value (p should be between 0 and 100)
func (s *Stats) Percentile(p float64) float64 {
	if len(s.values) == 0 {
		return 0
	}
	if !s.sorted {
		sort.Float64s(s.values)
		s.sorted = true
	}

	// Calculate index
	index := (p / 100.0) * float64(len(s.values)-1)
	lower := int(index)
	upper := lower + 1

	if upper >= len(s.values) {
		return s.values[len(s.values)-1]
	}

	// Linear interpolation between lower and upper
	weight := index - float64(lower)
	return s.values[lower]*(1-weight) + s.values[upper]*weight
}

// Summary is the read-side aggregation of one metric under one tag filter.
type Summary struct {
	Metric string
	Kind   Kind
	Filter map[string]string

	Count     int
	Sum       float64
	Min       float64
	Max       float64
	Avg       float64
	Med       float64
	P90       float64
	P95       float64
	P99       float64
	Rate      float64 // fraction of non-zero samples for Rate metrics
	Passes    int
	Fails     int
	Value     float64 // last gauge value
	PerSecond float64 // counter sum divided by elapsed run time

	stats *Stats
}

func newSummary(name string, kind Kind, filter map[string]string, stats *Stats, last float64, elapsed time.Duration) Summary {
	s := Summary{
		Metric: name,
		Kind:   kind,
		Filter: filter,
		Count:  stats.Count(),
		Sum:    stats.Sum(),
		Min:    stats.Min(),
		Max:    stats.Max(),
		Avg:    stats.Avg(),
		Rate:   stats.NonZeroRate(),
		Value:  last,
		stats:  stats,
	}
	s.Passes = stats.nonZero
	s.Fails = s.Count - s.Passes
	if kind == Trend {
		s.Med = stats.Percentile(50)
		s.P90 = stats.Percentile(90)
		s.P95 = stats.Percentile(95)
		s.P99 = stats.Percentile(99)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.PerSecond = s.Sum / secs
	}
	return s
}

// HasData reports whether any sample matched.
func (s Summary) HasData() bool {
	return s.Count > 0
}

// Percentile computes an arbitrary percentile over the matched samples.
func (s Summary) Percentile(p float64) float64 {
	if s.stats == nil {
		return 0
	}
	return s.stats.Percentile(p)
}

// Name renders the metric with its filter, e.g. http_req_duration{name:login}.
func (s Summary) Name() string {
	return FormatSelector(s.Metric, s.Filter)
}

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Selector names a metric and an optional tag filter,
// written as metric or metric{key:value,key2:value2}.
type Selector struct {
	Metric string
	Tags   map[string]string
}

// ParseSelector parses a metric selector.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '{')
	if open < 0 {
		if s == "" {
			return Selector{}, fmt.Errorf("empty metric selector")
		}
		return Selector{Metric: s}, nil
	}
	if !strings.HasSuffix(s, "}") {
		return Selector{}, fmt.Errorf("selector %q: missing closing brace", s)
	}

	sel := Selector{Metric: strings.TrimSpace(s[:open]), Tags: make(map[string]string)}
	if sel.Metric == "" {
		return Selector{}, fmt.Errorf("selector %q: missing metric name", s)
	}
	body := s[open+1 : len(s)-1]
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return Selector{}, fmt.Errorf("selector %q: tag %q must be key:value", s, pair)
		}
		sel.Tags[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return sel, nil
}

// String renders the selector back to its textual form.
func (s Selector) String() string {
	return FormatSelector(s.Metric, s.Tags)
}

// FormatSelector renders metric{k:v,...} with tags sorted by key.
func FormatSelector(metric string, tags map[string]string) string {
	if len(tags) == 0 {
		return metric
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + tags[k]
	}
	return metric + "{" + strings.Join(parts, ",") + "}"
}

// Expression is one comparison such as p(95)<500 or rate<0.01.
type Expression struct {
	Source     string
	Agg        string // avg, min, max, med, count, rate, value or p
	Percentile float64
	Op         string
	Value      float64
}

var operators = []string{"<=", ">=", "==", "!=", "<", ">"}

// ParseExpression parses a threshold expression.
func ParseExpression(s string) (Expression, error) {
	src := strings.TrimSpace(s)
	compact := strings.ReplaceAll(src, " ", "")

	idx, op := -1, ""
	for _, candidate := range operators {
		if i := strings.Index(compact, candidate); i > 0 {
			idx, op = i, candidate
			break
		}
	}
	if idx < 0 {
		return Expression{}, fmt.Errorf("threshold %q: missing comparison operator", src)
	}

	expr := Expression{Source: src, Op: op}
	lhs, rhs := compact[:idx], compact[idx+len(op):]

	v, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return Expression{}, fmt.Errorf("threshold %q: invalid value %q", src, rhs)
	}
	expr.Value = v

	switch {
	case strings.HasPrefix(lhs, "p(") && strings.HasSuffix(lhs, ")"):
		p, err := strconv.ParseFloat(lhs[2:len(lhs)-1], 64)
		if err != nil || p < 0 || p > 100 {
			return Expression{}, fmt.Errorf("threshold %q: invalid percentile %q", src, lhs)
		}
		expr.Agg, expr.Percentile = "p", p
	case lhs == "avg", lhs == "min", lhs == "max", lhs == "med", lhs == "count", lhs == "rate", lhs == "value":
		expr.Agg = lhs
	default:
		return Expression{}, fmt.Errorf("threshold %q: unknown aggregation %q", src, lhs)
	}
	return expr, nil
}

// Observe extracts the aggregation this expression compares against.
func (e Expression) Observe(s Summary) (float64, error) {
	switch e.Agg {
	case "p":
		if s.Kind != Trend {
			return 0, fmt.Errorf("percentiles need a trend, %s is a %s", s.Metric, s.Kind)
		}
		return s.Percentile(e.Percentile), nil
	case "avg":
		return s.Avg, nil
	case "min":
		return s.Min, nil
	case "max":
		return s.Max, nil
	case "med":
		if s.Kind != Trend {
			return 0, fmt.Errorf("med needs a trend, %s is a %s", s.Metric, s.Kind)
		}
		return s.Med, nil
	case "count":
		if s.Kind == Counter {
			return s.Sum, nil
		}
		return float64(s.Count), nil
	case "rate":
		switch s.Kind {
		case Rate:
			return s.Rate, nil
		case Counter:
			return s.PerSecond, nil
		}
		return 0, fmt.Errorf("rate needs a rate or counter, %s is a %s", s.Metric, s.Kind)
	case "value":
		if s.Kind != Gauge {
			return 0, fmt.Errorf("value needs a gauge, %s is a %s", s.Metric, s.Kind)
		}
		return s.Value, nil
	}
	return 0, fmt.Errorf("unknown aggregation %q", e.Agg)
}

// Holds reports whether observed satisfies the comparison.
func (e Expression) Holds(observed float64) bool {
	switch e.Op {
	case "<":
		return observed < e.Value
	case "<=":
		return observed <= e.Value
	case ">":
		return observed > e.Value
	case ">=":
		return observed >= e.Value
	case "==":
		return observed == e.Value
	case "!=":
		return observed != e.Value
	}
	return false
}

// Threshold binds expressions to a metric selector.
type Threshold struct {
	Selector    Selector
	Expressions []Expression
}

// ParseThresholds parses a selector -> expressions map, sorted by selector.
func ParseThresholds(defs map[string][]string) ([]Threshold, error) {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Threshold, 0, len(keys))
	for _, key := range keys {
		sel, err := ParseSelector(key)
		if err != nil {
			return nil, err
		}
		th := Threshold{Selector: sel}
		for _, raw := range defs[key] {
			expr, err := ParseExpression(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			th.Expressions = append(th.Expressions, expr)
		}
		out = append(out, th)
	}
	return out, nil
}

// Result is the outcome of one expression.
type Result struct {
	Selector   string
	Expression string
	Observed   float64
	Passed     bool
	NoData     bool
	Error      string
}

// Report is the outcome of every threshold of a run.
type Report struct {
	Results []Result
	Passed  bool
}

// Failed returns the results that did not pass.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Evaluate checks every threshold against the registry. A threshold whose
// selector matched no samples is reported as no data and does not fail.
func Evaluate(reg *Registry, thresholds []Threshold) Report {
	report := Report{Passed: true}
	for _, th := range thresholds {
		summary := reg.Summarize(th.Selector.Metric, th.Selector.Tags)
		for _, expr := range th.Expressions {
			res := Result{Selector: th.Selector.String(), Expression: expr.Source}
			if !summary.HasData() {
				res.NoData, res.Passed = true, true
				report.Results = append(report.Results, res)
				continue
			}
			observed, err := expr.Observe(summary)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Observed = observed
				res.Passed = expr.Holds(observed)
			}
			if !res.Passed {
				report.Passed = false
			}
			report.Results = append(report.Results, res)
		}
	}
	return report
}

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushConfig identifies the Pushgateway a run's final summaries go to.
type PushConfig struct {
	URL      string
	Token    string
	Job      string
	Org      string
	Scenario string
	RunID    string
	Timeout  time.Duration
}

type bearerDoer struct {
	token string
	next  *http.Client
}

func (d bearerDoer) Do(req *http.Request) (*http.Response, error) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return d.next.Do(req)
}

// Push exports the run summaries and threshold verdicts as gauges.
func Push(ctx context.Context, cfg PushConfig, summaries []Summary, report Report) error {
	if cfg.URL == "" {
		return fmt.Errorf("pushgateway URL is required")
	}
	if cfg.Job == "" {
		cfg.Job = "perfharness"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reg := prometheus.NewRegistry()
	values := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perfharness",
		Name:      "metric_value",
		Help:      "Aggregated value of a harness metric at the end of a run.",
	}, []string{"metric", "stat"})
	thresholds := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perfharness",
		Name:      "threshold_passed",
		Help:      "Whether a threshold expression held at the end of a run (1/0).",
	}, []string{"metric", "expression"})
	passed := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perfharness",
		Name:      "run_passed",
		Help:      "Whether every threshold of the run passed (1/0).",
	})
	reg.MustRegister(values, thresholds, passed)

	for _, s := range summaries {
		name := s.Name()
		values.WithLabelValues(name, "count").Set(float64(s.Count))
		switch s.Kind {
		case Trend:
			values.WithLabelValues(name, "avg").Set(s.Avg)
			values.WithLabelValues(name, "min").Set(s.Min)
			values.WithLabelValues(name, "med").Set(s.Med)
			values.WithLabelValues(name, "p90").Set(s.P90)
			values.WithLabelValues(name, "p95").Set(s.P95)
			values.WithLabelValues(name, "p99").Set(s.P99)
			values.WithLabelValues(name, "max").Set(s.Max)
		case Counter:
			values.WithLabelValues(name, "sum").Set(s.Sum)
			values.WithLabelValues(name, "per_second").Set(s.PerSecond)
		case Rate:
			values.WithLabelValues(name, "rate").Set(s.Rate)
		case Gauge:
			values.WithLabelValues(name, "value").Set(s.Value)
			values.WithLabelValues(name, "max").Set(s.Max)
		}
	}
	for _, res := range report.Results {
		v := 0.0
		if res.Passed {
			v = 1
		}
		thresholds.WithLabelValues(res.Selector, res.Expression).Set(v)
	}
	if report.Passed {
		passed.Set(1)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pusher := push.New(cfg.URL, cfg.Job).
		Gatherer(reg).
		Client(bearerDoer{token: cfg.Token, next: &http.Client{Timeout: timeout}})
	if cfg.Org != "" {
		pusher = pusher.Grouping("org", cfg.Org)
	}
	if cfg.Scenario != "" {
		pusher = pusher.Grouping("scenario", cfg.Scenario)
	}
	if cfg.RunID != "" {
		pusher = pusher.Grouping("run", cfg.RunID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// Package monitor polls the target services' introspection endpoints for
// heap and GC pause readings during long runs.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/types"
)

// Gauge names recorded by the poller.
const (
	HeapUsedMB = "jvm_heap_used_mb"
	GCPauseMs  = "gc_pause_ms"
)

const metricsPath = "/actuator/metrics/"

// Requester executes one HTTP call. *executor.Client satisfies it.
type Requester interface {
	Execute(ctx context.Context, req *types.HttpRequest) *types.RequestResult
}

// Target is one service to poll.
type Target struct {
	Name string
	URL  string
}

// Reading is one poll of one service.
type Reading struct {
	Service   string
	HeapMB    float64
	HasHeap   bool
	GCPauseMs float64
	HasGC     bool
	Errors    []string
}

// Poller reads heap usage and GC pause from every target.
type Poller struct {
	client  Requester
	targets []Target
	opts    config.MonitorOptions
	metrics *metrics.Registry
	logger  *zap.Logger
}

// TargetsFor resolves the configured service names to URLs, skipping
// unknown names.
func TargetsFor(services config.ServiceURLs, names []string) []Target {
	var out []Target
	for _, name := range names {
		name = strings.TrimSpace(name)
		if url := services.ByName(name); url != "" {
			out = append(out, Target{Name: name, URL: strings.TrimRight(url, "/")})
		}
	}
	return out
}

// NewPoller creates a poller over targets.
func NewPoller(client Requester, targets []Target, opts config.MonitorOptions, reg *metrics.Registry, logger *zap.Logger) *Poller {
	return &Poller{
		client:  client,
		targets: targets,
		opts:    opts,
		metrics: reg,
		logger:  logging.OrNop(logger),
	}
}

// Interval returns the configured poll cadence.
func (p *Poller) Interval() time.Duration {
	return p.opts.Interval
}

// Poll reads every target once and records the gauges it could extract.
// Unreachable services and missing values are logged, never fatal.
func (p *Poller) Poll(ctx context.Context) []Reading {
	readings := make([]Reading, 0, len(p.targets))
	for _, t := range p.targets {
		r := Reading{Service: t.Name}
		tags := map[string]string{"service": t.Name}

		if bytes, err := p.fetch(ctx, t, p.opts.HeapMetric, p.opts.HeapQuery); err != nil {
			r.Errors = append(r.Errors, err.Error())
		} else {
			r.HeapMB, r.HasHeap = bytes/1024/1024, true
			p.gauge(HeapUsedMB, r.HeapMB, tags)
		}

		if secs, err := p.fetch(ctx, t, p.opts.GCPauseMetric, p.opts.GCPauseQuery); err != nil {
			r.Errors = append(r.Errors, err.Error())
		} else {
			r.GCPauseMs, r.HasGC = secs*1000, true
			p.gauge(GCPauseMs, r.GCPauseMs, tags)
		}

		if len(r.Errors) > 0 {
			p.logger.Warn("monitor reading incomplete",
				zap.String("service", t.Name),
				zap.Strings("errors", r.Errors))
		} else {
			p.logger.Info("monitor reading",
				zap.String("service", t.Name),
				zap.Float64("heap_used_mb", r.HeapMB),
				zap.Float64("gc_pause_ms", r.GCPauseMs))
		}
		readings = append(readings, r)
	}
	return readings
}

func (p *Poller) fetch(ctx context.Context, t Target, metric, query string) (float64, error) {
	resp := p.client.Execute(ctx, &types.HttpRequest{
		Name:         "actuator-metrics",
		Method:       http.MethodGet,
		URL:          t.URL + metricsPath + metric,
		TimeoutClass: types.TimeoutFast,
		Tags:         map[string]string{"service": t.Name},
	})
	if !resp.Is(http.StatusOK) {
		if resp.Error != "" {
			return 0, fmt.Errorf("%s: %s", metric, resp.Error)
		}
		return 0, fmt.Errorf("%s: status %d", metric, resp.Status)
	}
	v, ok := chain.ExtractFloat(resp.Body, query)
	if !ok {
		return 0, fmt.Errorf("%s: no value at %q", metric, query)
	}
	return v, nil
}

func (p *Poller) gauge(name string, v float64, tags map[string]string) {
	if p.metrics != nil {
		p.metrics.Gauge(name, v, tags)
	}
}

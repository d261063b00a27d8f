package stresstest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
)

// Scenario is a static definition, instantiated once per run.
type Scenario struct {
	Name        string
	Description string
	Executors   []ExecutorSpec
	// Thresholds map a selector such as "http_req_duration{name:login}" to
	// expressions such as "p(95)<300".
	Thresholds map[string][]string

	// InitVU builds per-VU state for every executor without its own hook.
	InitVU InitVUFunc
	// Setup runs once before any executor; its result is handed to every VU
	// as SetupData and to Teardown.
	Setup func(ctx context.Context) (any, error)
	// Teardown runs once after every executor finished.
	Teardown func(ctx context.Context, data any) error
}

// Validate validates the scenario, including threshold syntax.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(s.Executors) == 0 {
		return fmt.Errorf("scenario %s has no executors", s.Name)
	}
	seen := make(map[string]bool, len(s.Executors))
	for _, ex := range s.Executors {
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		if seen[ex.Name] {
			return fmt.Errorf("scenario %s: duplicate executor %s", s.Name, ex.Name)
		}
		seen[ex.Name] = true
	}
	if _, err := metrics.ParseThresholds(s.Thresholds); err != nil {
		return fmt.Errorf("scenario %s: invalid threshold: %w", s.Name, err)
	}
	return nil
}

// TotalDuration is the longest executor window, excluding graceful stops.
func (s *Scenario) TotalDuration() time.Duration {
	var longest time.Duration
	for _, ex := range s.Executors {
		if d := ex.Profile.TotalDuration(); d > longest {
			longest = d
		}
	}
	return longest
}

// RunOptions configure one run.
type RunOptions struct {
	Metrics *metrics.Registry
	// Manager persists the run; nil disables persistence.
	Manager *Manager
	// PersistSamples stores every raw sample in addition to the summaries.
	PersistSamples bool
	// DurationScale multiplies every profile duration.
	DurationScale float64
	// Seed feeds every VU's Rand; zero picks a time-based seed.
	Seed   int64
	Logger *zap.Logger
}

// RunResult is the outcome of a run.
type RunResult struct {
	Run       *Run
	Summaries []metrics.Summary
	Report    metrics.Report
	Executors []ExecutorStats
}

// Passed reports whether every threshold held.
func (r *RunResult) Passed() bool {
	return r.Report.Passed
}

// Runner drives one scenario through its lifecycle.
type Runner struct {
	scenario   *Scenario
	opts       RunOptions
	thresholds []metrics.Threshold
	logger     *zap.Logger
}

// NewRunner validates the scenario and applies the duration scale.
func NewRunner(scenario *Scenario, opts RunOptions) (*Runner, error) {
	if scenario == nil {
		return nil, fmt.Errorf("scenario is required")
	}
	if opts.DurationScale <= 0 {
		opts.DurationScale = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	scaled := *scenario
	scaled.Executors = make([]ExecutorSpec, len(scenario.Executors))
	for i, ex := range scenario.Executors {
		ex.Profile = ex.Profile.Scaled(opts.DurationScale)
		scaled.Executors[i] = ex
	}
	if err := scaled.Validate(); err != nil {
		return nil, err
	}
	thresholds, err := metrics.ParseThresholds(scaled.Thresholds)
	if err != nil {
		return nil, err
	}

	return &Runner{
		scenario:   &scaled,
		opts:       opts,
		thresholds: thresholds,
		logger:     logging.OrNop(opts.Logger).With(zap.String("scenario", scenario.Name)),
	}, nil
}

// Scenario returns the scenario as it will run, after scaling.
func (r *Runner) Scenario() *Scenario {
	return r.scenario
}

// Run executes setup, every executor concurrently, teardown, and threshold
// evaluation. The returned error covers infrastructure failures only; a
// threshold violation is reported through RunResult.Passed.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	reg := r.opts.Metrics
	run := &Run{
		UUID:          uuid.NewString(),
		Scenario:      r.scenario.Name,
		StartedAt:     time.Now(),
		Status:        StatusRunning,
		DurationScale: r.opts.DurationScale,
	}

	var samples *sampleRecorder
	if m := r.opts.Manager; m != nil {
		if err := m.CreateRun(run); err != nil {
			return nil, fmt.Errorf("failed to create run record: %w", err)
		}
		if r.opts.PersistSamples {
			samples = newSampleRecorder(m, run.ID, reg.Started(), r.logger)
			reg.SetSink(samples.Record)
			defer reg.SetSink(nil)
		}
	}

	r.logger.Info("run starting",
		zap.String("run_id", run.UUID),
		zap.Int("executors", len(r.scenario.Executors)),
		zap.Duration("duration", r.scenario.TotalDuration()),
		zap.Float64("duration_scale", r.opts.DurationScale))

	var setupData any
	if r.scenario.Setup != nil {
		data, err := r.scenario.Setup(ctx)
		if err != nil {
			r.logger.Warn("setup failed, continuing", zap.Error(err))
		}
		setupData = data
	}

	var vuIDs atomic.Int64
	executors := make([]*Executor, 0, len(r.scenario.Executors))
	for _, spec := range r.scenario.Executors {
		ex, err := NewExecutor(spec, reg, r.logger, r.scenario.InitVU, setupData, r.opts.Seed, &vuIDs)
		if err != nil {
			return nil, r.abort(run, samples, err)
		}
		executors = append(executors, ex)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range executors {
		ex := ex
		g.Go(func() error {
			return ex.Run(gctx)
		})
	}
	runErr := g.Wait()

	if r.scenario.Teardown != nil {
		// Teardown still runs after an interrupt, on a context of its own.
		tctx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), DefaultGracefulStop)
			defer cancel()
		}
		if err := r.scenario.Teardown(tctx, setupData); err != nil {
			r.logger.Warn("teardown failed", zap.Error(err))
		}
	}

	if samples != nil {
		reg.SetSink(nil)
		samples.Close()
	}

	result := &RunResult{
		Run:       run,
		Report:    metrics.Evaluate(reg, r.thresholds),
		Summaries: metrics.SummarizeAll(reg, r.thresholds),
	}
	for _, ex := range executors {
		result.Executors = append(result.Executors, ex.Stats())
	}

	r.finalize(run, result, runErr)
	r.persist(run, result)

	r.logger.Info("run finished",
		zap.String("run_id", run.UUID),
		zap.String("status", run.Status),
		zap.Bool("passed", result.Passed()),
		zap.Int("iterations", run.Iterations),
		zap.Int("threshold_failures", len(result.Report.Failed())))
	return result, nil
}

func (r *Runner) finalize(run *Run, result *RunResult, runErr error) {
	reg := r.opts.Metrics
	now := time.Now()
	run.CompletedAt = &now
	passed := result.Passed()
	run.Passed = &passed

	switch {
	case runErr == nil:
		run.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		run.Status = StatusCancelled
	default:
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}

	run.Iterations = int(reg.Summarize(metrics.Iterations, nil).Sum)
	run.DroppedIterations = int(reg.Summarize(metrics.DroppedIterations, nil).Sum)
	run.IterationPanics = int(reg.Summarize(metrics.IterationPanics, nil).Sum)
	run.HTTPReqs = int(reg.Summarize(metrics.HTTPReqs, nil).Sum)
	run.HTTPReqFailedRate = reg.Summarize(metrics.HTTPReqFailed, nil).Rate
	run.P95DurationMs = reg.Summarize(metrics.HTTPReqDuration, nil).P95
}

func (r *Runner) persist(run *Run, result *RunResult) {
	m := r.opts.Manager
	if m == nil {
		return
	}
	if err := m.SaveSummaries(run.ID, result.Summaries); err != nil {
		r.logger.Error("failed to save metric summaries", zap.Error(err))
	}
	if err := m.SaveThresholdResults(run.ID, result.Report.Results); err != nil {
		r.logger.Error("failed to save threshold results", zap.Error(err))
	}
	if err := m.UpdateRun(run); err != nil {
		r.logger.Error("failed to update run record", zap.Error(err))
	}
}

func (r *Runner) abort(run *Run, samples *sampleRecorder, err error) error {
	if samples != nil {
		r.opts.Metrics.SetSink(nil)
		samples.Close()
	}
	now := time.Now()
	run.CompletedAt = &now
	run.Status = StatusFailed
	run.Error = err.Error()
	if m := r.opts.Manager; m != nil {
		if uerr := m.UpdateRun(run); uerr != nil {
			r.logger.Error("failed to update run record", zap.Error(uerr))
		}
	}
	return err
}

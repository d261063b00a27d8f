package stresstest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
)

const (
	// rampTick is how often a ramping executor re-evaluates its VU target.
	rampTick = 100 * time.Millisecond
)

// VU is one virtual user. A VU runs its iterations strictly one after the
// other, so State needs no locking.
type VU struct {
	ID        int
	Executor  string
	Iteration int
	Rand      *rand.Rand
	State     any
	SetupData any
}

// IterationFunc is the body of one iteration. Returned errors are logged
// and never stop the executor.
type IterationFunc func(ctx context.Context, vu *VU) error

// InitVUFunc builds the per-VU state once, before the VU's first iteration.
type InitVUFunc func(ctx context.Context, vu *VU) (any, error)

// ExecutorSpec binds a named profile to an iteration body.
type ExecutorSpec struct {
	Name    string
	Profile Profile
	Exec    IterationFunc
	// InitVU overrides the scenario-level hook for this executor.
	InitVU InitVUFunc
}

// Validate validates the executor spec
func (s ExecutorSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("executor name is required")
	}
	if s.Exec == nil {
		return fmt.Errorf("executor %s has no iteration function", s.Name)
	}
	if err := s.Profile.Validate(); err != nil {
		return fmt.Errorf("executor %s: %w", s.Name, err)
	}
	return nil
}

// Executor runs one ExecutorSpec to completion.
type Executor struct {
	spec      ExecutorSpec
	metrics   *metrics.Registry
	logger    *zap.Logger
	initVU    InitVUFunc
	setupData any
	seed      int64
	nextVUID  *atomic.Int64
	tags      map[string]string

	activeVUs atomic.Int32
	allocated atomic.Int32
	completed atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// ExecutorStats are the counters of a finished executor.
type ExecutorStats struct {
	Name              string
	Iterations        int64
	DroppedIterations int64
	Panics            int64
	MaxVUs            int
}

// NewExecutor creates an executor. vuIDs is shared by every executor of a
// run so VU IDs are unique across the run.
func NewExecutor(spec ExecutorSpec, reg *metrics.Registry, logger *zap.Logger, initVU InitVUFunc, setupData any, seed int64, vuIDs *atomic.Int64) (*Executor, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor: %w", err)
	}
	if spec.InitVU != nil {
		initVU = spec.InitVU
	}
	if vuIDs == nil {
		vuIDs = &atomic.Int64{}
	}
	return &Executor{
		spec:      spec,
		metrics:   reg,
		logger:    logging.OrNop(logger).With(zap.String("executor", spec.Name)),
		initVU:    initVU,
		setupData: setupData,
		seed:      seed,
		nextVUID:  vuIDs,
		tags:      map[string]string{"executor": spec.Name},
	}, nil
}

// Stats returns the executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Name:              e.spec.Name,
		Iterations:        e.completed.Load(),
		DroppedIterations: e.dropped.Load(),
		Panics:            e.panics.Load(),
		MaxVUs:            int(e.allocated.Load()),
	}
}

// Run schedules iterations according to the profile until the profile's
// window closes, then waits up to the graceful stop for in-flight
// iterations. Cancelling ctx interrupts everything immediately.
func (e *Executor) Run(ctx context.Context) error {
	p := e.spec.Profile
	e.logger.Info("executor starting",
		zap.String("profile", string(p.Kind)),
		zap.Duration("duration", p.TotalDuration()),
		zap.Int("peak_vus", p.PeakVUs()))

	// schedCtx closes the scheduling window; iterCtx bounds in-flight work.
	schedCtx, stopScheduling := context.WithTimeout(ctx, p.TotalDuration())
	defer stopScheduling()
	iterCtx, interrupt := context.WithCancel(ctx)
	defer interrupt()

	done := make(chan struct{})
	go e.gracefulStop(schedCtx, interrupt, done)

	start := time.Now()
	switch p.Kind {
	case ConstantVUs:
		e.runConstantVUs(schedCtx, iterCtx)
	case RampingVUs:
		e.runRampingVUs(schedCtx, iterCtx)
	case ConstantArrivalRate:
		e.runArrivalRate(schedCtx, iterCtx)
	case SharedIterations:
		e.runSharedIterations(schedCtx, iterCtx)
	}
	close(done)
	e.gauge(metrics.VUs, 0)

	stats := e.Stats()
	e.logger.Info("executor finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("iterations", stats.Iterations),
		zap.Int64("dropped_iterations", stats.DroppedIterations),
		zap.Int64("panics", stats.Panics))
	return ctx.Err()
}

// gracefulStop interrupts in-flight iterations once the graceful stop has
// elapsed after the scheduling window closed.
func (e *Executor) gracefulStop(schedCtx context.Context, interrupt context.CancelFunc, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-schedCtx.Done():
	}
	timer := time.NewTimer(e.spec.Profile.GetGracefulStop())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("graceful stop elapsed, interrupting iterations")
		interrupt()
	}
}

func (e *Executor) newVU(ctx context.Context) *VU {
	id := int(e.nextVUID.Add(1))
	vu := &VU{
		ID:        id,
		Executor:  e.spec.Name,
		Rand:      rand.New(rand.NewSource(e.seed + int64(id))),
		SetupData: e.setupData,
	}
	e.gauge(metrics.VUsMax, float64(e.allocated.Add(1)))
	if e.initVU != nil {
		state, err := e.initVU(ctx, vu)
		if err != nil {
			e.logger.Warn("vu init failed", zap.Int("vu", id), zap.Error(err))
		}
		vu.State = state
	}
	return vu
}

// iterate runs one iteration, recovering panics so a broken iteration never
// takes its siblings down. Interrupted iterations are not counted.
func (e *Executor) iterate(ctx context.Context, vu *VU) {
	start := time.Now()
	e.gauge(metrics.VUs, float64(e.activeVUs.Add(1)))
	defer func() {
		e.activeVUs.Add(-1)
		vu.Iteration++
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.counter(metrics.IterationPanics, 1)
			e.logger.Error("iteration panicked",
				zap.Int("vu", vu.ID),
				zap.Int("iteration", vu.Iteration),
				zap.Any("panic", r),
				zap.Stack("stack"))
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.completed.Add(1)
		e.counter(metrics.Iterations, 1)
		if e.metrics != nil {
			e.metrics.TrendDuration(metrics.IterationDuration, time.Since(start), e.tags)
		}
	}()

	if err := e.spec.Exec(ctx, vu); err != nil && ctx.Err() == nil {
		e.logger.Debug("iteration failed", zap.Int("vu", vu.ID), zap.Error(err))
	}
}

func (e *Executor) runConstantVUs(schedCtx, iterCtx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.spec.Profile.VUs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vu := e.newVU(iterCtx)
			for schedCtx.Err() == nil {
				e.iterate(iterCtx, vu)
			}
		}()
	}
	wg.Wait()
}

// rampGate admits the VUs whose index is below the current target.
type rampGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	target  int
	stopped bool
}

func newRampGate(target int) *rampGate {
	g := &rampGate{target: target}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *rampGate) set(target int) {
	g.mu.Lock()
	g.target = target
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *rampGate) stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks until VU idx may run, reporting false once the gate stopped.
func (g *rampGate) wait(idx int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.stopped && idx >= g.target {
		g.cond.Wait()
	}
	return !g.stopped
}

func (e *Executor) runRampingVUs(schedCtx, iterCtx context.Context) {
	p := e.spec.Profile
	start := time.Now()
	gate := newRampGate(p.StartVUs)

	var wg sync.WaitGroup
	for i := 0; i < p.PeakVUs(); i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var vu *VU
			for gate.wait(idx) {
				if vu == nil {
					vu = e.newVU(iterCtx)
				}
				e.iterate(iterCtx, vu)
			}
		}(i)
	}

	ticker := time.NewTicker(rampTick)
	defer ticker.Stop()
	for {
		select {
		case <-schedCtx.Done():
			gate.stop()
			wg.Wait()
			return
		case <-ticker.C:
			gate.set(TargetAt(p.StartVUs, p.Stages, time.Since(start)))
		}
	}
}

func (e *Executor) runArrivalRate(schedCtx, iterCtx context.Context) {
	p := e.spec.Profile
	maxVUs := p.PeakVUs()
	limit := rate.Limit(float64(p.Rate) / p.GetTimeUnit().Seconds())
	limiter := rate.NewLimiter(limit, 1)

	idle := make(chan *VU, maxVUs)
	for i := 0; i < p.PreAllocatedVUs; i++ {
		idle <- e.newVU(iterCtx)
	}
	allocated := p.PreAllocatedVUs

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if err := limiter.Wait(schedCtx); err != nil {
			return
		}

		var vu *VU
		select {
		case vu = <-idle:
		default:
			if allocated < maxVUs {
				allocated++
				vu = e.newVU(iterCtx)
			}
		}
		if vu == nil {
			e.dropped.Add(1)
			e.counter(metrics.DroppedIterations, 1)
			continue
		}

		wg.Add(1)
		go func(vu *VU) {
			defer wg.Done()
			e.iterate(iterCtx, vu)
			idle <- vu
		}(vu)
	}
}

func (e *Executor) runSharedIterations(schedCtx, iterCtx context.Context) {
	p := e.spec.Profile
	var claimed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < p.VUs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vu := e.newVU(iterCtx)
			for schedCtx.Err() == nil {
				if claimed.Add(1) > int64(p.Iterations) {
					return
				}
				e.iterate(iterCtx, vu)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) counter(name string, v float64) {
	if e.metrics != nil {
		e.metrics.Counter(name, v, e.tags)
	}
}

func (e *Executor) gauge(name string, v float64) {
	if e.metrics != nil {
		e.metrics.Gauge(name, v, e.tags)
	}
}

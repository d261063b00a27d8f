package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// Phase is the temporal phase of a spike run.
type Phase string

const (
	PhaseNormal    Phase = "normal"
	PhaseSpike1    Phase = "spike1"
	PhaseRecovery1 Phase = "recovery1"
	PhaseSpike2    Phase = "spike2"
	PhaseRecovery2 Phase = "recovery2"
)

var phaseOrder = []Phase{PhaseNormal, PhaseSpike1, PhaseRecovery1, PhaseSpike2, PhaseRecovery2}

// SpikeBoundaries are the phase boundaries of the default spike preset.
var SpikeBoundaries = []time.Duration{60 * time.Second, 150 * time.Second, 270 * time.Second, 360 * time.Second}

// IsSpike reports whether p is one of the spike phases.
func (p Phase) IsSpike() bool {
	return strings.HasPrefix(string(p), "spike")
}

// IsRecovery reports whether p is one of the recovery phases.
func (p Phase) IsRecovery() bool {
	return strings.HasPrefix(string(p), "recovery")
}

// ClassifyPhase maps the time elapsed since the run started to its phase.
// A boundary belongs to the phase it closes: with boundaries
// 60s/150s/270s/360s, 60s is still normal and 60.001s is spike1.
func ClassifyPhase(elapsed time.Duration, boundaries []time.Duration) Phase {
	for i, b := range boundaries {
		if i+1 >= len(phaseOrder) {
			break
		}
		if elapsed <= b {
			return phaseOrder[i]
		}
	}
	n := len(boundaries)
	if n >= len(phaseOrder) {
		n = len(phaseOrder) - 1
	}
	return phaseOrder[n]
}

// phaseStart returns when a phase begins relative to the run start.
func phaseStart(p Phase, boundaries []time.Duration) (time.Duration, bool) {
	for i, q := range phaseOrder {
		if q != p {
			continue
		}
		if i == 0 {
			return 0, true
		}
		if i-1 < len(boundaries) {
			return boundaries[i-1], true
		}
	}
	return 0, false
}

// recoveryTracker records the recovery time of each recovery phase once:
// the delay from the phase start to the first successful call within it.
type recoveryTracker struct {
	mu       sync.Mutex
	recorded map[Phase]bool
}

func newRecoveryTracker() *recoveryTracker {
	return &recoveryTracker{recorded: make(map[Phase]bool)}
}

// observe returns the recovery time and true the first time a success is
// seen in a recovery phase.
func (t *recoveryTracker) observe(p Phase, elapsed time.Duration, boundaries []time.Duration) (time.Duration, bool) {
	if !p.IsRecovery() {
		return 0, false
	}
	start, ok := phaseStart(p, boundaries)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recorded[p] {
		return 0, false
	}
	t.recorded[p] = true
	return elapsed - start, true
}

var spikeKeywords = []string{"java", "spring", "kubernetes"}

// Spike drives two abrupt spikes and tracks how the backend recovers. Each
// iteration classifies its own phase from the elapsed wall-clock time.
func Spike(env *Env) *stresstest.Scenario {
	boundaries := make([]time.Duration, len(SpikeBoundaries))
	for i, b := range SpikeBoundaries {
		boundaries[i] = env.scaled(b)
	}
	tracker := newRecoveryTracker()
	calls := []func(context.Context, *user, *stresstest.VU) bool{
		spikeHealth, spikeQuestions, spikeProfile, spikeSearch,
	}

	return &stresstest.Scenario{
		Name: "spike",
		Executors: []stresstest.ExecutorSpec{{
			Name:    DefaultExecutor,
			Profile: env.preset("spike"),
			Exec: func(ctx context.Context, vu *stresstest.VU) error {
				u, err := userOf(vu)
				if err != nil {
					return err
				}
				start := time.Now()
				if rs, ok := vu.SetupData.(*runStart); ok && rs != nil {
					start = rs.Start
				}

				phase := ClassifyPhase(time.Since(start), boundaries)
				phaseTags := map[string]string{"scenario": vu.Executor, "phase": string(phase)}
				if phase.IsSpike() {
					env.Metrics.Counter(RequestsDuringSpike, 1, phaseTags)
				}

				ok := calls[vu.Rand.Intn(len(calls))](ctx, u, vu)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if phase.IsSpike() && !ok {
					env.Metrics.Counter(ErrorsDuringSpike, 1, phaseTags)
				}
				if ok {
					if d, first := tracker.observe(phase, time.Since(start), boundaries); first {
						env.Metrics.TrendDuration(SpikeRecoveryTime, d, phaseTags)
						u.logger.Info("recovered after spike",
							zap.String("phase", string(phase)),
							zap.Duration("recovery_time", d))
					}
				}

				if phase.IsSpike() {
					return pause(ctx, stresstest.Between(vu.Rand, 100*time.Millisecond, 600*time.Millisecond))
				}
				return pause(ctx, stresstest.Between(vu.Rand, time.Second, 3*time.Second))
			},
		}},
		Thresholds: map[string][]string{
			"http_req_duration": {"p(95)<3000"},
			"http_req_failed":   {"rate<0.15"},
			"checks":            {"rate>0.75"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("spike"),
	}
}

func spikeCheck(u *user, name string, res *types.RequestResult, statuses ...int) bool {
	return u.outcome(u.check(name, statusIn(res, statuses...)))
}

func spikeHealth(ctx context.Context, u *user, _ *stresstest.VU) bool {
	res := u.public(ctx, u.env.Config.Services.Gateway+"/actuator/health", "health-check", 5*time.Second)
	return spikeCheck(u, "health check ok", res, http.StatusOK)
}

// A 503 from a shedding backend counts as handled during spikes.
func spikeQuestions(ctx context.Context, u *user, _ *stresstest.VU) bool {
	res := u.do(ctx, call{
		url:     u.env.Config.Services.Question + "/api/v1/questions?page=0&size=10",
		name:    "get-questions",
		timeout: 10 * time.Second,
	})
	return spikeCheck(u, "questions ok", res, http.StatusOK, http.StatusNoContent, http.StatusServiceUnavailable)
}

func spikeProfile(ctx context.Context, u *user, _ *stresstest.VU) bool {
	res := u.do(ctx, call{
		url:     u.env.Config.Services.User + "/api/v1/users/me",
		name:    "get-profile",
		timeout: 5 * time.Second,
	})
	return spikeCheck(u, "profile ok", res, http.StatusOK, http.StatusServiceUnavailable)
}

func spikeSearch(ctx context.Context, u *user, vu *stresstest.VU) bool {
	keyword := spikeKeywords[vu.Rand.Intn(len(spikeKeywords))]
	res := u.do(ctx, call{
		url:     fmt.Sprintf("%s/api/v1/questions/search?keyword=%s", u.env.Config.Services.Question, keyword),
		name:    "search-questions",
		timeout: 15 * time.Second,
	})
	return spikeCheck(u, "search ok", res, http.StatusOK, http.StatusNoContent, http.StatusServiceUnavailable)
}

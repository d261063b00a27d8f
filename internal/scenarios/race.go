package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// Race scenario parameters.
const (
	RaceExecutor    = "concurrent_record"
	RaceVUs         = 50
	RaceIterations  = 200
	RaceMaxDuration = 2 * time.Minute
	// RaceSettleDelay lets asynchronous commits land before the final read.
	RaceSettleDelay = 2 * time.Second
)

// Race verification gauges.
const (
	RaceBaseline    = "race_baseline"
	RaceExpected    = "race_expected"
	RaceActual      = "race_actual"
	RaceLostUpdates = "race_lost_updates"
	RaceAccuracy    = "race_accuracy"
	// RaceIterationShortfall counts against every completed iteration
	// rather than only the acknowledged writes.
	RaceIterationShortfall = "race_iteration_shortfall"
)

var raceCategories = []string{"Java", "Spring", "Database", "Algorithm", "System Design"}

// RaceResult compares the counter after a concurrent-write run with the
// value a correctly synchronized backend must reach.
type RaceResult struct {
	Baseline   float64
	Iterations int64
	Writes     int64
	Expected   float64
	Actual     float64
	// Shortfall is Expected - Actual: the number of lost updates.
	Shortfall float64
	// IterationShortfall is Baseline + Iterations - Actual. It also counts
	// writes the backend rejected.
	IterationShortfall float64
	// Accuracy is the share of successful writes reflected in the counter,
	// in percent.
	Accuracy float64
}

// Consistent reports whether no update was lost.
func (r RaceResult) Consistent() bool {
	return r.Shortfall == 0
}

// ComputeRaceResult derives the verdict of a race run: every successful
// write must have incremented the counter exactly once.
func ComputeRaceResult(baseline float64, iterations, successfulWrites int64, actual float64) RaceResult {
	r := RaceResult{
		Baseline:   baseline,
		Iterations: iterations,
		Writes:     successfulWrites,
		Expected:   baseline + float64(successfulWrites),
		Actual:     actual,
	}
	r.Shortfall = r.Expected - r.Actual
	r.IterationShortfall = baseline + float64(iterations) - actual
	switch {
	case successfulWrites > 0:
		r.Accuracy = (actual - baseline) / float64(successfulWrites) * 100
	case r.Shortfall == 0:
		r.Accuracy = 100
	}
	return r
}

type raceSetup struct {
	Baseline    float64
	HasBaseline bool
}

// Race fires a fixed number of statistics writes from many VUs at once
// against the same user and checks the aggregate for lost updates.
func Race(env *Env) *stresstest.Scenario {
	var attempts, writes atomic.Int64
	statsURL := env.Config.Services.Feedback + "/api/v1/statistics"

	readTotal := func(ctx context.Context, u *user, name string) (float64, bool) {
		res := u.get(ctx, statsURL, name)
		if !res.Is(http.StatusOK) {
			return 0, false
		}
		total, ok := chain.ExtractFloat(res.Body, "totalQuestions")
		if !ok {
			// A user without statistics yet starts from zero.
			return 0, chain.Exists(res.Body, "@")
		}
		return total, true
	}

	setupUser := func(ctx context.Context) (*user, error) {
		mgr, err := env.verifyLogin(ctx)
		return &user{env: env, session: mgr, tags: map[string]string{"scenario": "setup"}, logger: env.Logger}, err
	}

	return &stresstest.Scenario{
		Name: "race",
		Executors: []stresstest.ExecutorSpec{{
			Name: RaceExecutor,
			Profile: stresstest.Profile{
				Kind:        stresstest.SharedIterations,
				VUs:         RaceVUs,
				Iterations:  RaceIterations,
				MaxDuration: RaceMaxDuration,
			},
			Exec: func(ctx context.Context, vu *stresstest.VU) error {
				u, err := userOf(vu)
				if err != nil {
					return err
				}
				category := raceCategories[vu.Rand.Intn(len(raceCategories))]
				score := vu.Rand.Intn(100)
				var weakPoint any
				if score < 60 {
					weakPoint = category + " fundamentals"
				}

				res := u.do(ctx, call{
					method: http.MethodPost,
					url:    statsURL + "/record",
					name:   "record-answer",
					body: map[string]any{
						"skillCategory": category,
						"isCorrect":     score >= 60,
						"score":         score,
						"weakPoint":     weakPoint,
					},
				})
				if ctx.Err() != nil {
					return ctx.Err()
				}
				u.trend(RecordAnswerDuration, res.Duration)

				attempts.Add(1)
				stored := res.OK()
				if stored {
					writes.Add(1)
				}
				ok := all(
					u.check("record status 2xx", stored),
					u.check("record response time < 1000ms", fastUnder(res, time.Second)))
				if ok {
					u.count(SuccessfulRecords, 1)
				} else {
					u.count(FailedRecords, 1)
				}
				u.outcome(ok)
				return nil
			},
		}},
		Thresholds: map[string][]string{
			Errors:               {"rate<0.01"},
			RecordAnswerDuration: {"p(95)<1000"},
		},
		InitVU: env.initUser,
		Setup: func(ctx context.Context) (any, error) {
			u, err := setupUser(ctx)
			if err != nil {
				return &raceSetup{}, err
			}
			baseline, ok := readTotal(ctx, u, "get-baseline-stats")
			if !ok {
				return &raceSetup{}, fmt.Errorf("could not read baseline statistics")
			}
			env.Logger.Info("race baseline recorded",
				zap.Float64("baseline_total_questions", baseline),
				zap.Float64("expected_if_all_succeed", baseline+RaceIterations))
			return &raceSetup{Baseline: baseline, HasBaseline: true}, nil
		},
		Teardown: func(ctx context.Context, data any) error {
			setup, _ := data.(*raceSetup)
			if setup == nil || !setup.HasBaseline {
				env.Logger.Warn("race verification skipped: no baseline")
				return nil
			}
			if err := pause(ctx, RaceSettleDelay); err != nil {
				return err
			}

			u, err := setupUser(ctx)
			if err != nil {
				return err
			}
			actual, ok := readTotal(ctx, u, "get-final-stats")
			if !ok {
				return fmt.Errorf("could not read final statistics")
			}

			result := ComputeRaceResult(setup.Baseline, attempts.Load(), writes.Load(), actual)
			env.Metrics.Gauge(RaceBaseline, result.Baseline, nil)
			env.Metrics.Gauge(RaceExpected, result.Expected, nil)
			env.Metrics.Gauge(RaceActual, result.Actual, nil)
			env.Metrics.Gauge(RaceLostUpdates, result.Shortfall, nil)
			env.Metrics.Gauge(RaceAccuracy, result.Accuracy, nil)
			env.Metrics.Gauge(RaceIterationShortfall, result.IterationShortfall, nil)

			fields := []zap.Field{
				zap.Float64("baseline", result.Baseline),
				zap.Int64("iterations", result.Iterations),
				zap.Int64("successful_writes", result.Writes),
				zap.Float64("expected", result.Expected),
				zap.Float64("actual", result.Actual),
				zap.Float64("lost_updates", result.Shortfall),
				zap.Float64("iteration_shortfall", result.IterationShortfall),
				zap.Float64("accuracy_pct", result.Accuracy),
			}
			if result.Consistent() {
				env.Logger.Info("race verification passed", fields...)
			} else {
				env.Logger.Warn("race verification found lost updates", fields...)
			}
			return nil
		},
	}
}

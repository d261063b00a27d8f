package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/studiowebux/perfharness/internal/monitor"
	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// Soak executor names.
const (
	SteadyLoadExecutor    = "steady_load"
	MemoryMonitorExecutor = "memory_monitor"
)

var soakKeywords = []string{"Java", "Spring", "React", "SQL", "Docker"}

// SoakWeights split steady-load iterations between interview list,
// statistics, JD list, interview search and statistics writes.
var SoakWeights = []float64{0.3, 0.2, 0.2, 0.15, 0.15}

// Soak holds a steady load for hours while a separate single-VU executor
// polls the services' heap and GC pause on a fixed cadence, independent of
// the request rate.
func Soak(env *Env) *stresstest.Scenario {
	steady := env.preset("soak")
	monitorOpts := env.Config.Monitor
	monitorOpts.Interval = max(env.scaled(monitorOpts.Interval), time.Second)
	poller := monitor.NewPoller(env.Client,
		monitor.TargetsFor(env.Config.Services, monitorOpts.Services),
		monitorOpts, env.Metrics, env.Logger.Named("monitor"))

	calls := []func(context.Context, *user, *stresstest.VU) *types.RequestResult{
		soakListInterviews, soakStatistics, soakListJD, soakSearch, soakRecordStats,
	}

	return &stresstest.Scenario{
		Name: "soak",
		Executors: []stresstest.ExecutorSpec{
			{
				Name:    SteadyLoadExecutor,
				Profile: steady,
				Exec: func(ctx context.Context, vu *stresstest.VU) error {
					u, err := userOf(vu)
					if err != nil {
						return err
					}
					res := calls[stresstest.Pick(vu.Rand, SoakWeights)](ctx, u, vu)
					u.trend(APIDuration, res.Duration)
					u.count(TotalRequests, 1)
					return pause(ctx, stresstest.Between(vu.Rand, time.Second, 4*time.Second))
				},
			},
			{
				Name: MemoryMonitorExecutor,
				Profile: stresstest.Profile{
					Kind:         stresstest.ConstantVUs,
					VUs:          1,
					Duration:     steady.TotalDuration(),
					GracefulStop: 5 * time.Second,
				},
				Exec: func(ctx context.Context, vu *stresstest.VU) error {
					poller.Poll(ctx)
					return pause(ctx, poller.Interval())
				},
				// The monitor polls unauthenticated and needs no session.
				InitVU: func(context.Context, *stresstest.VU) (any, error) { return nil, nil },
			},
		},
		Thresholds: map[string][]string{
			APIDuration: {"p(95)<1000", "p(99)<2000"},
			Errors:      {"rate<0.05"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("soak"),
	}
}

func soakListInterviews(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.get(ctx, u.env.Config.Services.Interview+"/api/v1/interviews", "list-interviews")
	u.outcome(u.check("list ok", res.Is(http.StatusOK)))
	return res
}

func soakStatistics(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.get(ctx, u.env.Config.Services.Feedback+"/api/v1/statistics", "get-statistics")
	u.outcome(u.check("stats ok", res.Is(http.StatusOK)))
	return res
}

func soakListJD(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.get(ctx, u.env.Config.Services.Question+"/api/v1/jd", "list-jd")
	u.outcome(u.check("jd ok", res.Is(http.StatusOK)))
	return res
}

func soakSearch(ctx context.Context, u *user, vu *stresstest.VU) *types.RequestResult {
	keyword := soakKeywords[vu.Rand.Intn(len(soakKeywords))]
	res := u.get(ctx, fmt.Sprintf("%s/api/v1/interviews/search?keyword=%s", u.env.Config.Services.Interview, keyword), "search")
	u.outcome(u.check("search ok", res.Is(http.StatusOK)))
	return res
}

func soakRecordStats(ctx context.Context, u *user, vu *stresstest.VU) *types.RequestResult {
	res := u.do(ctx, call{
		method: http.MethodPost,
		url:    u.env.Config.Services.Feedback + "/api/v1/statistics/record",
		name:   "record-stats",
		body: map[string]any{
			"skillCategory": "Java",
			"isCorrect":     vu.Rand.Float64() > 0.3,
			"score":         vu.Rand.Intn(100),
		},
	})
	u.outcome(u.check("record ok", res.Is(http.StatusOK)))
	return res
}

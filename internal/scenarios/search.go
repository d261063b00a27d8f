package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// Search executor names.
const (
	SearchLoadExecutor = "search_load"
	ListLoadExecutor   = "list_load"
)

var searchKeywords = []string{
	"Spring", "Java", "REST API", "Database", "알고리즘",
	"React", "Docker", "Kubernetes", "마이크로서비스", "SQL",
}

// Search measures interview search alongside interview list and statistics
// reads, each on its own ramping executor.
func Search(env *Env) *stresstest.Scenario {
	svc := env.Config.Services

	return &stresstest.Scenario{
		Name: "search",
		Executors: []stresstest.ExecutorSpec{
			{
				Name: SearchLoadExecutor,
				Profile: stresstest.Profile{
					Kind: stresstest.RampingVUs,
					Stages: []stresstest.Stage{
						{Duration: time.Minute, Target: 20},
						{Duration: 3 * time.Minute, Target: 50},
						{Duration: 3 * time.Minute, Target: 100},
						{Duration: time.Minute, Target: 0},
					},
				},
				Exec: func(ctx context.Context, vu *stresstest.VU) error {
					u, err := userOf(vu)
					if err != nil {
						return err
					}
					keyword := searchKeywords[vu.Rand.Intn(len(searchKeywords))]
					res := u.get(ctx, fmt.Sprintf("%s/api/v1/interviews/search?keyword=%s", svc.Interview, url.QueryEscape(keyword)), "search-interviews")
					u.trend(SearchDuration, res.Duration)
					u.outcome(all(
						u.check("search status 200", res.Is(http.StatusOK)),
						u.check("search response time < 500ms", fastUnder(res, 500*time.Millisecond)),
						u.check("search has results array", chain.Exists(res.Body, "interviews"))))
					return pause(ctx, stresstest.Between(vu.Rand, 500*time.Millisecond, 2500*time.Millisecond))
				},
			},
			{
				Name: ListLoadExecutor,
				Profile: stresstest.Profile{
					Kind: stresstest.RampingVUs,
					Stages: []stresstest.Stage{
						{Duration: time.Minute, Target: 30},
						{Duration: 5 * time.Minute, Target: 100},
						{Duration: 2 * time.Minute, Target: 0},
					},
				},
				Exec: func(ctx context.Context, vu *stresstest.VU) error {
					u, err := userOf(vu)
					if err != nil {
						return err
					}
					list := u.get(ctx, svc.Interview+"/api/v1/interviews", "list-interviews")
					u.trend(ListDuration, list.Duration)
					u.outcome(all(
						u.check("list status 200", list.Is(http.StatusOK)),
						u.check("list response time < 500ms", fastUnder(list, 500*time.Millisecond))))
					if err := pause(ctx, time.Second); err != nil {
						return err
					}

					stats := u.get(ctx, svc.Feedback+"/api/v1/statistics", "get-statistics")
					u.trend(StatsDuration, stats.Duration)
					u.outcome(all(
						u.check("stats status 200", stats.Is(http.StatusOK)),
						u.check("stats response time < 300ms", fastUnder(stats, 300*time.Millisecond))))
					return pause(ctx, stresstest.Between(vu.Rand, time.Second, 3*time.Second))
				},
			},
		},
		Thresholds: map[string][]string{
			SearchDuration: {"p(95)<500", "p(99)<1000"},
			ListDuration:   {"p(95)<500", "p(99)<1000"},
			StatsDuration:  {"p(95)<300", "p(99)<500"},
			Errors:         {"rate<0.01"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("search"),
	}
}

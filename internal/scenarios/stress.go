package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// StressWeights split iterations between health, question list, search,
// profile and RAG search, in percent.
var StressWeights = []float64{30, 25, 20, 15, 10}

var stressKeywords = []string{"java", "spring", "kubernetes", "react", "python", "aws", "docker"}

// Stress ramps to 500 VUs to find the breaking point. Its thresholds are
// deliberately looser than load's.
func Stress(env *Env) *stresstest.Scenario {
	total := 0.0
	for _, w := range StressWeights {
		total += w
	}
	weights := make([]float64, len(StressWeights))
	for i, w := range StressWeights {
		weights[i] = w / total
	}
	endpoints := []func(context.Context, *user, *stresstest.VU) *types.RequestResult{
		stressHealth, stressQuestions, stressSearch, stressProfile, stressRAG,
	}

	return &stresstest.Scenario{
		Name: "stress",
		Executors: []stresstest.ExecutorSpec{{
			Name:    DefaultExecutor,
			Profile: env.preset("stress"),
			Exec: func(ctx context.Context, vu *stresstest.VU) error {
				u, err := userOf(vu)
				if err != nil {
					return err
				}
				res := endpoints[stresstest.Pick(vu.Rand, weights)](ctx, u, vu)
				u.trend(ResponseTimeTrend, res.Duration)
				return pause(ctx, stresstest.Between(vu.Rand, 0, 2*time.Second))
			},
		}},
		Thresholds: map[string][]string{
			"http_req_duration": {"p(95)<2000", "p(99)<5000"},
			"http_req_failed":   {"rate<0.1"},
			"checks":            {"rate>0.8"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("stress"),
	}
}

func stressHealth(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.public(ctx, u.env.Config.Services.Gateway+"/actuator/health", "health-check", 10*time.Second)
	u.outcome(u.check("health check ok", res.Is(http.StatusOK)))
	return res
}

func stressQuestions(ctx context.Context, u *user, vu *stresstest.VU) *types.RequestResult {
	res := u.do(ctx, call{
		url:     fmt.Sprintf("%s/api/v1/questions?page=%d&size=50", u.env.Config.Services.Question, vu.Rand.Intn(10)),
		name:    "get-questions",
		timeout: 30 * time.Second,
	})
	u.outcome(u.check("questions ok", statusIn(res, http.StatusOK, http.StatusNoContent)))
	return res
}

func stressSearch(ctx context.Context, u *user, vu *stresstest.VU) *types.RequestResult {
	keyword := stressKeywords[vu.Rand.Intn(len(stressKeywords))]
	res := u.do(ctx, call{
		url:     fmt.Sprintf("%s/api/v1/questions/search?keyword=%s&page=0&size=20", u.env.Config.Services.Question, keyword),
		name:    "search-questions",
		timeout: 30 * time.Second,
	})
	u.outcome(u.check("search ok", statusIn(res, http.StatusOK, http.StatusNoContent)))
	return res
}

func stressProfile(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.do(ctx, call{
		url:     u.env.Config.Services.User + "/api/v1/users/me",
		name:    "get-profile",
		timeout: 10 * time.Second,
	})
	u.outcome(u.check("profile ok", res.Is(http.StatusOK)))
	return res
}

func stressRAG(ctx context.Context, u *user, _ *stresstest.VU) *types.RequestResult {
	res := u.do(ctx, call{
		url:     u.env.Config.Services.Question + "/api/v1/questions/similar?skills=java,spring,microservices&limit=10",
		name:    "rag-search",
		timeout: 60 * time.Second,
	})
	u.outcome(all(
		u.check("rag search ok", statusIn(res, http.StatusOK, http.StatusNoContent)),
		u.check("rag search response time", fastUnder(res, 5*time.Second))))
	return res
}

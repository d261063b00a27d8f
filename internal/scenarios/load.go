package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// LoadWeights split iterations between browsing, JD analysis and session
// creation.
var LoadWeights = []float64{0.7, 0.2, 0.1}

type jobDescription struct {
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
}

var loadJobDescriptions = []jobDescription{
	{
		Title:        "Backend Developer",
		Company:      "Tech Company",
		Description:  "Looking for a skilled backend developer with experience in Java, Spring Boot, and microservices architecture. Must have strong knowledge of RESTful APIs and database design.",
		Requirements: []string{"Java", "Spring Boot", "PostgreSQL", "Redis", "Docker"},
	},
	{
		Title:        "Full Stack Developer",
		Company:      "Startup Inc",
		Description:  "We need a versatile developer who can work on both frontend and backend. Experience with React and Node.js is required.",
		Requirements: []string{"React", "Node.js", "TypeScript", "MongoDB", "AWS"},
	},
	{
		Title:        "DevOps Engineer",
		Company:      "Cloud Corp",
		Description:  "Seeking a DevOps engineer to manage our cloud infrastructure and CI/CD pipelines.",
		Requirements: []string{"Kubernetes", "AWS", "Terraform", "Jenkins", "Python"},
	},
}

var questionCategories = []string{"backend", "frontend", "devops", "system-design"}

// Load simulates normal production traffic over a staged ramp to 100 VUs.
func Load(env *Env) *stresstest.Scenario {
	thresholds := env.Config.ThresholdPreset("default").Merge(map[string][]string{
		"http_req_duration{name:login}":         {"p(95)<300"},
		"http_req_duration{name:get-questions}": {"p(95)<500"},
		"http_req_duration{name:analyze-jd}":    {"p(95)<10000"},
		"checks":                                {"rate>0.95"},
	})
	flows := []func(context.Context, *user, *stresstest.VU) error{
		browseFlow, jdAnalysisFlow, interviewSessionFlow,
	}

	return &stresstest.Scenario{
		Name: "load",
		Executors: []stresstest.ExecutorSpec{{
			Name:    DefaultExecutor,
			Profile: env.preset("load"),
			Exec: func(ctx context.Context, vu *stresstest.VU) error {
				u, err := userOf(vu)
				if err != nil {
					return err
				}
				return flows[stresstest.Pick(vu.Rand, LoadWeights)](ctx, u, vu)
			},
		}},
		Thresholds: thresholds,
		InitVU:     env.initUser,
		Setup:      env.recordStart,
		Teardown:   env.logCompleted("load"),
	}
}

func browseFlow(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services

	profile := u.get(ctx, svc.User+"/api/v1/users/me", "get-profile")
	u.outcome(u.check("profile status 200", profile.Is(http.StatusOK)))
	if err := pause(ctx, time.Second); err != nil {
		return err
	}

	page := vu.Rand.Intn(5)
	questions := u.get(ctx, fmt.Sprintf("%s/api/v1/questions?page=%d&size=20", svc.Question, page), "get-questions")
	u.outcome(u.check("questions status 200", statusIn(questions, http.StatusOK, http.StatusNoContent)))
	if err := pause(ctx, 2*time.Second); err != nil {
		return err
	}

	category := questionCategories[vu.Rand.Intn(len(questionCategories))]
	search := u.get(ctx, fmt.Sprintf("%s/api/v1/questions/search?category=%s&page=0&size=10", svc.Question, category), "search-questions")
	u.trend(QuestionSearchTime, search.Duration)
	u.outcome(all(
		u.check("search status 200", statusIn(search, http.StatusOK, http.StatusNoContent)),
		u.check("search response time < 1s", fastUnder(search, time.Second))))
	return pause(ctx, time.Second)
}

func jdAnalysisFlow(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services
	jd := loadJobDescriptions[vu.Rand.Intn(len(loadJobDescriptions))]

	analyze := u.do(ctx, call{
		method:  http.MethodPost,
		url:     svc.Question + "/api/v1/jd/analyze",
		name:    "analyze-jd",
		body:    jd,
		timeout: 60 * time.Second,
	})
	u.trend(JDAnalysisTime, analyze.Duration)
	u.outcome(all(
		u.check("JD analysis status 200", analyze.Is(http.StatusOK)),
		u.check("JD analysis has questions", hasItems(analyze, "questions"))))
	if err := pause(ctx, 3*time.Second); err != nil {
		return err
	}

	if analyze.Is(http.StatusOK) {
		skills := strings.Join(jd.Requirements[:3], ",")
		rag := u.do(ctx, call{
			url:   fmt.Sprintf("%s/api/v1/questions/similar?skills=%s&limit=5", svc.Question, url.QueryEscape(skills)),
			name:  "rag-search",
			class: types.TimeoutLLM,
		})
		u.outcome(u.check("RAG search status 200", statusIn(rag, http.StatusOK, http.StatusNoContent)))
	}
	return pause(ctx, 2*time.Second)
}

func interviewSessionFlow(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services

	created := u.do(ctx, call{
		method: http.MethodPost,
		url:    svc.Interview + "/api/v1/sessions",
		name:   "create-session",
		body: map[string]any{
			"title":    "Load Test Session " + uuid.NewString(),
			"type":     "TECHNICAL",
			"duration": 30,
		},
	})
	ok := statusIn(created, http.StatusOK, http.StatusCreated)
	u.outcome(u.check("session created", ok))
	sessionID := ""
	if ok {
		sessionID, _ = chain.ExtractString(created.Body, "id")
	}
	if err := pause(ctx, 2*time.Second); err != nil {
		return err
	}

	if sessionID != "" {
		added := u.do(ctx, call{
			method: http.MethodPost,
			url:    fmt.Sprintf("%s/api/v1/sessions/%s/questions", svc.Interview, sessionID),
			name:   "add-question-to-session",
			body:   map[string]int{"questionId": vu.Rand.Intn(100) + 1},
		})
		u.check("question added", statusIn(added, http.StatusOK, http.StatusCreated))
		if err := pause(ctx, time.Second); err != nil {
			return err
		}

		got := u.get(ctx, fmt.Sprintf("%s/api/v1/sessions/%s", svc.Interview, sessionID), "get-session")
		u.check("session retrieved", got.Is(http.StatusOK))
	}
	return pause(ctx, 2*time.Second)
}

// hasItems reports whether the JSON body holds a non-empty array at expr.
func hasItems(r *types.RequestResult, expr string) bool {
	n, ok := chain.ExtractFloat(r.Body, "length("+expr+")")
	return ok && n > 0
}

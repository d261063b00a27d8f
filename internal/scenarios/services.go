package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/session"
	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// Service suite metrics.
const (
	RegistrationTime        = "registration_time"
	RegistrationSuccess     = "registration_success"
	DuplicateEmailErrors    = "duplicate_email_errors"
	LoginTime               = "login_time"
	LoginSuccess            = "login_success"
	TokenRefreshTime        = "token_refresh_time"
	ProfileLoadTime         = "profile_load_time"
	JDAnalysisDuration      = "jd_analysis_duration"
	RAGSearchDuration       = "rag_search_duration"
	QuestionFetchDuration   = "question_fetch_duration"
	CacheHitRate            = "cache_hit_rate"
	LLMTokensUsed           = "llm_tokens_used"
	QuestionsGenerated      = "questions_generated"
	FeedbackGenerationTime  = "feedback_generation_time"
	StreamingDuration       = "streaming_duration"
	FeedbackFetchTime       = "feedback_fetch_time"
	StatisticsTime          = "statistics_time"
	StreamConnectionSuccess = "stream_connection_success"
	TotalEventsReceived     = "total_events_received"
	StreamConnectionDrops   = "stream_connection_drops"
)

// StreamStabilityWindow is how long one stream_stability iteration keeps
// reconnecting.
const StreamStabilityWindow = time.Minute

// testPassword is the password of every account the suites create.
const testPassword = "Test1234!"

// preCreatedUsers is how many accounts the user-service setup registers.
const preCreatedUsers = 10

// behavior names the sub-behavior an iteration runs: SCENARIO_NAME when
// set, the executor name otherwise.
func (e *Env) behavior(vu *stresstest.VU) string {
	if e.Config.ScenarioName != "" {
		return e.Config.ScenarioName
	}
	return vu.Executor
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s_%s@test.com", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ---------------------------------------------------------------------------
// user service

// UserService exercises registration, login with token refresh, and
// profile reads/updates, one executor each.
func UserService(env *Env) *stresstest.Scenario {
	return &stresstest.Scenario{
		Name: "user-service",
		Executors: []stresstest.ExecutorSpec{
			{
				Name: "registration",
				Profile: stresstest.Profile{
					Kind:            stresstest.ConstantArrivalRate,
					Rate:            5,
					TimeUnit:        time.Second,
					Duration:        5 * time.Minute,
					PreAllocatedVUs: 10,
					MaxVUs:          50,
				},
				Exec: env.userServiceIteration,
			},
			{
				Name: "login",
				Profile: stresstest.Profile{
					Kind: stresstest.RampingVUs,
					Stages: []stresstest.Stage{
						{Duration: 2 * time.Minute, Target: 30},
						{Duration: 3 * time.Minute, Target: 30},
						{Duration: 2 * time.Minute, Target: 50},
						{Duration: 3 * time.Minute, Target: 50},
						{Duration: 2 * time.Minute, Target: 0},
					},
				},
				Exec: env.userServiceIteration,
			},
			{
				Name:    "profile",
				Profile: stresstest.Profile{Kind: stresstest.ConstantVUs, VUs: 20, Duration: 10 * time.Minute},
				Exec:    env.userServiceIteration,
			},
		},
		Thresholds: map[string][]string{
			"http_req_duration{scenario:registration}": {"p(95)<500"},
			"http_req_duration{scenario:login}":        {"p(95)<200"},
			"http_req_duration{scenario:profile}":      {"p(95)<100"},
			"http_req_failed{scenario:registration}":   {"rate<0.05"},
			"http_req_failed{scenario:login}":          {"rate<0.01"},
			"http_req_failed{scenario:profile}":        {"rate<0.01"},
		},
		InitVU: env.initUser,
		Setup: func(ctx context.Context) (any, error) {
			mgr := env.newSession(map[string]string{"scenario": "setup"}, env.Logger)
			var users []config.Credentials
			for i := 0; i < preCreatedUsers; i++ {
				creds := config.Credentials{Email: uniqueEmail("loadtest"), Password: testPassword}
				res := mgr.Register(ctx, session.RegisterRequest{
					Email:    creds.Email,
					Password: creds.Password,
					Name:     fmt.Sprintf("Test User %d", i),
				})
				if statusIn(res, http.StatusOK, http.StatusCreated) {
					users = append(users, creds)
				}
			}
			env.Logger.Info("pre-created users", zap.Int("count", len(users)))
			if len(users) == 0 {
				return users, fmt.Errorf("no user could be registered")
			}
			return users, nil
		},
		Teardown: func(ctx context.Context, data any) error {
			users, _ := data.([]config.Credentials)
			env.Logger.Info("user service suite completed", zap.Int("pre_created_users", len(users)))
			return nil
		},
	}
}

func (e *Env) userServiceIteration(ctx context.Context, vu *stresstest.VU) error {
	u, err := userOf(vu)
	if err != nil {
		return err
	}
	users := credentialsOf(vu.SetupData, e.Config.TestUser)

	switch e.behavior(vu) {
	case "registration":
		return registration(ctx, u, vu)
	case "login":
		return loginFlow(ctx, u, vu, users)
	case "profile":
		return profileFlow(ctx, u, vu)
	}
	if err := registration(ctx, u, vu); err != nil {
		return err
	}
	if err := loginFlow(ctx, u, vu, users); err != nil {
		return err
	}
	return profileFlow(ctx, u, vu)
}

func registration(ctx context.Context, u *user, vu *stresstest.VU) error {
	res := u.session.Register(ctx, session.RegisterRequest{
		Email:    uniqueEmail("user"),
		Password: testPassword,
		Name:     fmt.Sprintf("Test User %d", vu.Rand.Intn(1000)+1),
	})
	u.trend(RegistrationTime, res.Duration)

	ok := all(
		u.check("registration status 2xx", res.OK()),
		u.check("registration has user id", chain.Exists(res.Body, "id")))
	u.env.Metrics.Rate(RegistrationSuccess, ok, u.tags)
	if res.Is(http.StatusConflict) {
		u.count(DuplicateEmailErrors, 1)
	}
	return pause(ctx, stresstest.Between(vu.Rand, time.Second, 3*time.Second))
}

func loginFlow(ctx context.Context, u *user, vu *stresstest.VU, users []config.Credentials) error {
	creds := users[vu.Rand.Intn(len(users))]

	login := u.session.Login(ctx, creds)
	u.trend(LoginTime, login.Response.Duration)
	ok := all(
		login.Success,
		u.check("login has refresh token", chain.Exists(login.Response.Body, "refreshToken")))
	u.env.Metrics.Rate(LoginSuccess, ok, u.tags)

	if ok {
		if err := pause(ctx, time.Second); err != nil {
			return err
		}
		refreshed := u.session.RefreshToken(ctx)
		u.trend(TokenRefreshTime, refreshed.Response.Duration)
	}
	return pause(ctx, stresstest.Between(vu.Rand, 2*time.Second, 5*time.Second))
}

func profileFlow(ctx context.Context, u *user, vu *stresstest.VU) error {
	meURL := u.env.Config.Services.User + "/api/v1/users/me"

	profile := u.get(ctx, meURL, "get-profile")
	u.trend(ProfileLoadTime, profile.Duration)
	u.check("profile status 200", profile.Is(http.StatusOK))
	u.check("profile has email", chain.Exists(profile.Body, "email"))
	if err := pause(ctx, stresstest.Between(vu.Rand, time.Second, 3*time.Second)); err != nil {
		return err
	}

	if vu.Rand.Float64() < 0.1 {
		updated := u.do(ctx, call{
			method: http.MethodPatch,
			url:    meURL,
			name:   "update-profile",
			body:   map[string]string{"name": "Updated User " + uuid.NewString()[:8]},
		})
		u.check("profile update status 200", updated.Is(http.StatusOK))
	}
	return pause(ctx, stresstest.Between(vu.Rand, 2*time.Second, 5*time.Second))
}

// ---------------------------------------------------------------------------
// question service

// QuestionServiceWeights split iterations between JD analysis, RAG search
// and question CRUD when no sub-behavior is selected.
var QuestionServiceWeights = []float64{0.1, 0.2, 0.7}

var questionJobDescriptions = []jobDescription{
	{
		Title:   "Senior Backend Developer",
		Company: "Tech Corp",
		Description: "We are looking for a Senior Backend Developer to join our team. " +
			"You will be responsible for designing and implementing scalable microservices using Java and Spring Boot. " +
			"Experience with Kubernetes and cloud platforms (AWS/GCP) is required.",
		Requirements: []string{"Java", "Spring Boot", "PostgreSQL", "Redis", "Kubernetes", "AWS"},
	},
	{
		Title:   "ML Platform Engineer",
		Company: "AI Startup",
		Description: "Join our ML Platform team to build and maintain infrastructure for machine learning workloads. " +
			"You'll work on model serving, feature stores, and MLOps pipelines.",
		Requirements: []string{"Python", "TensorFlow", "Kubernetes", "Apache Spark", "MLflow"},
	},
	{
		Title:   "Full Stack Developer",
		Company: "E-commerce Inc",
		Description: "Looking for a Full Stack Developer to work on our e-commerce platform. " +
			"You'll build features across the entire stack using React, Node.js, and PostgreSQL.",
		Requirements: []string{"React", "Node.js", "TypeScript", "PostgreSQL", "Redis"},
	},
	{
		Title:   "DevOps/SRE Engineer",
		Company: "Cloud Services",
		Description: "We need a DevOps Engineer to improve our deployment pipelines and system reliability. " +
			"You'll manage our Kubernetes clusters and automate infrastructure using Terraform.",
		Requirements: []string{"Kubernetes", "Terraform", "Prometheus", "AWS", "Python", "Go"},
	},
}

var ragSkillSets = [][]string{
	{"Java", "Spring Boot", "microservices"},
	{"Python", "TensorFlow", "machine learning"},
	{"React", "TypeScript", "frontend"},
	{"Kubernetes", "Docker", "DevOps"},
	{"PostgreSQL", "Redis", "database"},
	{"AWS", "GCP", "cloud"},
}

var crudCategories = []string{"backend", "frontend", "devops", "system-design", "behavioral"}

// QuestionService exercises LLM-backed JD analysis, RAG similarity search
// and plain question reads, one executor each.
func QuestionService(env *Env) *stresstest.Scenario {
	return &stresstest.Scenario{
		Name: "question-service",
		Executors: []stresstest.ExecutorSpec{
			{
				Name: "jd_analysis",
				Profile: stresstest.Profile{
					Kind:            stresstest.ConstantArrivalRate,
					Rate:            2,
					TimeUnit:        time.Second,
					Duration:        10 * time.Minute,
					PreAllocatedVUs: 20,
					MaxVUs:          100,
				},
				Exec: env.questionServiceIteration,
			},
			{
				Name: "rag_search",
				Profile: stresstest.Profile{
					Kind:     stresstest.RampingVUs,
					StartVUs: 5,
					Stages: []stresstest.Stage{
						{Duration: 2 * time.Minute, Target: 20},
						{Duration: 5 * time.Minute, Target: 30},
						{Duration: 3 * time.Minute, Target: 0},
					},
				},
				Exec: env.questionServiceIteration,
			},
			{
				Name:    "questions_crud",
				Profile: stresstest.Profile{Kind: stresstest.ConstantVUs, VUs: 30, Duration: 10 * time.Minute},
				Exec:    env.questionServiceIteration,
			},
		},
		Thresholds: map[string][]string{
			"http_req_duration{scenario:jd_analysis}":    {"p(95)<30000", "p(99)<60000"},
			"http_req_failed{scenario:jd_analysis}":      {"rate<0.1"},
			"http_req_duration{scenario:rag_search}":     {"p(95)<2000", "p(99)<5000"},
			"http_req_failed{scenario:rag_search}":       {"rate<0.05"},
			"http_req_duration{scenario:questions_crud}": {"p(95)<500"},
			"http_req_failed{scenario:questions_crud}":   {"rate<0.01"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("question-service"),
	}
}

func (e *Env) questionServiceIteration(ctx context.Context, vu *stresstest.VU) error {
	u, err := userOf(vu)
	if err != nil {
		return err
	}
	flows := []func(context.Context, *user, *stresstest.VU) error{jdAnalysis, ragSearch, questionsCRUD}

	switch e.behavior(vu) {
	case "jd_analysis":
		return jdAnalysis(ctx, u, vu)
	case "rag_search":
		return ragSearch(ctx, u, vu)
	case "questions_crud":
		return questionsCRUD(ctx, u, vu)
	}
	return flows[stresstest.Pick(vu.Rand, QuestionServiceWeights)](ctx, u, vu)
}

func jdAnalysis(ctx context.Context, u *user, vu *stresstest.VU) error {
	jd := questionJobDescriptions[vu.Rand.Intn(len(questionJobDescriptions))]

	res := u.do(ctx, call{
		method: http.MethodPost,
		url:    u.env.Config.Services.Question + "/api/v1/jd/analyze",
		name:   "jd-analyze",
		body:   jd,
		class:  types.TimeoutLLM,
	})
	u.trend(JDAnalysisDuration, res.Duration)

	generated, _ := chain.ExtractFloat(res.Body, "length(questions)")
	u.check("JD analysis status 200", res.Is(http.StatusOK))
	if u.check("JD analysis has questions", generated > 0) {
		u.count(QuestionsGenerated, generated)
	}
	u.check("JD analysis response time < 60s", fastUnder(res, time.Minute))
	if res.Is(http.StatusOK) {
		if tokens, ok := chain.ExtractFloat(res.Body, "tokensUsed"); ok && tokens > 0 {
			u.count(LLMTokensUsed, tokens)
		}
	}
	return pause(ctx, stresstest.Between(vu.Rand, 5*time.Second, 10*time.Second))
}

func ragSearch(ctx context.Context, u *user, vu *stresstest.VU) error {
	skills := ragSkillSets[vu.Rand.Intn(len(ragSkillSets))]

	res := u.do(ctx, call{
		url: fmt.Sprintf("%s/api/v1/questions/similar?skills=%s&limit=10",
			u.env.Config.Services.Question, url.QueryEscape(strings.Join(skills, ","))),
		name:    "rag-search",
		timeout: 30 * time.Second,
	})
	u.trend(RAGSearchDuration, res.Duration)
	u.env.Metrics.Rate(CacheHitRate, cacheHit(res, 100*time.Millisecond), u.tags)

	u.check("RAG search status 200", statusIn(res, http.StatusOK, http.StatusNoContent))
	u.check("RAG search has results", res.Is(http.StatusNoContent) || isList(res))
	u.check("RAG search response time < 5s", fastUnder(res, 5*time.Second))
	return pause(ctx, stresstest.Between(vu.Rand, time.Second, 3*time.Second))
}

func questionsCRUD(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services

	list := u.get(ctx, fmt.Sprintf("%s/api/v1/questions?page=%d&size=20", svc.Question, vu.Rand.Intn(11)), "list-questions")
	u.trend(QuestionFetchDuration, list.Duration)
	u.env.Metrics.Rate(CacheHitRate, cacheHit(list, 50*time.Millisecond), u.tags)
	u.check("list questions status 200", statusIn(list, http.StatusOK, http.StatusNoContent))
	if err := pause(ctx, stresstest.Between(vu.Rand, time.Second, 2*time.Second)); err != nil {
		return err
	}

	category := crudCategories[vu.Rand.Intn(len(crudCategories))]
	search := u.get(ctx, fmt.Sprintf("%s/api/v1/questions/search?category=%s&page=0&size=10", svc.Question, category), "search-by-category")
	u.check("search by category status 200", statusIn(search, http.StatusOK, http.StatusNoContent))
	u.check("search response time < 500ms", fastUnder(search, 500*time.Millisecond))
	if err := pause(ctx, stresstest.Between(vu.Rand, time.Second, 2*time.Second)); err != nil {
		return err
	}

	if vu.Rand.Float64() < 0.1 && list.Is(http.StatusOK) {
		if id := randomID(list, vu); id != "" {
			detail := u.get(ctx, fmt.Sprintf("%s/api/v1/questions/%s", svc.Question, id), "get-question-detail")
			u.check("get question detail status 200", detail.Is(http.StatusOK))
		}
	}
	return pause(ctx, stresstest.Between(vu.Rand, 2*time.Second, 4*time.Second))
}

// cacheHit treats an explicit X-Cache: HIT header or a response faster
// than fast as served from cache.
func cacheHit(r *types.RequestResult, fast time.Duration) bool {
	return r.Header("X-Cache") == "HIT" || fastUnder(r, fast)
}

// isList reports whether the body is a JSON array or a page with a content array.
func isList(r *types.RequestResult) bool {
	return chain.Exists(r.Body, "[0]") || chain.Exists(r.Body, "content") ||
		strings.HasPrefix(strings.TrimSpace(r.Body), "[")
}

// randomID picks the id of a random element of a list or page body.
func randomID(r *types.RequestResult, vu *stresstest.VU) string {
	for _, items := range []string{"content", "@"} {
		n, ok := chain.ExtractFloat(r.Body, "length("+items+")")
		if !ok || n < 1 {
			continue
		}
		idx := vu.Rand.Intn(int(n))
		expr := fmt.Sprintf("%s[%d].id", items, idx)
		if items == "@" {
			expr = fmt.Sprintf("[%d].id", idx)
		}
		if id, ok := chain.ExtractString(r.Body, expr); ok {
			return id
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// feedback service

// FeedbackServiceWeights split iterations between streaming feedback,
// feedback reads and statistics when no sub-behavior is selected.
var FeedbackServiceWeights = []float64{0.3, 0.4, 0.3}

type answer struct {
	QuestionID int    `json:"questionId"`
	Content    string `json:"content"`
}

var sampleAnswers = []answer{
	{1, "Java garbage collection reclaims heap objects that are no longer reachable. " +
		"The JVM splits the heap into young and old generations, collected by minor and major GCs. " +
		"G1, the default since Java 9, works region by region to keep pauses predictable."},
	{2, "Microservices communicate synchronously over REST or gRPC and asynchronously through " +
		"message brokers such as Kafka or RabbitMQ. Service discovery and an API gateway centralize routing, " +
		"and circuit breakers stop failures from cascading."},
	{3, "Database indexes are usually B-trees or hashes. B-tree indexes serve range scans well and the " +
		"column order of a composite index matters. Too many indexes slow down inserts and updates."},
}

type feedbackSetup struct {
	AnswerIDs []string
}

// FeedbackService exercises SSE feedback streaming, feedback reads and the
// statistics API, one executor each.
func FeedbackService(env *Env) *stresstest.Scenario {
	return &stresstest.Scenario{
		Name: "feedback-service",
		Executors: []stresstest.ExecutorSpec{
			{
				Name: "streaming_feedback",
				Profile: stresstest.Profile{
					Kind:     stresstest.RampingVUs,
					StartVUs: 5,
					Stages: []stresstest.Stage{
						{Duration: 2 * time.Minute, Target: 20},
						{Duration: 5 * time.Minute, Target: 30},
						{Duration: 3 * time.Minute, Target: 0},
					},
				},
				Exec: env.feedbackServiceIteration,
			},
			{
				Name:    "feedback_read",
				Profile: stresstest.Profile{Kind: stresstest.ConstantVUs, VUs: 20, Duration: 10 * time.Minute},
				Exec:    env.feedbackServiceIteration,
			},
			{
				Name: "statistics",
				Profile: stresstest.Profile{
					Kind:            stresstest.ConstantArrivalRate,
					Rate:            10,
					TimeUnit:        time.Second,
					Duration:        5 * time.Minute,
					PreAllocatedVUs: 10,
					MaxVUs:          30,
				},
				Exec: env.feedbackServiceIteration,
			},
		},
		Thresholds: map[string][]string{
			"http_req_duration{scenario:streaming_feedback}": {"p(95)<60000"},
			"http_req_failed{scenario:streaming_feedback}":   {"rate<0.1"},
			"http_req_duration{scenario:feedback_read}":      {"p(95)<500"},
			"http_req_failed{scenario:feedback_read}":        {"rate<0.01"},
			"http_req_duration{scenario:statistics}":         {"p(95)<1000"},
			"http_req_failed{scenario:statistics}":           {"rate<0.02"},
			executor.SSEFirstEventTime:                       {"p(95)<5000"},
			executor.SSETotalStreamTime:                      {"p(95)<60000"},
		},
		InitVU: env.initUser,
		Setup: func(ctx context.Context) (any, error) {
			mgr, err := env.verifyLogin(ctx)
			setup := &feedbackSetup{}
			if err != nil {
				return setup, err
			}
			u := &user{env: env, session: mgr, tags: map[string]string{"scenario": "setup"}, logger: env.Logger}
			for _, a := range sampleAnswers {
				if id := submitAnswer(ctx, u, a); id != "" {
					setup.AnswerIDs = append(setup.AnswerIDs, id)
				}
			}
			env.Logger.Info("answers created", zap.Int("count", len(setup.AnswerIDs)))
			return setup, nil
		},
		Teardown: func(ctx context.Context, data any) error {
			setup, _ := data.(*feedbackSetup)
			created := 0
			if setup != nil {
				created = len(setup.AnswerIDs)
			}
			env.Logger.Info("feedback service suite completed", zap.Int("answers_created", created))
			return nil
		},
	}
}

func (e *Env) feedbackServiceIteration(ctx context.Context, vu *stresstest.VU) error {
	u, err := userOf(vu)
	if err != nil {
		return err
	}
	var answerIDs []string
	if setup, ok := vu.SetupData.(*feedbackSetup); ok && setup != nil {
		answerIDs = setup.AnswerIDs
	}
	stream := func(ctx context.Context, u *user, vu *stresstest.VU) error {
		return streamingFeedback(ctx, u, vu, answerIDs)
	}
	flows := []func(context.Context, *user, *stresstest.VU) error{stream, feedbackRead, statistics}

	switch e.behavior(vu) {
	case "streaming_feedback":
		return stream(ctx, u, vu)
	case "stream_stability":
		return streamStability(ctx, u, vu, answerIDs)
	case "feedback_read":
		return feedbackRead(ctx, u, vu)
	case "statistics":
		return statistics(ctx, u, vu)
	}
	return flows[stresstest.Pick(vu.Rand, FeedbackServiceWeights)](ctx, u, vu)
}

func submitAnswer(ctx context.Context, u *user, a answer) string {
	res := u.do(ctx, call{
		method: http.MethodPost,
		url:    u.env.Config.Services.Interview + "/api/v1/answers",
		name:   "submit-answer",
		body:   a,
	})
	if !statusIn(res, http.StatusOK, http.StatusCreated) {
		return ""
	}
	id, _ := chain.ExtractString(res.Body, "id")
	return id
}

func streamingFeedback(ctx context.Context, u *user, vu *stresstest.VU, answerIDs []string) error {
	answerID := submitAnswer(ctx, u, sampleAnswers[vu.Rand.Intn(len(sampleAnswers))])
	if answerID == "" {
		answerID = "1"
		if len(answerIDs) > 0 {
			answerID = answerIDs[vu.Rand.Intn(len(answerIDs))]
		}
	}
	if err := pause(ctx, time.Second); err != nil {
		return err
	}

	result := u.env.Client.ConnectSSEWithRetry(ctx, feedbackStreamURL(u, answerID), executor.SSEOptions{
		Name:       "feedback-stream",
		Token:      u.session.EnsureValidToken(ctx),
		Tags:       u.tags,
		Timeout:    time.Minute,
		MaxRetries: 2,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	u.trend(StreamingDuration, result.TotalTime)
	u.trend(FeedbackGenerationTime, result.TotalTime)
	u.env.Metrics.Rate(StreamConnectionSuccess, result.Success, u.tags)
	if result.Success {
		u.count(TotalEventsReceived, float64(len(result.Events)))
	}
	u.check("received feedback events", len(result.Events) > 0)
	u.check("received complete event", len(result.EventsNamed("complete")) > 0)
	if !result.Success {
		u.logger.Debug("feedback stream failed",
			zap.String("answer_id", answerID),
			zap.Int("status", result.StatusCode),
			zap.String("error", result.Error))
	}
	return pause(ctx, stresstest.Between(vu.Rand, 3*time.Second, 5*time.Second))
}

func feedbackStreamURL(u *user, answerID string) string {
	return fmt.Sprintf("%s/api/v1/feedback/stream/%s", u.env.Config.Services.Feedback, answerID)
}

// streamStability keeps reopening one feedback stream for a fixed window and
// counts the connections that failed. Only SCENARIO_NAME selects it.
func streamStability(ctx context.Context, u *user, vu *stresstest.VU, answerIDs []string) error {
	answerID := "1"
	if len(answerIDs) > 0 {
		answerID = answerIDs[vu.Rand.Intn(len(answerIDs))]
	}
	res := u.env.Client.LongRunningSSETest(ctx, feedbackStreamURL(u, answerID), executor.SSEOptions{
		Name:          "feedback-stream-stability",
		Token:         u.session.EnsureValidToken(ctx),
		Tags:          u.tags,
		Duration:      u.env.scaled(StreamStabilityWindow),
		CheckInterval: 5 * time.Second,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	u.count(TotalEventsReceived, float64(res.TotalEvents))
	u.count(StreamConnectionDrops, float64(res.ConnectionDrops))
	u.check("stream stayed available", res.ConnectionDrops == 0)
	u.logger.Info("stream stability window finished",
		zap.Int("connections", res.Connections),
		zap.Int("drops", res.ConnectionDrops),
		zap.Int("events", res.TotalEvents),
		zap.Duration("elapsed", res.Elapsed))
	return nil
}

func feedbackRead(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services

	list := u.get(ctx, fmt.Sprintf("%s/api/v1/feedback?page=%d&size=20", svc.Feedback, vu.Rand.Intn(6)), "list-feedback")
	u.trend(FeedbackFetchTime, list.Duration)
	u.check("list feedback status 200", statusIn(list, http.StatusOK, http.StatusNoContent))
	u.check("list feedback response time < 500ms", fastUnder(list, 500*time.Millisecond))
	if err := pause(ctx, stresstest.Between(vu.Rand, time.Second, 2*time.Second)); err != nil {
		return err
	}

	if list.Is(http.StatusOK) {
		if id := randomID(list, vu); id != "" {
			detail := u.get(ctx, fmt.Sprintf("%s/api/v1/feedback/%s", svc.Feedback, id), "get-feedback-detail")
			u.check("get feedback detail status 200", detail.Is(http.StatusOK))
		}
	}
	return pause(ctx, stresstest.Between(vu.Rand, 2*time.Second, 4*time.Second))
}

func statistics(ctx context.Context, u *user, vu *stresstest.VU) error {
	svc := u.env.Config.Services

	stats := u.get(ctx, svc.Feedback+"/api/v1/statistics/user", "user-statistics")
	u.trend(StatisticsTime, stats.Duration)
	u.check("user statistics status 200", stats.Is(http.StatusOK))
	u.check("statistics response time < 1s", fastUnder(stats, time.Second))
	if err := pause(ctx, time.Second); err != nil {
		return err
	}

	category := questionCategories[vu.Rand.Intn(len(questionCategories))]
	byCategory := u.get(ctx, fmt.Sprintf("%s/api/v1/statistics/category/%s", svc.Feedback, category), "category-statistics")
	u.check("category statistics status 200", statusIn(byCategory, http.StatusOK, http.StatusNoContent))
	if err := pause(ctx, time.Second); err != nil {
		return err
	}

	timeline := u.get(ctx, svc.Feedback+"/api/v1/statistics/timeline?days=30", "timeline-statistics")
	u.check("timeline statistics status 200", timeline.Is(http.StatusOK))
	return pause(ctx, stresstest.Between(vu.Rand, 2*time.Second, 4*time.Second))
}

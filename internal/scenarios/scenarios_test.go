package scenarios

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/session"
	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// fakeBackend serves every surface the scenarios touch from one mux.
// loseEvery > 0 acknowledges every n-th statistics write without applying it.
// recordStatus overrides the 200 a statistics write answers with.
type fakeBackend struct {
	mu           sync.Mutex
	total        int
	records      int
	loseEvery    int
	recordStatus int
	logins       atomic.Int32
}

func (f *fakeBackend) handler() http.Handler {
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(session.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		writeJSON(w, map[string]any{"accessToken": "access", "refreshToken": "refresh", "expiresIn": 3600})
	})
	mux.HandleFunc("/actuator/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "UP"})
	})
	mux.HandleFunc("/api/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"email": "test@example.com"})
	})
	mux.HandleFunc("/api/v1/questions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"content": []map[string]any{{"id": 7}}})
	})
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"content": []any{}})
	})
	mux.HandleFunc("/api/v1/statistics", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]int{"totalQuestions": f.total})
	})
	mux.HandleFunc("/api/v1/statistics/record", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records++
		if f.loseEvery == 0 || f.records%f.loseEvery != 0 {
			f.total++
		}
		f.mu.Unlock()
		if f.recordStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.recordStatus)
			json.NewEncoder(w).Encode(map[string]bool{"recorded": true})
			return
		}
		writeJSON(w, map[string]bool{"recorded": true})
	})
	return mux
}

func testConfig(url string) *config.Configuration {
	return &config.Configuration{
		Services: config.ServiceURLs{
			Base: url, Gateway: url, User: url, Question: url, Interview: url, Feedback: url,
		},
		TestUser: config.Credentials{Email: "test@example.com", Password: "Test1234!"},
		Timeouts: config.Timeouts{Fast: 2 * time.Second, Default: 2 * time.Second, LLM: 2 * time.Second, SSE: 2 * time.Second},
		Auth:     config.AuthOptions{TokenLifetime: time.Hour, ExpiryMargin: time.Minute},
		Monitor:  config.MonitorOptions{Services: []string{"user"}, Interval: time.Minute},
	}
}

func testEnv(t *testing.T, cfg *config.Configuration, scale float64) *Env {
	t.Helper()
	reg := metrics.NewRegistry()
	client, err := executor.NewClient(reg, cfg.Timeouts, nil, 100)
	require.NoError(t, err)
	return &Env{Config: cfg, Client: client, DurationScale: scale}
}

func runScenario(t *testing.T, name string, env *Env) *stresstest.RunResult {
	t.Helper()
	sc, err := Build(name, env)
	require.NoError(t, err)
	runner, err := stresstest.NewRunner(sc, stresstest.RunOptions{
		Metrics:       env.Metrics,
		DurationScale: env.DurationScale,
		Seed:          1,
	})
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestBuild_EveryScenarioValidates(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			sc, err := Build(name, testEnv(t, cfg, 1))
			require.NoError(t, err)
			assert.Equal(t, name, sc.Name)
			assert.NotEmpty(t, sc.Description)
			assert.NoError(t, sc.Validate())
		})
	}
}

func TestBuild_RejectsUnknownScenario(t *testing.T) {
	_, err := Build("nope", testEnv(t, testConfig("http://localhost:1"), 1))
	assert.ErrorContains(t, err, `unknown scenario "nope"`)

	_, err = Build("smoke", &Env{})
	assert.Error(t, err)
}

func TestBuild_SuggestsCloseScenarioNames(t *testing.T) {
	_, err := Build("smok", testEnv(t, testConfig("http://localhost:1"), 1))
	assert.ErrorContains(t, err, "did you mean smoke?")

	_, err = Build("zzzz", testEnv(t, testConfig("http://localhost:1"), 1))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestCheckBehavior(t *testing.T) {
	assert.NoError(t, CheckBehavior("feedback-service", "stream_stability"))
	assert.NoError(t, CheckBehavior("user-service", "login"))

	err := CheckBehavior("user-service", "logn")
	assert.ErrorContains(t, err, "did you mean login?")
	assert.ErrorContains(t, err, "available: registration, login, profile")

	assert.ErrorContains(t, CheckBehavior("smoke", "login"), "has no behaviors")
	assert.ErrorContains(t, CheckBehavior("user-servce", "login"), "did you mean user-service")
}

func TestBehaviors_CoverEverySuiteExecutor(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	for _, name := range []string{"user-service", "question-service", "feedback-service"} {
		sc, err := Build(name, testEnv(t, cfg, 1))
		require.NoError(t, err)
		for _, ex := range sc.Executors {
			assert.Contains(t, Behaviors(name), ex.Name, "%s/%s", name, ex.Name)
		}
	}
	assert.Empty(t, Behaviors("load"))
}

func TestNames_Sorted(t *testing.T) {
	names := Names()
	assert.Len(t, names, 10)
	assert.Contains(t, names, "smoke")
	assert.Contains(t, names, "feedback-service")
	assert.IsIncreasing(t, names)
}

func TestClassifyPhase(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    Phase
	}{
		{30 * time.Second, PhaseNormal},
		{60 * time.Second, PhaseNormal},
		{90 * time.Second, PhaseSpike1},
		{200 * time.Second, PhaseRecovery1},
		{300 * time.Second, PhaseSpike2},
		{400 * time.Second, PhaseRecovery2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyPhase(tc.elapsed, SpikeBoundaries), "elapsed %s", tc.elapsed)
	}
	assert.True(t, PhaseSpike2.IsSpike())
	assert.False(t, PhaseRecovery1.IsSpike())
	assert.True(t, PhaseRecovery1.IsRecovery())
}

func TestRecoveryTracker_RecordsOncePerPhase(t *testing.T) {
	tracker := newRecoveryTracker()

	_, first := tracker.observe(PhaseSpike1, 100*time.Second, SpikeBoundaries)
	assert.False(t, first, "spike phases have no recovery time")

	d, first := tracker.observe(PhaseRecovery1, 152*time.Second, SpikeBoundaries)
	require.True(t, first)
	assert.Equal(t, 2*time.Second, d)

	_, first = tracker.observe(PhaseRecovery1, 160*time.Second, SpikeBoundaries)
	assert.False(t, first)

	d, first = tracker.observe(PhaseRecovery2, 365*time.Second, SpikeBoundaries)
	require.True(t, first)
	assert.Equal(t, 5*time.Second, d)
}

func TestComputeRaceResult(t *testing.T) {
	r := ComputeRaceResult(10, 200, 200, 190)
	assert.Equal(t, 210.0, r.Expected)
	assert.Equal(t, 20.0, r.Shortfall)
	assert.Equal(t, 20.0, r.IterationShortfall)
	assert.InDelta(t, 90.0, r.Accuracy, 1e-9)
	assert.False(t, r.Consistent())

	r = ComputeRaceResult(5, 3, 3, 8)
	assert.True(t, r.Consistent())
	assert.InDelta(t, 100.0, r.Accuracy, 1e-9)

	r = ComputeRaceResult(5, 0, 0, 5)
	assert.True(t, r.Consistent())
	assert.Equal(t, 100.0, r.Accuracy)
}

func TestComputeRaceResult_RejectedWritesOnlyShowInIterationShortfall(t *testing.T) {
	r := ComputeRaceResult(0, 200, 190, 190)
	assert.True(t, r.Consistent())
	assert.Equal(t, 10.0, r.IterationShortfall)
}

func TestWeightedChoice_LoadDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, len(LoadWeights))
	const draws = 20000
	for i := 0; i < draws; i++ {
		counts[stresstest.Pick(rng, LoadWeights)]++
	}
	for i, w := range LoadWeights {
		assert.InDelta(t, w, float64(counts[i])/draws, 0.02, "flow %d", i)
	}
}

func TestWeightTablesSumToOne(t *testing.T) {
	tables := map[string]struct {
		weights []float64
		total   float64
	}{
		"load":             {LoadWeights, 1},
		"soak":             {SoakWeights, 1},
		"question-service": {QuestionServiceWeights, 1},
		"feedback-service": {FeedbackServiceWeights, 1},
		"stress":           {StressWeights, 100},
	}
	for name, tc := range tables {
		t.Run(name, func(t *testing.T) {
			sum := 0.0
			for _, w := range tc.weights {
				assert.Greater(t, w, 0.0)
				sum += w
			}
			assert.InDelta(t, tc.total, sum, 1e-9)
		})
	}
}

func TestAll_EvaluatesEveryCheck(t *testing.T) {
	reg := metrics.NewRegistry()
	u := &user{env: &Env{Metrics: reg}}
	ok := all(u.check("first", false), u.check("second", true))
	assert.False(t, ok)
	assert.Equal(t, 2, reg.Summarize(metrics.Checks, nil).Count)
}

func TestOutcome_RecordsEveryGroup(t *testing.T) {
	reg := metrics.NewRegistry()
	u := &user{env: &Env{Metrics: reg}}
	u.outcome(true)
	u.outcome(true)
	u.outcome(false)
	u.outcome(true)
	s := reg.Summarize(Errors, nil)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 0.25, s.Rate, 1e-9)
}

func TestCacheHit(t *testing.T) {
	slow := &types.RequestResult{Status: 200, Duration: time.Second, Headers: map[string]string{"X-Cache": "HIT"}}
	assert.True(t, cacheHit(slow, 100*time.Millisecond))

	slow.Headers = nil
	assert.False(t, cacheHit(slow, 100*time.Millisecond))

	fast := &types.RequestResult{Status: 200, Duration: 20 * time.Millisecond}
	assert.True(t, cacheHit(fast, 50*time.Millisecond))
}

func TestRandomID(t *testing.T) {
	vu := &stresstest.VU{Rand: rand.New(rand.NewSource(1))}
	assert.Equal(t, "7", randomID(&types.RequestResult{Body: `{"content":[{"id":7}]}`}, vu))
	assert.Equal(t, "abc", randomID(&types.RequestResult{Body: `[{"id":"abc"}]`}, vu))
	assert.Empty(t, randomID(&types.RequestResult{Body: `{"content":[]}`}, vu))
}

func TestBehavior_PrefersConfiguredScenarioName(t *testing.T) {
	env := &Env{Config: &config.Configuration{}}
	vu := &stresstest.VU{Executor: "login"}
	assert.Equal(t, "login", env.behavior(vu))

	env.Config.ScenarioName = "profile"
	assert.Equal(t, "profile", env.behavior(vu))
}

func TestSmoke_HealthyBackendPassesThresholds(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full smoke iteration")
	}
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	// One minute scaled to one second: a single iteration.
	env := testEnv(t, testConfig(server.URL), 1.0/60)
	result := runScenario(t, "smoke", env)

	assert.True(t, result.Passed(), "failed thresholds: %v", result.Report.Failed())
	require.Len(t, result.Executors, 1)
	assert.EqualValues(t, 1, result.Executors[0].Iterations)
	assert.Zero(t, env.Metrics.Summarize(Errors, nil).Rate)
	assert.GreaterOrEqual(t, backend.logins.Load(), int32(2), "setup login and VU login")
}

func TestRace_ConsistentBackendLosesNothing(t *testing.T) {
	backend := &fakeBackend{total: 10}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := testEnv(t, testConfig(server.URL), 0.05)
	result := runScenario(t, "race", env)

	assert.True(t, result.Passed(), "failed thresholds: %v", result.Report.Failed())
	assert.Equal(t, 10.0, env.Metrics.Summarize(RaceBaseline, nil).Value)
	assert.Equal(t, float64(10+RaceIterations), env.Metrics.Summarize(RaceActual, nil).Value)
	assert.Zero(t, env.Metrics.Summarize(RaceLostUpdates, nil).Value)
	assert.InDelta(t, 100.0, env.Metrics.Summarize(RaceAccuracy, nil).Value, 1e-9)
	assert.Equal(t, float64(RaceIterations), env.Metrics.Summarize(SuccessfulRecords, nil).Sum)
	assert.Zero(t, env.Metrics.Summarize(RaceIterationShortfall, nil).Value)
}

func TestRace_CreatedStatusCountsAsStored(t *testing.T) {
	backend := &fakeBackend{recordStatus: http.StatusCreated}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := testEnv(t, testConfig(server.URL), 0.05)
	runScenario(t, "race", env)

	assert.Equal(t, float64(RaceIterations), env.Metrics.Summarize(SuccessfulRecords, nil).Sum)
	assert.False(t, env.Metrics.Summarize(FailedRecords, nil).HasData())
	assert.Zero(t, env.Metrics.Summarize(RaceLostUpdates, nil).Value)
	assert.Equal(t, float64(RaceIterations), env.Metrics.Summarize(RaceActual, nil).Value)
}

func TestRace_DetectsLostUpdates(t *testing.T) {
	backend := &fakeBackend{loseEvery: 10}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := testEnv(t, testConfig(server.URL), 0.05)
	runScenario(t, "race", env)

	lost := env.Metrics.Summarize(RaceLostUpdates, nil)
	require.True(t, lost.HasData())
	assert.Equal(t, float64(RaceIterations/10), lost.Value)
	assert.InDelta(t, 90.0, env.Metrics.Summarize(RaceAccuracy, nil).Value, 1e-9)
}

func TestRace_SettleDelayIgnoresDurationScale(t *testing.T) {
	backend := &fakeBackend{total: 3}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := testEnv(t, testConfig(server.URL), 0.01)
	sc, err := Build("race", env)
	require.NoError(t, err)

	data, err := sc.Setup(context.Background())
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, sc.Teardown(context.Background(), data))
	assert.GreaterOrEqual(t, time.Since(start), RaceSettleDelay)
	assert.Zero(t, env.Metrics.Summarize(RaceLostUpdates, nil).Value)
}

func TestRace_NoBaselineSkipsVerification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	env := testEnv(t, testConfig(server.URL), 0.01)
	sc, err := Build("race", env)
	require.NoError(t, err)

	data, err := sc.Setup(context.Background())
	assert.Error(t, err)
	require.NoError(t, sc.Teardown(context.Background(), data))
	assert.False(t, env.Metrics.Summarize(RaceLostUpdates, nil).HasData())
}

func TestCredentialsOf(t *testing.T) {
	fallback := config.Credentials{Email: "fallback@test.com"}
	assert.Equal(t, []config.Credentials{fallback}, credentialsOf(nil, fallback))

	users := []config.Credentials{{Email: "a@test.com"}, {Email: "b@test.com"}}
	assert.Equal(t, users, credentialsOf(users, fallback))
}

func TestUniqueEmail(t *testing.T) {
	a, b := uniqueEmail("user"), uniqueEmail("user")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^user_[0-9a-f]{32}@test\.com$`, a)
}

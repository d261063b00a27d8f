package stresstest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/metrics"
)

// createTestManager creates a new Manager with in-memory SQLite database for testing
func createTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{Fast: time.Second, Default: time.Second, LLM: time.Second, SSE: time.Second}
}

func healthScenario(t *testing.T, url string, reg *metrics.Registry, thresholds map[string][]string) *Scenario {
	t.Helper()
	client, err := executor.NewClient(reg, testTimeouts(), nil, 10)
	require.NoError(t, err)

	return &Scenario{
		Name: "health",
		Executors: []ExecutorSpec{{
			Name:    "default",
			Profile: Profile{Kind: SharedIterations, VUs: 4, Iterations: 20},
			Exec: func(ctx context.Context, vu *VU) error {
				resp := client.Get(ctx, url+"/actuator/health", "health", nil)
				reg.Check("status is 200", resp.Is(http.StatusOK), nil)
				return nil
			},
		}},
		Thresholds: thresholds,
	}
}

func TestRunner_LifecyclePersistsRun(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"status":"UP"}`))
	}))
	defer server.Close()

	reg := metrics.NewRegistry()
	manager := createTestManager(t)
	sc := healthScenario(t, server.URL, reg, map[string][]string{
		"http_req_duration{name:health}": {"p(95)<1000"},
		"http_req_failed":                {"rate<0.01"},
		"checks":                         {"rate>0.99"},
		"sse_events_received":            {"count>0"},
	})

	var setups, teardowns atomic.Int32
	sc.Setup = func(ctx context.Context) (any, error) {
		setups.Add(1)
		return "baseline", nil
	}
	sc.Teardown = func(ctx context.Context, data any) error {
		teardowns.Add(1)
		assert.Equal(t, "baseline", data)
		return nil
	}

	runner, err := NewRunner(sc, RunOptions{Metrics: reg, Manager: manager, PersistSamples: true, Seed: 7})
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed())
	assert.Equal(t, int32(20), hits.Load())
	assert.Equal(t, int32(1), setups.Load())
	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, StatusCompleted, result.Run.Status)
	assert.Equal(t, 20, result.Run.Iterations)
	assert.Equal(t, 20, result.Run.HTTPReqs)

	var noData int
	for _, res := range result.Report.Results {
		if res.NoData {
			noData++
			assert.Equal(t, "sse_events_received", res.Selector)
		}
	}
	assert.Equal(t, 1, noData)

	stored, err := manager.GetRunByUUID(result.Run.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.Passed)
	assert.True(t, *stored.Passed)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 20, stored.Iterations)

	summaries, err := manager.GetSummaries(stored.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, summaries)
	var sawFiltered bool
	for _, s := range summaries {
		if s.Metric == "http_req_duration{name:health}" {
			sawFiltered = true
			assert.Equal(t, 20, s.Count)
		}
	}
	assert.True(t, sawFiltered)

	verdicts, err := manager.GetThresholdResults(stored.ID)
	require.NoError(t, err)
	assert.Len(t, verdicts, 4)

	n, err := manager.CountSamples(stored.ID)
	require.NoError(t, err)
	assert.Greater(t, n, 20)
	reqs, err := manager.GetSamples(stored.ID, metrics.HTTPReqs)
	require.NoError(t, err)
	assert.Len(t, reqs, 20)
	assert.Contains(t, reqs[0].Tags, "name=health")
}

func TestRunner_ThresholdViolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := metrics.NewRegistry()
	manager := createTestManager(t)
	sc := healthScenario(t, server.URL, reg, map[string][]string{
		"http_req_failed": {"rate<0.01"},
	})

	runner, err := NewRunner(sc, RunOptions{Metrics: reg, Manager: manager})
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed())
	require.Len(t, result.Report.Failed(), 1)
	assert.Equal(t, 1.0, result.Report.Failed()[0].Observed)
	assert.Equal(t, StatusCompleted, result.Run.Status)

	stored, err := manager.GetRun(result.Run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Passed)
	assert.False(t, *stored.Passed)
	assert.Equal(t, 1.0, stored.HTTPReqFailedRate)
}

func TestRunner_SetupFailureDegrades(t *testing.T) {
	var calls atomic.Int32
	sc := &Scenario{
		Name: "degraded",
		Executors: []ExecutorSpec{{
			Name:    "default",
			Profile: Profile{Kind: SharedIterations, VUs: 1, Iterations: 3},
			Exec: func(ctx context.Context, vu *VU) error {
				calls.Add(1)
				assert.Nil(t, vu.SetupData)
				return nil
			},
		}},
		Setup: func(ctx context.Context) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}

	runner, err := NewRunner(sc, RunOptions{})
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, result.Passed())
}

func TestRunner_RejectsInvalidThreshold(t *testing.T) {
	sc := &Scenario{
		Name: "bad",
		Executors: []ExecutorSpec{{
			Name:    "default",
			Profile: Profile{Kind: ConstantVUs, VUs: 1, Duration: time.Second},
			Exec:    func(ctx context.Context, vu *VU) error { return nil },
		}},
		Thresholds: map[string][]string{"http_req_duration": {"p95 < 500"}},
	}
	_, err := NewRunner(sc, RunOptions{})
	assert.Error(t, err)
}

func TestRunner_RejectsDuplicateExecutors(t *testing.T) {
	spec := ExecutorSpec{
		Name:    "same",
		Profile: Profile{Kind: ConstantVUs, VUs: 1, Duration: time.Second},
		Exec:    func(ctx context.Context, vu *VU) error { return nil },
	}
	_, err := NewRunner(&Scenario{Name: "dup", Executors: []ExecutorSpec{spec, spec}}, RunOptions{})
	assert.Error(t, err)
}

func TestRunner_DurationScale(t *testing.T) {
	sc := &Scenario{
		Name: "scaled",
		Executors: []ExecutorSpec{{
			Name:    "default",
			Profile: Profile{Kind: ConstantVUs, VUs: 1, Duration: time.Hour},
			Exec: func(ctx context.Context, vu *VU) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			},
		}},
	}

	runner, err := NewRunner(sc, RunOptions{DurationScale: 0.1 / 3600})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, runner.Scenario().TotalDuration())
	// The definition itself is not modified.
	assert.Equal(t, time.Hour, sc.Executors[0].Profile.Duration)

	start := time.Now()
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.InDelta(t, 0.1/3600, result.Run.DurationScale, 1e-12)
}

func TestRunner_CancelledRun(t *testing.T) {
	manager := createTestManager(t)
	var teardowns atomic.Int32
	sc := &Scenario{
		Name: "interrupted",
		Executors: []ExecutorSpec{{
			Name:    "default",
			Profile: Profile{Kind: ConstantVUs, VUs: 2, Duration: time.Hour},
			Exec: func(ctx context.Context, vu *VU) error {
				<-ctx.Done()
				return nil
			},
		}},
		Teardown: func(ctx context.Context, data any) error {
			teardowns.Add(1)
			assert.NoError(t, ctx.Err())
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	runner, err := NewRunner(sc, RunOptions{Manager: manager})
	require.NoError(t, err)
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, result.Run.Status)
	assert.Equal(t, int32(1), teardowns.Load())
	stored, err := manager.GetRun(result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestRunner_ExecutorsRunConcurrently(t *testing.T) {
	var a, b atomic.Int32
	both := make(chan struct{})
	var once atomic.Bool
	body := func(counter *atomic.Int32) IterationFunc {
		return func(ctx context.Context, vu *VU) error {
			counter.Add(1)
			if a.Load() > 0 && b.Load() > 0 && once.CompareAndSwap(false, true) {
				close(both)
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		}
	}
	sc := &Scenario{
		Name: "parallel",
		Executors: []ExecutorSpec{
			{Name: "a", Profile: Profile{Kind: ConstantVUs, VUs: 1, Duration: 200 * time.Millisecond}, Exec: body(&a)},
			{Name: "b", Profile: Profile{Kind: ConstantVUs, VUs: 1, Duration: 200 * time.Millisecond}, Exec: body(&b)},
		},
	}
	runner, err := NewRunner(sc, RunOptions{})
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	select {
	case <-both:
	default:
		t.Fatal("executors did not overlap")
	}
	require.Len(t, result.Executors, 2)
	assert.Greater(t, result.Executors[0].Iterations, int64(0))
	assert.Greater(t, result.Executors[1].Iterations, int64(0))
}

func TestManager_ListAndDeleteRuns(t *testing.T) {
	manager := createTestManager(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"smoke", "load", "smoke"} {
		run := &Run{UUID: name + string(rune('a'+i)), Scenario: name, StartedAt: base.Add(time.Duration(i) * time.Minute), Status: StatusRunning, DurationScale: 1}
		require.NoError(t, manager.CreateRun(run))
	}

	all, err := manager.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "smoke", all[0].Scenario)
	assert.True(t, all[0].StartedAt.After(all[1].StartedAt))
	assert.False(t, all[0].IsCompleted())
	assert.Nil(t, all[0].Passed)

	smoke, err := manager.ListRuns("smoke", 0)
	require.NoError(t, err)
	assert.Len(t, smoke, 2)

	limited, err := manager.ListRuns("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, manager.SaveThresholdResults(all[0].ID, []metrics.Result{{Selector: "checks", Expression: "rate>0.9", Observed: 1, Passed: true}}))
	require.NoError(t, manager.DeleteRun(all[0].ID))

	_, err = manager.GetRun(all[0].ID)
	assert.Error(t, err)
	verdicts, err := manager.GetThresholdResults(all[0].ID)
	require.NoError(t, err)
	assert.Empty(t, verdicts)
}

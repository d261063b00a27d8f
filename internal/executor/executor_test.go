package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/sse"
	"github.com/studiowebux/perfharness/internal/types"
)

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		Fast:    200 * time.Millisecond,
		Default: time.Second,
		LLM:     2 * time.Second,
		SSE:     2 * time.Second,
	}
}

func newTestClient(t *testing.T) (*Client, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	c, err := NewClient(reg, testTimeouts(), nil, 10)
	require.NoError(t, err)
	return c, reg
}

func TestExecute_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, reg := newTestClient(t)
	result := client.Execute(context.Background(), &types.HttpRequest{
		Name:    "health",
		Method:  http.MethodGet,
		URL:     server.URL,
		Headers: map[string]string{"Content-Type": "application/json"},
	})

	assert.True(t, result.OK())
	assert.Equal(t, `{"ok":true}`, result.Body)
	assert.Equal(t, "application/json", result.Header("content-type"))

	assert.Equal(t, 1.0, reg.Summarize(metrics.HTTPReqs, map[string]string{"name": "health"}).Sum)
	assert.Equal(t, 1, reg.Summarize(metrics.HTTPReqDuration, map[string]string{"status": "200"}).Count)
	assert.Equal(t, 0.0, reg.Summarize(metrics.HTTPReqFailed, nil).Rate)
}

func TestExecute_ExpectedStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, reg := newTestClient(t)
	ctx := context.Background()

	client.Execute(ctx, &types.HttpRequest{Name: "strict", Method: http.MethodGet, URL: server.URL})
	client.Execute(ctx, &types.HttpRequest{
		Name: "lenient", Method: http.MethodGet, URL: server.URL,
		ExpectedStatuses: []int{http.StatusOK, http.StatusServiceUnavailable},
	})

	assert.Equal(t, 1.0, reg.Summarize(metrics.HTTPReqFailed, map[string]string{"name": "strict"}).Rate)
	assert.Equal(t, 0.0, reg.Summarize(metrics.HTTPReqFailed, map[string]string{"name": "lenient"}).Rate)
}

func TestExecute_TimeoutIsRecordedNotReturned(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, reg := newTestClient(t)
	result := client.Execute(context.Background(), &types.HttpRequest{
		Name: "slow", Method: http.MethodGet, URL: server.URL, TimeoutClass: types.TimeoutFast,
	})

	assert.True(t, result.TimedOut)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 0, result.Status)
	assert.Equal(t, 1.0, reg.Summarize(metrics.Timeouts, nil).Sum)
	assert.Equal(t, 1.0, reg.Summarize(metrics.HTTPReqFailed, nil).Rate)
}

func TestExecute_CancelledRunIsNotSampled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, reg := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := client.Execute(ctx, &types.HttpRequest{Name: "interrupted", Method: http.MethodGet, URL: server.URL})

	assert.False(t, result.TimedOut)
	assert.NotEmpty(t, result.Error)
	assert.False(t, reg.Summarize(metrics.HTTPReqs, nil).HasData())
}

func TestExecute_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, reg := newTestClient(t)
	result := client.Execute(context.Background(), &types.HttpRequest{Method: http.MethodGet, URL: url})

	assert.False(t, result.OK())
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 1.0, reg.Summarize(metrics.HTTPReqFailed, nil).Rate)
}

func sseServer(t *testing.T, handler func(w http.ResponseWriter, flush func())) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EventStreamMediaType, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		handler(w, flusher.Flush)
	}))
}

func TestConnectSSE_StreamsEvents(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, flush func()) {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "event: feedback\ndata: chunk-%d\n\n", i)
			flush()
		}
		fmt.Fprint(w, "event: complete\ndata: {\"score\":80}")
	})
	defer server.Close()

	client, reg := newTestClient(t)
	var seen []string
	result := client.ConnectSSE(context.Background(), server.URL, SSEOptions{
		Name:    "feedback-stream",
		Token:   "tok",
		OnEvent: func(ev sse.Event) { seen = append(seen, ev.Event) },
	})

	require.True(t, result.Success, result.Error)
	assert.Len(t, result.Events, 4)
	assert.Len(t, result.EventsNamed("feedback"), 3)
	assert.Equal(t, `{"score":80}`, result.EventsNamed("complete")[0].Data)
	assert.Equal(t, []string{"feedback", "feedback", "feedback", "complete"}, seen)
	assert.Greater(t, result.BytesReceived, int64(0))
	assert.LessOrEqual(t, result.FirstEventTime, result.TotalTime)

	tags := map[string]string{"name": "feedback-stream"}
	assert.Equal(t, 4.0, reg.Summarize(SSEEventsReceived, tags).Sum)
	assert.Equal(t, float64(result.BytesReceived), reg.Summarize(SSEBytesReceived, tags).Sum)
	assert.Equal(t, 1, reg.Summarize(SSEConnectionTime, tags).Count)
	assert.Equal(t, 1, reg.Summarize(SSEFirstEventTime, tags).Count)
	assert.Equal(t, 1, reg.Summarize(SSETotalStreamTime, tags).Count)
	assert.Equal(t, 1.0, reg.Summarize(metrics.Checks, nil).Rate)
}

func TestConnectSSE_BearerHeader(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", EventStreamMediaType)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	client.ConnectSSE(context.Background(), server.URL, SSEOptions{Token: "abc"})
	assert.Equal(t, "Bearer abc", auth)
}

func TestConnectSSE_EmptyStreamIsSuccess(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, flush func()) {})
	defer server.Close()

	client, reg := newTestClient(t)
	result := client.ConnectSSE(context.Background(), server.URL, SSEOptions{})

	assert.True(t, result.Success)
	assert.Empty(t, result.Events)
	assert.Equal(t, int64(0), result.BytesReceived)
	assert.False(t, reg.Summarize(SSEFirstEventTime, nil).HasData())
}

func TestConnectSSE_RejectsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("data: not really a stream\n\n"))
	}))
	defer server.Close()

	client, reg := newTestClient(t)
	result := client.ConnectSSE(context.Background(), server.URL, SSEOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Empty(t, result.Events)
	assert.Equal(t, 0.5, reg.Summarize(metrics.Checks, nil).Rate)
	assert.Equal(t, 1.0, reg.Summarize(metrics.HTTPReqFailed, nil).Rate)
}

func TestConnectSSE_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", EventStreamMediaType)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	result := client.ConnectSSE(context.Background(), server.URL, SSEOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Empty(t, result.Events)
}

func TestConnectSSEWithRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", EventStreamMediaType)
		fmt.Fprint(w, "data: finally\n\n")
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	result := client.ConnectSSEWithRetry(context.Background(), server.URL, SSEOptions{
		MaxRetries: 5, RetryDelay: 10 * time.Millisecond,
	})

	require.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConnectSSEWithRetry_ReturnsLastFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	result := client.ConnectSSEWithRetry(context.Background(), server.URL, SSEOptions{
		RetryDelay: 5 * time.Millisecond,
	})

	assert.False(t, result.Success)
	assert.Equal(t, DefaultSSEMaxRetries, result.Attempts)
	assert.Equal(t, int32(DefaultSSEMaxRetries), calls.Load())
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
}

func TestLongRunningSSETest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", EventStreamMediaType)
		fmt.Fprint(w, "data: a\n\ndata: b\n\n")
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	result := client.LongRunningSSETest(context.Background(), server.URL, SSEOptions{
		Duration:      200 * time.Millisecond,
		CheckInterval: 20 * time.Millisecond,
	})

	require.Greater(t, result.Connections, 1)
	assert.Equal(t, int32(result.Connections), calls.Load())
	assert.Equal(t, result.Connections/2, result.ConnectionDrops)
	assert.Equal(t, 2*(result.Connections-result.ConnectionDrops), result.TotalEvents)
	assert.Len(t, result.Errors, result.ConnectionDrops)
	for _, e := range result.Errors {
		assert.Equal(t, http.StatusInternalServerError, e.Status)
	}
}

func TestExecute_LogsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	c, err := NewClient(metrics.NewRegistry(), testTimeouts(), nil, 2, WithLogger(zap.New(core)))
	require.NoError(t, err)

	c.Get(context.Background(), server.URL+"/missing", "missing", nil)
	c.Get(context.Background(), server.URL+"/busy", "busy", nil)

	entries := logs.FilterMessage("server error response").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusServiceUnavailable), entries[0].ContextMap()["status"])
	assert.Equal(t, "busy", entries[0].ContextMap()["name"])
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m0s", FormatDuration(2*time.Minute))
	assert.True(t, IsServerErrorStatus(503))
	assert.False(t, IsServerErrorStatus(404))
}

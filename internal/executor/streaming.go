package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/sse"
	"github.com/studiowebux/perfharness/internal/types"
)

// SSE metric names.
const (
	SSEEventsReceived  = "sse_events_received"
	SSEConnectionTime  = "sse_connection_time"
	SSEFirstEventTime  = "sse_first_event_time"
	SSETotalStreamTime = "sse_total_stream_time"
	SSEBytesReceived   = "sse_bytes_received"
)

const (
	EventStreamMediaType = "text/event-stream"

	DefaultSSEMaxRetries    = 3
	DefaultSSERetryDelay    = time.Second
	DefaultLongRunDuration  = 60 * time.Second
	DefaultLongRunInterval  = 5 * time.Second
	longRunTimeoutAllowance = 5 * time.Second

	// maxErrorBody bounds how much of a rejected response is kept.
	maxErrorBody = 64 * 1024
)

// SSEOptions configure one streaming call.
type SSEOptions struct {
	Name    string // metric "name" tag, "sse-stream" when empty
	Token   string
	Method  string // GET when empty
	Body    string
	Headers map[string]string
	Tags    map[string]string
	Timeout time.Duration // SSE latency class when zero
	OnEvent func(sse.Event)

	MaxRetries int
	RetryDelay time.Duration

	Duration      time.Duration
	CheckInterval time.Duration
}

// SSEResult is the outcome of one streaming call.
type SSEResult struct {
	Success        bool
	StatusCode     int
	ContentType    string
	Events         []sse.Event
	ConnectionTime time.Duration
	FirstEventTime time.Duration
	TotalTime      time.Duration
	BytesReceived  int64
	Attempts       int
	TimedOut       bool
	Error          string
	Body           string // only set for rejected responses
}

// EventsNamed returns the events whose type matches name.
func (r *SSEResult) EventsNamed(name string) []sse.Event {
	var out []sse.Event
	for _, ev := range r.Events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ConnectSSE opens one event stream and consumes it until the server closes
// it or the timeout elapses. Non-200 responses and responses that are not
// text/event-stream come back with Success=false and no events.
func (c *Client) ConnectSSE(ctx context.Context, url string, opts SSEOptions) *SSEResult {
	name := opts.Name
	if name == "" {
		name = "sse-stream"
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.Timeout(types.TimeoutSSE)
	}
	tags := metrics.MergeTags(metrics.MergeTags(c.tags, opts.Tags), map[string]string{"name": name})
	req := &types.HttpRequest{Name: name, Method: method, URL: url, Body: opts.Body, Tags: tags}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &SSEResult{Attempts: 1}
	startTime := time.Now()

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result
	}
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", EventStreamMediaType)
	httpReq.Header.Set("Cache-Control", "no-cache")
	if opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	result.ConnectionTime = time.Since(startTime)
	c.recordTrend(ctx, SSEConnectionTime, result.ConnectionTime, tags)

	if err != nil {
		result.Error = err.Error()
		result.TimedOut = isTimeout(ctx, err)
		result.TotalTime = result.ConnectionTime
		c.finishSSE(ctx, req, result, tags)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")

	statusOK := c.check(ctx, "SSE connection successful", resp.StatusCode == http.StatusOK, tags)
	streamOK := c.check(ctx, "Content-Type is event-stream",
		strings.Contains(strings.ToLower(result.ContentType), EventStreamMediaType), tags)
	if !statusOK || !streamOK {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		result.Body = string(limited)
		result.BytesReceived = int64(len(limited))
		result.TotalTime = time.Since(startTime)
		result.Error = fmt.Sprintf("unexpected stream response: status %d, content-type %q", resp.StatusCode, result.ContentType)
		c.finishSSE(ctx, req, result, tags)
		return result
	}

	counter := &countingReader{r: resp.Body}
	readErr := sse.Read(counter, func(ev sse.Event) {
		if len(result.Events) == 0 {
			result.FirstEventTime = ev.ReceivedAt.Sub(startTime)
		}
		result.Events = append(result.Events, ev)
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	})
	result.BytesReceived = counter.n
	result.TotalTime = time.Since(startTime)

	if readErr != nil {
		result.Error = readErr.Error()
		result.TimedOut = isTimeout(ctx, readErr)
	} else {
		result.Success = true
	}

	if c.metrics != nil && ctx.Err() == nil {
		c.metrics.Counter(SSEEventsReceived, float64(len(result.Events)), tags)
		c.metrics.Counter(SSEBytesReceived, float64(result.BytesReceived), tags)
		c.metrics.TrendDuration(SSETotalStreamTime, result.TotalTime, tags)
		if len(result.Events) > 0 {
			c.metrics.TrendDuration(SSEFirstEventTime, result.FirstEventTime, tags)
		}
	}
	c.finishSSE(ctx, req, result, tags)
	return result
}

// finishSSE records the call as an HTTP request with the whole stream as its duration.
func (c *Client) finishSSE(ctx context.Context, req *types.HttpRequest, result *SSEResult, tags map[string]string) {
	rr := &types.RequestResult{
		Status:       result.StatusCode,
		Duration:     result.TotalTime,
		RequestSize:  len(req.Body),
		ResponseSize: int(result.BytesReceived),
		TimedOut:     result.TimedOut,
		Error:        result.Error,
	}
	if result.StatusCode != 0 && !result.Success && rr.Error == "" {
		rr.Error = "stream rejected"
	}
	req.Tags = tags
	req.ExpectedStatuses = []int{http.StatusOK}
	c.record(ctx, req, rr)

	if !result.Success {
		c.logger.Debug("sse stream failed",
			zap.String("url", req.URL),
			zap.Int("status", result.StatusCode),
			zap.Int("events", len(result.Events)),
			zap.String("error", result.Error))
	}
}

// ConnectSSEWithRetry calls ConnectSSE until it succeeds or MaxRetries
// attempts are spent, sleeping RetryDelay between attempts. The last result
// is returned either way.
func (c *Client) ConnectSSEWithRetry(ctx context.Context, url string, opts SSEOptions) *SSEResult {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultSSEMaxRetries
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultSSERetryDelay
	}

	var result *SSEResult
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result = c.ConnectSSE(ctx, url, opts)
		result.Attempts = attempt
		if result.Success {
			return result
		}
		if attempt < maxRetries && !Sleep(ctx, delay) {
			break
		}
	}
	return result
}

// StreamError records one failed connection of a long-running test.
type StreamError struct {
	Time   time.Time
	Status int
	Error  string
}

// LongRunResult tallies a connection-stability test.
type LongRunResult struct {
	TotalEvents     int
	Connections     int
	ConnectionDrops int
	Errors          []StreamError
	Elapsed         time.Duration
}

// LongRunningSSETest opens short-lived streams back to back for Duration,
// pausing CheckInterval between them, and tallies events against drops.
// Each connection may take at most CheckInterval plus five seconds.
func (c *Client) LongRunningSSETest(ctx context.Context, url string, opts SSEOptions) *LongRunResult {
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultLongRunDuration
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = DefaultLongRunInterval
	}

	connOpts := opts
	connOpts.Timeout = interval + longRunTimeoutAllowance

	res := &LongRunResult{}
	start := time.Now()
	for time.Since(start) < duration && ctx.Err() == nil {
		r := c.ConnectSSE(ctx, url, connOpts)
		res.Connections++
		if r.Success {
			res.TotalEvents += len(r.Events)
		} else {
			res.ConnectionDrops++
			res.Errors = append(res.Errors, StreamError{Time: time.Now(), Status: r.StatusCode, Error: r.Error})
		}
		if !Sleep(ctx, interval) {
			break
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

func (c *Client) check(ctx context.Context, name string, ok bool, tags map[string]string) bool {
	if c.metrics != nil && ctx.Err() == nil {
		c.metrics.Check(name, ok, tags)
	}
	return ok
}

func (c *Client) recordTrend(ctx context.Context, metric string, d time.Duration, tags map[string]string) {
	if c.metrics != nil && ctx.Err() == nil {
		c.metrics.TrendDuration(metric, d, tags)
	}
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

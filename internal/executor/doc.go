/*
Package executor issues the HTTP and SSE calls of virtual users.

# Overview

A single Client is shared by every VU of a run. It owns a pooled
http.Transport sized for the run's VU ceiling and records every call into
the run's metrics registry:
  - http_reqs, http_req_duration, http_req_failed
  - timeouts, for calls that hit their deadline
  - data_sent, data_received

# Request Types

HTTP Requests (executor.go):
  - Execute runs one types.HttpRequest
  - Each request carries a latency class ("fast", "default", "llm", "sse")
    or an explicit timeout, applied through the request context
  - Network failures come back as a RequestResult with Error set

Streaming Requests (streaming.go):
  - ConnectSSE opens a text/event-stream response and parses frames as
    they arrive, calling OnEvent per frame
  - ConnectSSEWithRetry retries a failed connection a bounded number of times
  - LongRunningSSETest opens short streams back to back to measure drops
  - sse_connection_time, sse_first_event_time, sse_total_stream_time,
    sse_events_received and sse_bytes_received are recorded per call

# Error Handling

Nothing in this package returns a Go error for a failed call. A status
outside the expected set marks http_req_failed; a deadline additionally
increments timeouts. Calls cut short because the run itself is stopping
are not sampled, so graceful-stop interruptions do not skew error rates.

# TLS Configuration

TLS support includes:
  - Custom CA certificates
  - Client certificates (mTLS)
  - InsecureSkipVerify for development

# Example Usage

	client, err := executor.NewClient(reg, cfg.Timeouts, &cfg.TLS, 100)
	if err != nil {
		return err
	}

	result := client.Execute(ctx, &types.HttpRequest{
		Name:         "get-questions",
		Method:       "GET",
		URL:          cfg.Services.Gateway + "/api/v1/questions?page=0&size=10",
		TimeoutClass: types.TimeoutFast,
	})

	stream := client.ConnectSSE(ctx, feedbackURL, executor.SSEOptions{
		Name:  "feedback-stream",
		Token: token,
	})
	fmt.Println(len(stream.EventsNamed("feedback")))
*/
package executor

package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/types"
)

const (
	// HTTP client configuration timeouts
	TCPDialTimeout        = 5 * time.Second
	TCPKeepAliveInterval  = 30 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	IdleConnTimeout       = 90 * time.Second
	ExpectContinueTimeout = 1 * time.Second

	// DefaultMaxConns sizes the connection pool when no VU ceiling is known.
	DefaultMaxConns = 100
)

// Client issues HTTP and SSE calls on behalf of virtual users and records
// every call into the metrics registry. It is shared by all VUs of a run.
type Client struct {
	httpClient *http.Client
	metrics    *metrics.Registry
	timeouts   config.Timeouts
	tags       map[string]string
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = logging.OrNop(l) }
}

// WithTags adds tags to every sample the client records.
func WithTags(tags map[string]string) Option {
	return func(cl *Client) { cl.tags = metrics.MergeTags(cl.tags, tags) }
}

// NewClient builds a client with a connection pool sized for maxConns
// concurrent VUs.
func NewClient(reg *metrics.Registry, timeouts config.Timeouts, tlsConfig *types.TLSConfig, maxConns int, opts ...Option) (*Client, error) {
	httpClient, err := buildHTTPClient(tlsConfig, maxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}
	c := &Client{
		httpClient: httpClient,
		metrics:    reg,
		timeouts:   timeouts,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Metrics returns the registry the client records into.
func (c *Client) Metrics() *metrics.Registry {
	return c.metrics
}

// Timeout resolves a latency class to its duration.
func (c *Client) Timeout(class string) time.Duration {
	switch class {
	case types.TimeoutFast:
		return c.timeouts.Fast
	case types.TimeoutLLM:
		return c.timeouts.LLM
	case types.TimeoutSSE:
		return c.timeouts.SSE
	}
	return c.timeouts.Default
}

func (c *Client) timeoutFor(req *types.HttpRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return c.Timeout(req.TimeoutClass)
}

// Execute performs one HTTP request. Network failures and timeouts are
// reported through the result, never as a Go error.
func (c *Client) Execute(ctx context.Context, req *types.HttpRequest) *types.RequestResult {
	timeout := c.timeoutFor(req)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()

	var bodyReader io.Reader
	requestSize := 0
	if req.Body != "" {
		bodyReader = bytes.NewBufferString(req.Body)
		requestSize = len(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		result := &types.RequestResult{
			Error:       fmt.Sprintf("failed to create request: %v", err),
			RequestSize: requestSize,
		}
		c.record(ctx, req, result)
		return result
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		result := &types.RequestResult{
			Error:       err.Error(),
			Duration:    time.Since(startTime),
			RequestSize: requestSize,
			TimedOut:    isTimeout(ctx, err),
		}
		c.record(ctx, req, result)
		return result
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	duration := time.Since(startTime)

	result := &types.RequestResult{
		Status:       resp.StatusCode,
		StatusText:   resp.Status,
		Headers:      flattenHeaders(resp.Header),
		Body:         string(bodyBytes),
		Duration:     duration,
		RequestSize:  requestSize,
		ResponseSize: len(bodyBytes),
	}
	if err != nil {
		result.Error = fmt.Sprintf("failed to read response body: %v", err)
		result.TimedOut = isTimeout(ctx, err)
	}

	c.record(ctx, req, result)
	return result
}

// Get issues a GET with the given metric name and headers.
func (c *Client) Get(ctx context.Context, url, name string, headers map[string]string) *types.RequestResult {
	return c.Execute(ctx, &types.HttpRequest{Name: name, Method: http.MethodGet, URL: url, Headers: headers})
}

// record emits the built-in HTTP metrics. Calls interrupted because the run
// itself is stopping are not sampled.
func (c *Client) record(ctx context.Context, req *types.HttpRequest, result *types.RequestResult) {
	if c.metrics == nil || ctx.Err() != nil {
		return
	}

	tags := metrics.MergeTags(c.tags, req.Tags)
	if tags == nil {
		tags = make(map[string]string, 3)
	}
	if _, ok := tags["name"]; !ok && req.Name != "" {
		tags["name"] = req.Name
	}
	tags["method"] = req.Method
	tags["status"] = strconv.Itoa(result.Status)

	failed := result.Error != "" || !req.IsExpectedStatus(result.Status)

	c.metrics.Counter(metrics.HTTPReqs, 1, tags)
	c.metrics.TrendDuration(metrics.HTTPReqDuration, result.Duration, tags)
	c.metrics.Rate(metrics.HTTPReqFailed, failed, tags)
	c.metrics.Counter(metrics.DataSent, float64(result.RequestSize), nil)
	c.metrics.Counter(metrics.DataReceived, float64(result.ResponseSize), nil)
	if result.TimedOut {
		c.metrics.Counter(metrics.Timeouts, 1, tags)
	}

	switch {
	case result.Error != "":
		c.logger.Debug("request failed",
			zap.String("name", req.Name),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Bool("timeout", result.TimedOut),
			zap.String("error", result.Error))
	case IsServerErrorStatus(result.Status):
		c.logger.Debug("server error response",
			zap.String("name", req.Name),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("status", result.Status))
	}
}

// isTimeout reports whether err is a per-call deadline rather than the
// parent context being cancelled.
func isTimeout(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for key, values := range h {
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}

// buildHTTPClient creates an HTTP client optimized for load generation
// with connection pooling and optional TLS/mTLS configuration.
// Per-call deadlines come from the request context, so the client itself
// carries no timeout.
func buildHTTPClient(tlsConfig *types.TLSConfig, maxConns int) (*http.Client, error) {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns * 2,
		IdleConnTimeout:     IdleConnTimeout,
		ForceAttemptHTTP2:   true,

		DialContext: (&net.Dialer{
			Timeout:   TCPDialTimeout,
			KeepAlive: TCPKeepAliveInterval,
		}).DialContext,

		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ExpectContinueTimeout: ExpectContinueTimeout,
	}

	if tlsConfig.Enabled() {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: tlsConfig.InsecureSkipVerify,
		}

		// Load client certificate if provided (for mTLS)
		if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}

		// Load CA certificate if provided (for server verification)
		if tlsConfig.CAFile != "" {
			caCert, err := os.ReadFile(tlsConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			tlsCfg.RootCAs = caCertPool
		}

		transport.TLSClientConfig = tlsCfg
	}

	return &http.Client{Transport: transport}, nil
}

// FormatDuration formats a duration to a human-readable string
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// IsServerErrorStatus returns true if status code is 5xx
func IsServerErrorStatus(status int) bool {
	return status >= 500 && status < 600
}

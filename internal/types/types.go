package types

import (
	"net/http"
	"time"
)

// Timeout classes every outgoing call is assigned to.
const (
	TimeoutFast    = "fast"
	TimeoutDefault = "default"
	TimeoutLLM     = "llm"
	TimeoutSSE     = "sse"
)

// HttpRequest describes one call issued by a virtual user
type HttpRequest struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout overrides the latency class when non-zero.
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TimeoutClass string        `json:"timeoutClass,omitempty" yaml:"timeoutClass,omitempty"`

	// Tags are attached to every metric sample produced by the call.
	// "name" is set from Name when absent.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// ExpectedStatuses are treated as success for http_req_failed.
	// Empty means any 2xx/3xx.
	ExpectedStatuses []int `json:"expectedStatuses,omitempty" yaml:"expectedStatuses,omitempty"`
}

// IsExpectedStatus reports whether status counts as a success for this request
func (r *HttpRequest) IsExpectedStatus(status int) bool {
	if len(r.ExpectedStatuses) == 0 {
		return status >= 200 && status < 400
	}
	for _, s := range r.ExpectedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// RequestResult contains the HTTP response data
type RequestResult struct {
	Status       int               `json:"status"`
	StatusText   string            `json:"statusText"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	Duration     time.Duration     `json:"duration"`
	RequestSize  int               `json:"requestSize"`  // bytes
	ResponseSize int               `json:"responseSize"` // bytes
	TimedOut     bool              `json:"timedOut,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// OK reports whether the call completed with a 2xx status
func (r *RequestResult) OK() bool {
	return r != nil && r.Error == "" && r.Status >= 200 && r.Status < 300
}

// Is reports whether the call completed with the given status
func (r *RequestResult) Is(status int) bool {
	return r != nil && r.Status == status
}

// Unauthorized reports whether the server rejected the credential
func (r *RequestResult) Unauthorized() bool {
	return r.Is(http.StatusUnauthorized)
}

// Header returns a response header, matching the key case-insensitively
func (r *RequestResult) Header(key string) string {
	if r == nil {
		return ""
	}
	if v, ok := r.Headers[key]; ok {
		return v
	}
	return r.Headers[http.CanonicalHeaderKey(key)]
}

// TLSConfig configures client certificates and server verification
type TLSConfig struct {
	InsecureSkipVerify bool   `env:"TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`
	CAFile             string `env:"TLS_CA_FILE"`
	CertFile           string `env:"TLS_CERT_FILE"`
	KeyFile            string `env:"TLS_KEY_FILE"`
}

// Enabled reports whether any TLS option is set
func (t *TLSConfig) Enabled() bool {
	return t != nil && (t.InsecureSkipVerify || t.CAFile != "" || t.CertFile != "" || t.KeyFile != "")
}

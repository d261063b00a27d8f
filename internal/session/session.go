// Package session manages the credential of one virtual user.
//
// A Manager is owned by exactly one VU and is not safe for concurrent use;
// VUs run their iterations serially, so no locking is needed. Each VU holds
// its own Manager so a refresh in one VU never invalidates the token another
// VU has in flight.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/types"
)

const (
	LoginPath    = "/api/v1/auth/login"
	RefreshPath  = "/api/v1/auth/refresh"
	RegisterPath = "/api/v1/auth/register"

	DefaultTokenLifetime = 60 * time.Minute
	DefaultExpiryMargin  = 5 * time.Minute
)

// Requester executes one HTTP call. *executor.Client satisfies it.
type Requester interface {
	Execute(ctx context.Context, req *types.HttpRequest) *types.RequestResult
}

// Options configure a Manager.
type Options struct {
	BaseURL       string
	Credentials   config.Credentials
	TokenLifetime time.Duration
	ExpiryMargin  time.Duration
	Metrics       *metrics.Registry
	Logger        *zap.Logger
	Now           func() time.Time
	// Tags are attached to every call and check the manager records.
	Tags map[string]string
}

// LoginResult is the outcome of Login or RefreshToken.
type LoginResult struct {
	Success  bool
	Token    string
	Response *types.RequestResult
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// RequestOptions tune one AuthenticatedRequest call.
type RequestOptions struct {
	Name             string
	Headers          map[string]string
	Tags             map[string]string
	TimeoutClass     string
	Timeout          time.Duration
	ExpectedStatuses []int
	// LoginFallback allows one full login when the 401-triggered refresh
	// fails. Off by default: a 401 costs exactly one refresh attempt.
	LoginFallback bool
}

// Manager caches at most one credential for one VU.
type Manager struct {
	client Requester
	opts   Options
	token  *oauth2.Token
	logger *zap.Logger
}

// NewManager creates a manager with an empty credential cache.
func NewManager(client Requester, opts Options) *Manager {
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = DefaultTokenLifetime
	}
	if opts.ExpiryMargin <= 0 || opts.ExpiryMargin >= opts.TokenLifetime {
		opts.ExpiryMargin = DefaultExpiryMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Manager{
		client: client,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
	}
}

// Token returns the cached access token, "" when none is cached.
func (m *Manager) Token() string {
	if m.token == nil {
		return ""
	}
	return m.token.AccessToken
}

// Expiry returns the expiry estimate of the cached token.
func (m *Manager) Expiry() time.Time {
	if m.token == nil {
		return time.Time{}
	}
	return m.token.Expiry
}

// Invalidate drops the cached credential, forcing the next call to log in.
func (m *Manager) Invalidate() {
	m.token = nil
}

func (m *Manager) valid() bool {
	return m.token != nil && m.token.AccessToken != "" && m.opts.Now().Before(m.token.Expiry)
}

// Login posts the credentials and caches the returned token pair. Any
// failure leaves a previously cached token untouched.
func (m *Manager) Login(ctx context.Context, creds config.Credentials) LoginResult {
	if creds.Email == "" {
		creds = m.opts.Credentials
	}
	body, _ := json.Marshal(map[string]string{"email": creds.Email, "password": creds.Password})

	resp := m.client.Execute(ctx, &types.HttpRequest{
		Name:         "login",
		Method:       http.MethodPost,
		URL:          m.opts.BaseURL + LoginPath,
		Headers:      JSONHeaders(),
		Body:         string(body),
		TimeoutClass: types.TimeoutFast,
		Tags:         m.opts.Tags,
	})

	statusOK := m.check("login successful", resp.Is(http.StatusOK))
	access, hasToken := chain.ExtractString(resp.Body, "accessToken")
	hasToken = m.check("has access token", hasToken && access != "")

	if !statusOK || !hasToken {
		m.logger.Warn("login failed",
			zap.String("email", creds.Email),
			zap.Int("status", resp.Status),
			zap.String("error", resp.Error))
		return LoginResult{Token: m.Token(), Response: resp}
	}

	m.store(resp.Body, access)
	return LoginResult{Success: true, Token: access, Response: resp}
}

// EnsureValidToken returns the cached token while it is before its expiry
// estimate, logging in otherwise. It may return "" when login fails.
func (m *Manager) EnsureValidToken(ctx context.Context) string {
	if m.valid() {
		return m.token.AccessToken
	}
	result := m.Login(ctx, m.opts.Credentials)
	if !result.Success {
		m.logger.Warn("failed to obtain valid token")
		return ""
	}
	return result.Token
}

// RefreshToken exchanges the cached refresh token for a new pair. On
// failure the old token stays cached.
func (m *Manager) RefreshToken(ctx context.Context) LoginResult {
	refresh := ""
	if m.token != nil {
		refresh = m.token.RefreshToken
	}
	body, _ := json.Marshal(map[string]string{"refreshToken": refresh})

	resp := m.client.Execute(ctx, &types.HttpRequest{
		Name:         "refresh-token",
		Method:       http.MethodPost,
		URL:          m.opts.BaseURL + RefreshPath,
		Headers:      m.AuthHeaders(m.Token()),
		Body:         string(body),
		TimeoutClass: types.TimeoutFast,
		Tags:         m.opts.Tags,
	})

	statusOK := m.check("token refresh successful", resp.Is(http.StatusOK))
	access, hasToken := chain.ExtractString(resp.Body, "accessToken")
	hasToken = m.check("has new access token", hasToken && access != "")

	if !statusOK || !hasToken {
		m.logger.Warn("token refresh failed", zap.Int("status", resp.Status), zap.String("error", resp.Error))
		return LoginResult{Token: m.Token(), Response: resp}
	}

	m.store(resp.Body, access)
	return LoginResult{Success: true, Token: access, Response: resp}
}

// store replaces the cached pair. The expiry estimate is the token's
// lifetime (expiresIn when present) minus the safety margin.
func (m *Manager) store(body, access string) {
	lifetime := m.opts.TokenLifetime
	if secs, ok := chain.ExtractFloat(body, "expiresIn"); ok && secs > 0 {
		lifetime = time.Duration(secs * float64(time.Second))
	}
	margin := m.opts.ExpiryMargin
	if margin >= lifetime {
		margin = lifetime / 10
	}

	refresh, _ := chain.ExtractString(body, "refreshToken")
	if refresh == "" && m.token != nil {
		refresh = m.token.RefreshToken
	}
	m.token = &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       m.opts.Now().Add(lifetime - margin),
	}
}

// AuthenticatedRequest performs one call with the current token. A 401
// triggers exactly one refresh and, if that produced a token, exactly one
// retry. A failed refresh invalidates the credential, so the next call logs
// in again; with opts.LoginFallback that login happens right away instead.
func (m *Manager) AuthenticatedRequest(ctx context.Context, method, url string, body any, opts RequestOptions) *types.RequestResult {
	payload := encodeBody(body)
	token := m.EnsureValidToken(ctx)

	resp := m.client.Execute(ctx, m.buildRequest(method, url, payload, token, opts))
	if !resp.Unauthorized() {
		return resp
	}

	refreshed := m.RefreshToken(ctx)
	if !refreshed.Success && opts.LoginFallback {
		m.Invalidate()
		refreshed = m.Login(ctx, m.opts.Credentials)
	}
	if !refreshed.Success {
		m.Invalidate()
		return resp
	}

	return m.client.Execute(ctx, m.buildRequest(method, url, payload, refreshed.Token, opts))
}

func (m *Manager) buildRequest(method, url, payload, token string, opts RequestOptions) *types.HttpRequest {
	headers := m.AuthHeaders(token)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &types.HttpRequest{
		Name:             opts.Name,
		Method:           strings.ToUpper(method),
		URL:              url,
		Headers:          headers,
		Body:             payload,
		Tags:             metrics.MergeTags(m.opts.Tags, opts.Tags),
		TimeoutClass:     opts.TimeoutClass,
		Timeout:          opts.Timeout,
		ExpectedStatuses: opts.ExpectedStatuses,
	}
}

// Register creates a new account.
func (m *Manager) Register(ctx context.Context, user RegisterRequest) *types.RequestResult {
	if user.Name == "" {
		user.Name = "Test User"
	}
	body, _ := json.Marshal(user)

	resp := m.client.Execute(ctx, &types.HttpRequest{
		Name:             "register",
		Method:           http.MethodPost,
		URL:              m.opts.BaseURL + RegisterPath,
		Headers:          JSONHeaders(),
		Body:             string(body),
		TimeoutClass:     types.TimeoutFast,
		Tags:             m.opts.Tags,
		ExpectedStatuses: []int{http.StatusOK, http.StatusCreated},
	})
	m.check("registration successful", resp.Is(http.StatusOK) || resp.Is(http.StatusCreated))
	return resp
}

// AuthHeaders returns JSON headers with a bearer credential. An empty token
// falls back to the cached one; with neither, no Authorization header is set.
func (m *Manager) AuthHeaders(token string) map[string]string {
	headers := JSONHeaders()
	if token == "" {
		token = m.Token()
	}
	if token != "" {
		tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
		headers["Authorization"] = tok.Type() + " " + tok.AccessToken
	}
	return headers
}

// JSONHeaders returns the content negotiation headers of every API call.
func JSONHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
}

func (m *Manager) check(name string, ok bool) bool {
	if m.opts.Metrics != nil {
		m.opts.Metrics.Check(name, ok, m.opts.Tags)
	}
	return ok
}

func encodeBody(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	case []byte:
		return string(b)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(data)
}

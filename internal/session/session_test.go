package session

import (
	"context"
	"encoding/json"
	"fmt"
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

// fakeAuthBackend issues numbered tokens and accepts only the latest one
// on /api/v1/protected.
type fakeAuthBackend struct {
	logins      atomic.Int32
	refreshes   atomic.Int32
	protected   atomic.Int32
	registers   atomic.Int32
	current     atomic.Value // string
	failLogin   atomic.Bool
	failRefresh atomic.Bool
	rejectAll   atomic.Bool
	expiresIn   int
}

func (f *fakeAuthBackend) issue(w http.ResponseWriter, n int32) {
	token := fmt.Sprintf("access-%d", n)
	f.current.Store(token)
	resp := map[string]any{"accessToken": token, "refreshToken": fmt.Sprintf("refresh-%d", n)}
	if f.expiresIn > 0 {
		resp["expiresIn"] = f.expiresIn
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeAuthBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, func(w http.ResponseWriter, r *http.Request) {
		n := f.logins.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if f.failLogin.Load() || body["password"] != "Test1234!" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.issue(w, n*100)
	})
	mux.HandleFunc(RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		n := f.refreshes.Add(1)
		if f.failRefresh.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.issue(w, n*100+1)
	})
	mux.HandleFunc(RegisterPath, func(w http.ResponseWriter, r *http.Request) {
		f.registers.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/protected", func(w http.ResponseWriter, r *http.Request) {
		f.protected.Add(1)
		current, _ := f.current.Load().(string)
		if f.rejectAll.Load() || r.Header.Get("Authorization") != "Bearer "+current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

type fixture struct {
	backend *fakeAuthBackend
	server  *httptest.Server
	reg     *metrics.Registry
	now     time.Time
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: &fakeAuthBackend{}, reg: metrics.NewRegistry(), now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.server = httptest.NewServer(f.backend.handler())
	t.Cleanup(f.server.Close)

	client, err := executor.NewClient(f.reg, config.Timeouts{Fast: time.Second, Default: time.Second, LLM: time.Second, SSE: time.Second}, nil, 4)
	require.NoError(t, err)

	f.manager = NewManager(client, Options{
		BaseURL:     f.server.URL + "/",
		Credentials: config.Credentials{Email: "test@example.com", Password: "Test1234!"},
		Metrics:     f.reg,
		Now:         func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) protectedURL() string {
	return f.server.URL + "/api/v1/protected"
}

func TestLogin_CachesTokenWithSafetyMargin(t *testing.T) {
	f := newFixture(t)

	result := f.manager.Login(context.Background(), config.Credentials{})
	require.True(t, result.Success)
	assert.Equal(t, "access-100", result.Token)
	assert.Equal(t, "access-100", f.manager.Token())
	assert.Equal(t, f.now.Add(55*time.Minute), f.manager.Expiry())
	assert.Equal(t, 1.0, f.reg.Summarize(metrics.Checks, map[string]string{"check": "has access token"}).Rate)
}

func TestLogin_ExpiresInOverridesDefaultLifetime(t *testing.T) {
	f := newFixture(t)
	f.backend.expiresIn = 900

	require.True(t, f.manager.Login(context.Background(), config.Credentials{}).Success)
	assert.Equal(t, f.now.Add(10*time.Minute), f.manager.Expiry())
}

func TestLogin_FailureKeepsCachedToken(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.manager.Login(context.Background(), config.Credentials{}).Success)

	result := f.manager.Login(context.Background(), config.Credentials{Email: "x@example.com", Password: "wrong"})
	assert.False(t, result.Success)
	assert.Equal(t, "access-100", result.Token)
	assert.Equal(t, "access-100", f.manager.Token())
	assert.Equal(t, 0.5, f.reg.Summarize(metrics.Checks, map[string]string{"check": "login successful"}).Rate)
}

func TestEnsureValidToken_LogsInOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.manager.EnsureValidToken(ctx)
	second := f.manager.EnsureValidToken(ctx)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.backend.logins.Load())
}

func TestEnsureValidToken_RenewsAfterExpiryEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.EnsureValidToken(ctx)
	f.now = f.now.Add(54 * time.Minute)
	f.manager.EnsureValidToken(ctx)
	assert.Equal(t, int32(1), f.backend.logins.Load())

	f.now = f.now.Add(2 * time.Minute)
	assert.Equal(t, "access-200", f.manager.EnsureValidToken(ctx))
	assert.Equal(t, int32(2), f.backend.logins.Load())
}

func TestEnsureValidToken_FailureReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.backend.failLogin.Store(true)

	assert.Empty(t, f.manager.EnsureValidToken(context.Background()))
}

func TestRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.Login(ctx, config.Credentials{})
	f.now = f.now.Add(30 * time.Minute)

	result := f.manager.RefreshToken(ctx)
	require.True(t, result.Success)
	assert.Equal(t, "access-101", f.manager.Token())
	assert.Equal(t, f.now.Add(55*time.Minute), f.manager.Expiry())

	f.backend.failRefresh.Store(true)
	result = f.manager.RefreshToken(ctx)
	assert.False(t, result.Success)
	assert.Equal(t, "access-101", f.manager.Token())
}

func TestAuthenticatedRequest_RefreshesOnceAndRetriesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.EnsureValidToken(ctx)

	// The backend rotates the credential behind the VU's back.
	f.backend.current.Store("rotated")

	resp := f.manager.AuthenticatedRequest(ctx, "get", f.protectedURL(), nil, RequestOptions{Name: "protected"})

	assert.True(t, resp.OK())
	assert.Equal(t, int32(1), f.backend.refreshes.Load())
	assert.Equal(t, int32(2), f.backend.protected.Load())
	assert.Equal(t, int32(1), f.backend.logins.Load())
}

func TestAuthenticatedRequest_NoRetryWithoutUnauthorized(t *testing.T) {
	f := newFixture(t)

	resp := f.manager.AuthenticatedRequest(context.Background(), http.MethodPost, f.protectedURL(),
		map[string]any{"skillCategory": "java"}, RequestOptions{})

	assert.True(t, resp.OK())
	assert.Equal(t, int32(0), f.backend.refreshes.Load())
	assert.Equal(t, int32(1), f.backend.protected.Load())
}

func TestAuthenticatedRequest_RefreshFailureMakesOneAuthAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.EnsureValidToken(ctx)
	f.backend.current.Store("rotated")
	f.backend.failRefresh.Store(true)

	resp := f.manager.AuthenticatedRequest(ctx, http.MethodGet, f.protectedURL(), nil, RequestOptions{})

	assert.True(t, resp.Unauthorized())
	assert.Equal(t, int32(1), f.backend.refreshes.Load())
	assert.Equal(t, int32(1), f.backend.logins.Load())
	assert.Equal(t, int32(1), f.backend.protected.Load())
	assert.Empty(t, f.manager.Token())

	// The invalidated credential is replaced by a login on the next call.
	resp = f.manager.AuthenticatedRequest(ctx, http.MethodGet, f.protectedURL(), nil, RequestOptions{})
	assert.True(t, resp.OK())
	assert.Equal(t, int32(2), f.backend.logins.Load())
}

func TestAuthenticatedRequest_LoginFallbackIsOptIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.EnsureValidToken(ctx)
	f.backend.current.Store("rotated")
	f.backend.failRefresh.Store(true)

	resp := f.manager.AuthenticatedRequest(ctx, http.MethodGet, f.protectedURL(), nil, RequestOptions{LoginFallback: true})

	assert.True(t, resp.OK())
	assert.Equal(t, int32(1), f.backend.refreshes.Load())
	assert.Equal(t, int32(2), f.backend.logins.Load())
	assert.Equal(t, int32(2), f.backend.protected.Load())
}

func TestAuthenticatedRequest_GivesUpWhenAuthIsBroken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.EnsureValidToken(ctx)
	f.backend.current.Store("rotated")
	f.backend.failRefresh.Store(true)
	f.backend.failLogin.Store(true)

	resp := f.manager.AuthenticatedRequest(ctx, http.MethodGet, f.protectedURL(), nil, RequestOptions{LoginFallback: true})

	assert.True(t, resp.Unauthorized())
	assert.Equal(t, int32(1), f.backend.protected.Load())
	assert.Equal(t, int32(1), f.backend.refreshes.Load())
	assert.Empty(t, f.manager.Token())
}

func TestAuthenticatedRequest_NeverLoopsOnPermanent401(t *testing.T) {
	f := newFixture(t)
	f.backend.rejectAll.Store(true)

	resp := f.manager.AuthenticatedRequest(context.Background(), http.MethodGet, f.protectedURL(), nil, RequestOptions{})

	assert.True(t, resp.Unauthorized())
	assert.Equal(t, int32(2), f.backend.protected.Load())
	assert.Equal(t, int32(1), f.backend.refreshes.Load())
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	resp := f.manager.Register(context.Background(), RegisterRequest{Email: "new@example.com", Password: "Test1234!"})

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, int32(1), f.backend.registers.Load())
	assert.Equal(t, 0.0, f.reg.Summarize(metrics.HTTPReqFailed, map[string]string{"name": "register"}).Rate)
}

func TestAuthHeaders(t *testing.T) {
	m := NewManager(nil, Options{})
	assert.NotContains(t, m.AuthHeaders(""), "Authorization")
	assert.Equal(t, "Bearer abc", m.AuthHeaders("abc")["Authorization"])
	assert.Equal(t, "application/json", m.AuthHeaders("abc")["Content-Type"])
}

func TestManagersAreIsolated(t *testing.T) {
	f := newFixture(t)
	client, err := executor.NewClient(f.reg, config.Timeouts{Fast: time.Second, Default: time.Second, LLM: time.Second, SSE: time.Second}, nil, 4)
	require.NoError(t, err)
	other := NewManager(client, Options{BaseURL: f.server.URL, Credentials: config.Credentials{Email: "a@b.c", Password: "Test1234!"}})

	f.manager.EnsureValidToken(context.Background())
	assert.Empty(t, other.Token())
}

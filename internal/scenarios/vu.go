package scenarios

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/session"
	"github.com/studiowebux/perfharness/internal/stresstest"
	"github.com/studiowebux/perfharness/internal/types"
)

// user is the per-VU state: its own credential and the tags every call of
// the VU carries.
type user struct {
	env     *Env
	session *session.Manager
	tags    map[string]string
	logger  *zap.Logger
}

// newSession creates a session manager against the user service.
func (e *Env) newSession(tags map[string]string, logger *zap.Logger) *session.Manager {
	return session.NewManager(e.Client, session.Options{
		BaseURL:       e.Config.Services.User,
		Credentials:   e.Config.TestUser,
		TokenLifetime: e.Config.Auth.TokenLifetime,
		ExpiryMargin:  e.Config.Auth.ExpiryMargin,
		Metrics:       e.Metrics,
		Logger:        logger,
		Tags:          tags,
	})
}

// initUser gives the VU its own session and logs it in. A failed login is
// reported but the VU keeps running; its calls retry the login lazily.
func (e *Env) initUser(ctx context.Context, vu *stresstest.VU) (any, error) {
	tags := map[string]string{"scenario": vu.Executor}
	logger := e.Logger.With(zap.String("executor", vu.Executor), zap.Int("vu", vu.ID))
	u := &user{
		env:     e,
		session: e.newSession(tags, logger),
		tags:    tags,
		logger:  logger,
	}
	if u.session.EnsureValidToken(ctx) == "" {
		return u, fmt.Errorf("vu %d: initial login failed", vu.ID)
	}
	return u, nil
}

func userOf(vu *stresstest.VU) (*user, error) {
	u, ok := vu.State.(*user)
	if !ok || u == nil {
		return nil, fmt.Errorf("vu %d has no session", vu.ID)
	}
	return u, nil
}

// call describes one authenticated request of an iteration body.
type call struct {
	method   string
	url      string
	name     string
	body     any
	class    string
	timeout  time.Duration
	expected []int
}

func (u *user) do(ctx context.Context, c call) *types.RequestResult {
	method := c.method
	if method == "" {
		method = http.MethodGet
	}
	return u.session.AuthenticatedRequest(ctx, method, c.url, c.body, session.RequestOptions{
		Name:             c.name,
		Tags:             u.tags,
		TimeoutClass:     c.class,
		Timeout:          c.timeout,
		ExpectedStatuses: c.expected,
		LoginFallback:    u.env.Config.Auth.LoginFallback,
	})
}

func (u *user) get(ctx context.Context, url, name string, expected ...int) *types.RequestResult {
	return u.do(ctx, call{url: url, name: name, expected: expected})
}

// public issues an unauthenticated GET.
func (u *user) public(ctx context.Context, url, name string, timeout time.Duration) *types.RequestResult {
	return u.env.Client.Execute(ctx, &types.HttpRequest{
		Name:    name,
		Method:  http.MethodGet,
		URL:     url,
		Timeout: timeout,
		Tags:    u.tags,
	})
}

// check records a named assertion under the VU's tags.
func (u *user) check(name string, ok bool) bool {
	return u.env.Metrics.Check(name, ok, u.tags)
}

// outcome records one sample of the errors rate: true means the group failed.
func (u *user) outcome(ok bool) bool {
	u.env.Metrics.Rate(Errors, !ok, u.tags)
	return ok
}

func (u *user) trend(name string, d time.Duration) {
	u.env.Metrics.TrendDuration(name, d, u.tags)
}

func (u *user) count(name string, v float64) {
	u.env.Metrics.Counter(name, v, u.tags)
}

// pause sleeps for d and returns the context error when interrupted.
func pause(ctx context.Context, d time.Duration) error {
	if !executor.Sleep(ctx, d) {
		return ctx.Err()
	}
	return nil
}

func statusIn(r *types.RequestResult, statuses ...int) bool {
	for _, s := range statuses {
		if r.Is(s) {
			return true
		}
	}
	return false
}

func fastUnder(r *types.RequestResult, limit time.Duration) bool {
	return r != nil && r.Error == "" && r.Duration < limit
}

// verifyLogin logs the shared test user in once before a run so a broken
// auth service is reported up front.
func (e *Env) verifyLogin(ctx context.Context) (*session.Manager, error) {
	mgr := e.newSession(map[string]string{"scenario": "setup"}, e.Logger)
	if mgr.EnsureValidToken(ctx) == "" {
		e.Logger.Error("setup failed: could not authenticate",
			zap.String("email", e.Config.TestUser.Email))
		return mgr, fmt.Errorf("could not authenticate %s", e.Config.TestUser.Email)
	}
	return mgr, nil
}

// runStart is the setup data of scenarios that track elapsed wall-clock time.
type runStart struct {
	Start time.Time
}

func (e *Env) recordStart(ctx context.Context) (any, error) {
	start := &runStart{Start: time.Now()}
	_, err := e.verifyLogin(ctx)
	return start, err
}

func (e *Env) logCompleted(scenario string) func(ctx context.Context, data any) error {
	return func(ctx context.Context, data any) error {
		fields := []zap.Field{zap.String("scenario", scenario)}
		if rs, ok := data.(*runStart); ok && rs != nil {
			fields = append(fields,
				zap.Time("started_at", rs.Start),
				zap.Duration("elapsed", time.Since(rs.Start).Round(time.Millisecond)))
		}
		e.Logger.Info("scenario completed", fields...)
		return nil
	}
}

// credentialsOf reads a pre-created user list from setup data.
func credentialsOf(data any, fallback config.Credentials) []config.Credentials {
	if users, ok := data.([]config.Credentials); ok && len(users) > 0 {
		return users
	}
	return []config.Credentials{fallback}
}

// all reports whether every check passed. Unlike &&, every argument has
// already been evaluated, so each check is recorded.
func all(oks ...bool) bool {
	for _, ok := range oks {
		if !ok {
			return false
		}
	}
	return true
}

package scenarios

import (
	"context"
	"net/http"
	"time"

	"github.com/studiowebux/perfharness/internal/chain"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// Smoke checks basic viability: one VU touching every backend surface in
// sequence with a second between calls.
func Smoke(env *Env) *stresstest.Scenario {
	svc := env.Config.Services
	return &stresstest.Scenario{
		Name: "smoke",
		Executors: []stresstest.ExecutorSpec{{
			Name:    DefaultExecutor,
			Profile: env.preset("smoke"),
			Exec: func(ctx context.Context, vu *stresstest.VU) error {
				u, err := userOf(vu)
				if err != nil {
					return err
				}

				health := u.public(ctx, svc.Gateway+"/actuator/health", "health-check", 0)
				u.outcome(all(
					u.check("health check status 200", health.Is(http.StatusOK)),
					u.check("health check response time < 200ms", fastUnder(health, 200*time.Millisecond))))
				if err := pause(ctx, time.Second); err != nil {
					return err
				}

				profile := u.get(ctx, svc.User+"/api/v1/users/me", "get-profile")
				u.outcome(all(
					u.check("profile status 200", profile.Is(http.StatusOK)),
					u.check("profile has user data", chain.Exists(profile.Body, "email"))))
				if err := pause(ctx, time.Second); err != nil {
					return err
				}

				questions := u.get(ctx, svc.Question+"/api/v1/questions?page=0&size=10", "list-questions")
				u.outcome(u.check("questions status 200", statusIn(questions, http.StatusOK, http.StatusNoContent)))
				if err := pause(ctx, time.Second); err != nil {
					return err
				}

				sessions := u.get(ctx, svc.Interview+"/api/v1/sessions?page=0&size=10", "list-sessions")
				u.outcome(u.check("sessions status 200", statusIn(sessions, http.StatusOK, http.StatusNoContent)))
				return pause(ctx, time.Second)
			},
		}},
		Thresholds: map[string][]string{
			"http_req_duration": {"p(95)<500"},
			"http_req_failed":   {"rate<0.01"},
			"checks":            {"rate>0.99"},
		},
		InitVU:   env.initUser,
		Setup:    env.recordStart,
		Teardown: env.logCompleted("smoke"),
	}
}

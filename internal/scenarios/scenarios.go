// Package scenarios defines the built-in load scenarios run against the
// interview-coaching backend.
package scenarios

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/studiowebux/perfharness/internal/config"
	"github.com/studiowebux/perfharness/internal/executor"
	"github.com/studiowebux/perfharness/internal/logging"
	"github.com/studiowebux/perfharness/internal/metrics"
	"github.com/studiowebux/perfharness/internal/stresstest"
)

// Custom metrics recorded by the scenarios.
const (
	Errors               = "errors"
	APIDuration          = "api_duration"
	TotalRequests        = "total_requests"
	ResponseTimeTrend    = "response_time_trend"
	JDAnalysisTime       = "jd_analysis_time"
	QuestionSearchTime   = "question_search_time"
	RequestsDuringSpike  = "requests_during_spike"
	ErrorsDuringSpike    = "errors_during_spike"
	SpikeRecoveryTime    = "spike_recovery_time"
	SearchDuration       = "search_duration"
	ListDuration         = "list_duration"
	StatsDuration        = "stats_duration"
	RecordAnswerDuration = "record_answer_duration"
	SuccessfulRecords    = "successful_records"
	FailedRecords        = "failed_records"
)

// DefaultExecutor names the executor of single-executor scenarios.
const DefaultExecutor = "default"

// Env carries what every scenario needs to build its iteration bodies.
type Env struct {
	Config  *config.Configuration
	Client  *executor.Client
	Metrics *metrics.Registry
	Logger  *zap.Logger
	// DurationScale must match the scale handed to the runner so wall-clock
	// phase boundaries and poll cadences line up with the scaled profiles.
	DurationScale float64
}

func (e *Env) normalize() {
	if e.Metrics == nil && e.Client != nil {
		e.Metrics = e.Client.Metrics()
	}
	if e.DurationScale <= 0 {
		e.DurationScale = 1
	}
	e.Logger = logging.OrNop(e.Logger)
}

func (e *Env) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * e.DurationScale)
}

// preset returns a named VU preset as a profile, falling back to the
// built-in shape when the configuration lacks it.
func (e *Env) preset(name string) stresstest.Profile {
	if p, ok := e.Config.VUPreset(name); ok {
		return stresstest.FromPreset(p)
	}
	return stresstest.FromPreset(config.DefaultVUPresets()[name])
}

// Builder instantiates a scenario for one run.
type Builder func(env *Env) *stresstest.Scenario

type entry struct {
	description string
	build       Builder
}

var registry = map[string]entry{
	"smoke":            {"single VU viability check across every backend surface", Smoke},
	"load":             {"staged ramp to 100 VUs over weighted user flows", Load},
	"stress":           {"staged ramp to 500 VUs with relaxed thresholds", Stress},
	"spike":            {"two abrupt spikes with phase and recovery tracking", Spike},
	"soak":             {"four hour steady load with heap and GC monitoring", Soak},
	"race":             {"concurrent statistics writes checked for lost updates", Race},
	"search":           {"interview search and list/statistics load", Search},
	"user-service":     {"registration, login and profile executors", UserService},
	"question-service": {"JD analysis, RAG search and question CRUD executors", QuestionService},
	"feedback-service": {"streaming feedback, feedback reads and statistics executors", FeedbackService},
}

// suiteBehaviors lists the sub-behaviors SCENARIO_NAME can select per suite.
// stream_stability has no executor of its own.
var suiteBehaviors = map[string][]string{
	"user-service":     {"registration", "login", "profile"},
	"question-service": {"jd_analysis", "rag_search", "questions_crud"},
	"feedback-service": {"streaming_feedback", "feedback_read", "statistics", "stream_stability"},
}

// Names returns every registered scenario name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the one-line description of a scenario.
func Describe(name string) string {
	return registry[name].description
}

// Build instantiates a named scenario.
func Build(name string, env *Env) (*stresstest.Scenario, error) {
	ent, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q%s", name, suggest(name, Names()))
	}
	if env == nil || env.Config == nil || env.Client == nil {
		return nil, fmt.Errorf("scenario %s: config and client are required", name)
	}
	env.normalize()
	sc := ent.build(env)
	if sc.Description == "" {
		sc.Description = ent.description
	}
	return sc, nil
}

// Behaviors returns the sub-behaviors a suite accepts, nil for scenarios
// without any.
func Behaviors(scenario string) []string {
	return suiteBehaviors[scenario]
}

// CheckBehavior reports whether behavior selects a sub-behavior of scenario.
func CheckBehavior(scenario, behavior string) error {
	if _, ok := registry[scenario]; !ok {
		return fmt.Errorf("unknown scenario %q%s", scenario, suggest(scenario, Names()))
	}
	behaviors := suiteBehaviors[scenario]
	if len(behaviors) == 0 {
		return fmt.Errorf("scenario %s has no behaviors to select", scenario)
	}
	for _, b := range behaviors {
		if b == behavior {
			return nil
		}
	}
	return fmt.Errorf("unknown behavior %q for %s%s (available: %s)",
		behavior, scenario, suggest(behavior, behaviors), strings.Join(behaviors, ", "))
}

// suggest formats the closest fuzzy matches of input as a hint, or "".
func suggest(input string, candidates []string) string {
	if input == "" {
		return ""
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) == 0 {
		return ""
	}
	names := make([]string, 0, 3)
	for i, m := range matches {
		if i == 3 {
			break
		}
		names = append(names, m.Str)
	}
	return fmt.Sprintf(" (did you mean %s?)", strings.Join(names, " or "))
}

package stresstest

import (
	"fmt"
	"math"
	"time"

	"github.com/studiowebux/perfharness/internal/config"
)

// ProfileKind names an execution profile.
type ProfileKind string

const (
	ConstantVUs         ProfileKind = "constant-vus"
	RampingVUs          ProfileKind = "ramping-vus"
	ConstantArrivalRate ProfileKind = "constant-arrival-rate"
	SharedIterations    ProfileKind = "shared-iterations"
)

const (
	DefaultGracefulStop = 30 * time.Second
	DefaultTimeUnit     = time.Second
	DefaultMaxDuration  = 10 * time.Minute

	// MaxVUs caps every profile, matching the transport's connection budget.
	MaxVUs = 1000
)

// Stage is one step of a ramping profile.
type Stage = config.Stage

// Profile describes how an executor schedules iterations over time.
type Profile struct {
	Kind ProfileKind

	// constant-vus, shared-iterations
	VUs      int
	Duration time.Duration

	// ramping-vus
	StartVUs int
	Stages   []Stage

	// constant-arrival-rate
	Rate            int
	TimeUnit        time.Duration
	PreAllocatedVUs int
	MaxVUs          int

	// shared-iterations
	Iterations  int
	MaxDuration time.Duration

	// GracefulStop bounds how long in-flight iterations may run once the
	// profile stops scheduling new ones.
	GracefulStop time.Duration
}

// Validate validates the profile
func (p Profile) Validate() error {
	if p.GracefulStop < 0 {
		return fmt.Errorf("graceful stop cannot be negative")
	}
	switch p.Kind {
	case ConstantVUs:
		if p.VUs <= 0 {
			return fmt.Errorf("vus must be greater than 0")
		}
		if p.Duration <= 0 {
			return fmt.Errorf("duration must be greater than 0")
		}
	case RampingVUs:
		if p.StartVUs < 0 {
			return fmt.Errorf("start vus cannot be negative")
		}
		if len(p.Stages) == 0 {
			return fmt.Errorf("ramping profile needs at least one stage")
		}
		for i, s := range p.Stages {
			if s.Duration < 0 {
				return fmt.Errorf("stage %d: duration cannot be negative", i)
			}
			if s.Target < 0 {
				return fmt.Errorf("stage %d: target cannot be negative", i)
			}
		}
		if p.TotalDuration() <= 0 {
			return fmt.Errorf("ramping profile has no duration")
		}
	case ConstantArrivalRate:
		if p.Rate <= 0 {
			return fmt.Errorf("rate must be greater than 0")
		}
		if p.Duration <= 0 {
			return fmt.Errorf("duration must be greater than 0")
		}
		if p.PreAllocatedVUs <= 0 {
			return fmt.Errorf("pre-allocated vus must be greater than 0")
		}
		if p.MaxVUs != 0 && p.MaxVUs < p.PreAllocatedVUs {
			return fmt.Errorf("max vus cannot be lower than pre-allocated vus")
		}
	case SharedIterations:
		if p.VUs <= 0 {
			return fmt.Errorf("vus must be greater than 0")
		}
		if p.Iterations <= 0 {
			return fmt.Errorf("iterations must be greater than 0")
		}
		if p.Iterations < p.VUs {
			return fmt.Errorf("iterations cannot be lower than vus")
		}
	default:
		return fmt.Errorf("unknown profile kind %q", p.Kind)
	}
	if p.PeakVUs() > MaxVUs {
		return fmt.Errorf("profile needs %d vus, cannot exceed %d", p.PeakVUs(), MaxVUs)
	}
	return nil
}

// TotalDuration is the scheduling window of the profile, excluding the
// graceful stop. Shared-iterations reports its MaxDuration, 10m when unset.
func (p Profile) TotalDuration() time.Duration {
	switch p.Kind {
	case RampingVUs:
		var total time.Duration
		for _, s := range p.Stages {
			total += s.Duration
		}
		return total
	case SharedIterations:
		if p.MaxDuration <= 0 {
			return DefaultMaxDuration
		}
		return p.MaxDuration
	}
	return p.Duration
}

// PeakVUs is the largest number of VUs the profile can have allocated.
func (p Profile) PeakVUs() int {
	switch p.Kind {
	case RampingVUs:
		peak := p.StartVUs
		for _, s := range p.Stages {
			if s.Target > peak {
				peak = s.Target
			}
		}
		return peak
	case ConstantArrivalRate:
		if p.MaxVUs > p.PreAllocatedVUs {
			return p.MaxVUs
		}
		return p.PreAllocatedVUs
	}
	return p.VUs
}

// GetGracefulStop returns the graceful stop, defaulting to 30s.
func (p Profile) GetGracefulStop() time.Duration {
	if p.GracefulStop == 0 {
		return DefaultGracefulStop
	}
	return p.GracefulStop
}

// GetTimeUnit returns the arrival-rate time unit, defaulting to one second.
func (p Profile) GetTimeUnit() time.Duration {
	if p.TimeUnit <= 0 {
		return DefaultTimeUnit
	}
	return p.TimeUnit
}

// Scaled returns a copy whose durations are multiplied by factor. VU counts,
// rates and iteration counts are unchanged; factors <= 0 or 1 return p.
func (p Profile) Scaled(factor float64) Profile {
	if factor <= 0 || factor == 1 {
		return p
	}
	scale := func(d time.Duration) time.Duration {
		return time.Duration(math.Round(float64(d) * factor))
	}
	out := p
	out.Duration = scale(p.Duration)
	out.MaxDuration = scale(p.MaxDuration)
	if p.GracefulStop > 0 {
		out.GracefulStop = scale(p.GracefulStop)
	}
	if len(p.Stages) > 0 {
		out.Stages = make([]Stage, len(p.Stages))
		for i, s := range p.Stages {
			out.Stages[i] = Stage{Duration: scale(s.Duration), Target: s.Target}
		}
	}
	return out
}

// FromPreset builds a constant or ramping profile from a named VU preset.
func FromPreset(preset config.VUPreset) Profile {
	if len(preset.Stages) > 0 {
		return Profile{Kind: RampingVUs, Stages: append([]Stage(nil), preset.Stages...)}
	}
	return Profile{Kind: ConstantVUs, VUs: preset.VUs, Duration: preset.Duration}
}

// TargetAt returns the VU target of a ramping profile at elapsed time,
// interpolating linearly between the previous target and the current
// stage's target. Past the last stage the final target holds.
func TargetAt(startVUs int, stages []Stage, elapsed time.Duration) int {
	from := startVUs
	var stageStart time.Duration
	for _, s := range stages {
		if elapsed < stageStart+s.Duration {
			frac := float64(elapsed-stageStart) / float64(s.Duration)
			return from + int(math.Round(float64(s.Target-from)*frac))
		}
		stageStart += s.Duration
		from = s.Target
	}
	return from
}

// Run status values
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Run represents a scenario run record
type Run struct {
	ID                int64
	UUID              string
	Scenario          string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Status            string
	Passed            *bool
	Iterations        int
	DroppedIterations int
	IterationPanics   int
	HTTPReqs          int
	HTTPReqFailedRate float64
	P95DurationMs     float64
	DurationScale     float64
	Error             string
}

// IsCompleted returns true if the run has finished
func (r *Run) IsCompleted() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled || r.Status == StatusFailed
}

// MetricSummary is the persisted aggregation of one metric of a run.
type MetricSummary struct {
	ID     int64
	RunID  int64
	Metric string
	Kind   string
	Count  int
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
	Med    float64
	P90    float64
	P95    float64
	P99    float64
	Rate   float64
	Value  float64
}

// ThresholdResult is the persisted verdict of one threshold expression.
type ThresholdResult struct {
	ID         int64
	RunID      int64
	Selector   string
	Expression string
	Observed   float64
	Passed     bool
	NoData     bool
	Error      string
}

// SampleRow is one raw metric sample persisted when sample capture is on.
type SampleRow struct {
	ID        int64
	RunID     int64
	Timestamp time.Time
	ElapsedMs int64
	Metric    string
	Kind      string
	Value     float64
	Tags      string
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ThresholdSet maps a metric selector such as "http_req_duration" or
// "http_req_duration{name:login}" to its threshold expressions.
type ThresholdSet map[string][]string

// Merge returns a copy of t with every entry of other added or replaced.
func (t ThresholdSet) Merge(other ThresholdSet) ThresholdSet {
	out := make(ThresholdSet, len(t)+len(other))
	for k, v := range t {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range other {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Stage is one step of a ramping profile: reach Target VUs over Duration.
type Stage struct {
	Duration time.Duration `yaml:"duration"`
	Target   int           `yaml:"target"`
}

// VUPreset is a named execution shape, either fixed (VUs + Duration) or staged.
type VUPreset struct {
	VUs      int           `yaml:"vus,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Stages   []Stage       `yaml:"stages,omitempty"`
}

// TotalDuration is the wall-clock length of the preset.
func (p VUPreset) TotalDuration() time.Duration {
	if len(p.Stages) == 0 {
		return p.Duration
	}
	var total time.Duration
	for _, s := range p.Stages {
		total += s.Duration
	}
	return total
}

// PresetFile is the on-disk shape of a presets override file.
type PresetFile struct {
	Thresholds map[string]ThresholdSet `yaml:"thresholds"`
	VUPresets  map[string]VUPreset     `yaml:"vuPresets"`
}

// DefaultThresholds returns the built-in threshold presets.
func DefaultThresholds() map[string]ThresholdSet {
	return map[string]ThresholdSet{
		"default": {
			"http_req_duration": {"p(95)<500", "p(99)<1000"},
			"http_req_failed":   {"rate<0.01"},
		},
		"auth": {
			"http_req_duration": {"p(95)<200", "p(99)<500"},
			"http_req_failed":   {"rate<0.01"},
		},
		"llm": {
			"http_req_duration": {"p(95)<10000", "p(99)<30000"},
			"http_req_failed":   {"rate<0.05"},
		},
		"rag": {
			"http_req_duration": {"p(95)<2000", "p(99)<5000"},
			"http_req_failed":   {"rate<0.02"},
		},
		"sse": {
			"http_req_duration": {"p(95)<60000"},
			"http_req_failed":   {"rate<0.05"},
		},
	}
}

// DefaultVUPresets returns the built-in execution shapes.
func DefaultVUPresets() map[string]VUPreset {
	return map[string]VUPreset{
		"smoke": {VUs: 1, Duration: time.Minute},
		"load": {Stages: []Stage{
			{2 * time.Minute, 50},
			{5 * time.Minute, 50},
			{2 * time.Minute, 100},
			{5 * time.Minute, 100},
			{2 * time.Minute, 0},
		}},
		"stress": {Stages: []Stage{
			{2 * time.Minute, 100},
			{5 * time.Minute, 200},
			{5 * time.Minute, 300},
			{5 * time.Minute, 500},
			{5 * time.Minute, 0},
		}},
		// Stage ends line up with the phase boundaries at 60s/150s/270s/360s.
		"spike": {Stages: []Stage{
			{time.Minute, 10},
			{30 * time.Second, 500},
			{time.Minute, 500},
			{30 * time.Second, 10},
			{90 * time.Second, 10},
			{30 * time.Second, 300},
			{time.Minute, 300},
			{time.Minute, 0},
		}},
		"soak": {Stages: []Stage{
			{5 * time.Minute, 100},
			{4 * time.Hour, 100},
			{5 * time.Minute, 0},
		}},
	}
}

// LoadPresets merges a YAML presets file over the configuration's presets.
// A missing file is not an error.
func (c *Configuration) LoadPresets(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read presets file: %w", err)
	}

	var file PresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse presets file: %w", err)
	}

	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds()
	}
	if c.VUPresets == nil {
		c.VUPresets = DefaultVUPresets()
	}
	for name, set := range file.Thresholds {
		c.Thresholds[name] = c.Thresholds[name].Merge(set)
	}
	for name, preset := range file.VUPresets {
		if preset.VUs < 0 {
			return fmt.Errorf("preset %s: vus must be non-negative", name)
		}
		for i, s := range preset.Stages {
			if s.Duration <= 0 || s.Target < 0 {
				return fmt.Errorf("preset %s: stage %d is invalid", name, i)
			}
		}
		c.VUPresets[name] = preset
	}
	return nil
}

// ThresholdPreset returns a copy of a named threshold preset.
func (c *Configuration) ThresholdPreset(name string) ThresholdSet {
	return c.Thresholds[name].Merge(nil)
}

// VUPreset returns a named execution shape and whether it exists.
func (c *Configuration) VUPreset(name string) (VUPreset, bool) {
	p, ok := c.VUPresets[name]
	return p, ok
}

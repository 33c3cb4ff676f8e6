package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerProfile tunes worker cadences without a rebuild. Zero values fall
// back to the built-in defaults.
type WorkerProfile struct {
	Name string `yaml:"name"`

	// PollInterval is how often the worker drains the queue.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// MetaSyncIntervalSec is the per-tenant insight pull cadence.
	MetaSyncIntervalSec int `yaml:"meta_sync_interval_sec"`
	// StopEvalDefaultSec applies when a run's stop-rules document names no
	// evaluation interval.
	StopEvalDefaultSec int `yaml:"stop_eval_default_sec"`
	// MaxJobsPerTick caps work per scheduler pass.
	MaxJobsPerTick int `yaml:"max_jobs_per_tick"`
}

// PollInterval returns the poll cadence with the default applied.
func (p *WorkerProfile) PollInterval() time.Duration {
	if p == nil || p.PollIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.PollIntervalSec) * time.Second
}

// MetaSyncInterval returns the meta sync cadence with the default applied.
func (p *WorkerProfile) MetaSyncInterval() time.Duration {
	if p == nil || p.MetaSyncIntervalSec <= 0 {
		return time.Hour
	}
	return time.Duration(p.MetaSyncIntervalSec) * time.Second
}

// LoadProfile reads a worker profile YAML. An empty path returns nil, which
// every accessor treats as all-defaults.
func LoadProfile(path string) (*WorkerProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}
	var profile WorkerProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	return &profile, nil
}

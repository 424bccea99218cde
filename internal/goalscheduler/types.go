// Package goalscheduler owns goal instance lifecycle: when to start one,
// how to execute its steps, how to retry, how to reschedule.
package goalscheduler

import (
	"time"

	"github.com/tkenaz/titan/internal/apperrors"
)

// State is one goal instance's lifecycle state.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateFailed     State = "FAILED"
	StateSucceeded  State = "SUCCEEDED"
	StatePaused     State = "PAUSED"
)

// StepType selects how one goal step is dispatched.
type StepType string

const (
	StepPlugin   StepType = "plugin"
	StepBusEvent StepType = "bus_event"
	StepInternal StepType = "internal"
)

// RetryConfig tunes a goal's failure backoff.
type RetryConfig struct {
	Attempts   int `yaml:"attempts"`
	BackoffSec int `yaml:"backoff_sec"`
}

// DefaultRetryConfig matches the reference platform's RetryConfig defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BackoffSec: 30}
}

// Trigger declares one bus event that starts a new instance of the goal.
type Trigger struct {
	Topic     string                 `yaml:"topic"`
	EventType string                 `yaml:"event_type,omitempty"`
	Filter    map[string]interface{} `yaml:"filter,omitempty"`
}

// Step is one entry in a goal's step list.
type Step struct {
	ID              string                 `yaml:"id"`
	Type            StepType               `yaml:"type"`
	Plugin          string                 `yaml:"plugin,omitempty"`
	Topic           string                 `yaml:"topic,omitempty"`
	EventType       string                 `yaml:"event_type,omitempty"`
	Params          map[string]interface{} `yaml:"params,omitempty"`
	PayloadTemplate string                 `yaml:"payload_template,omitempty"`
	TimeoutSec      int                    `yaml:"timeout_sec,omitempty"`
}

// Config is one goal's descriptor, loaded from its YAML manifest.
type Config struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	Schedule   string      `yaml:"schedule,omitempty"`
	Triggers   []Trigger   `yaml:"triggers,omitempty"`
	Steps      []Step      `yaml:"steps"`
	Retry      RetryConfig `yaml:"retry"`
	TimeoutSec int         `yaml:"timeout_sec"`
	Enabled    bool        `yaml:"enabled"`
}

// Validate enforces the loader's "schedule or triggers" rule and each
// step's type-specific required fields.
func (c *Config) Validate() error {
	if c.ID == "" {
		return apperrors.Validation("goal missing id")
	}
	if c.Schedule == "" && len(c.Triggers) == 0 {
		return apperrors.Validation("goal " + c.ID + ": either schedule or triggers must be specified")
	}
	if len(c.Steps) == 0 {
		return apperrors.Validation("goal " + c.ID + ": at least one step required")
	}
	for _, s := range c.Steps {
		if s.Type == StepPlugin && s.Plugin == "" {
			return apperrors.Validation("goal " + c.ID + ": step " + s.ID + " requires plugin for type plugin")
		}
		if s.Type == StepBusEvent && s.Topic == "" {
			return apperrors.Validation("goal " + c.ID + ": step " + s.ID + " requires topic for type bus_event")
		}
	}
	return nil
}

// applyDefaults fills zero-value fields the loader accepts as omitted.
func (c *Config) applyDefaults() {
	if c.Retry.Attempts == 0 && c.Retry.BackoffSec == 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = 300
	}
	for i := range c.Steps {
		if c.Steps[i].TimeoutSec <= 0 {
			c.Steps[i].TimeoutSec = 60
		}
	}
}

// Instance is one runtime execution of a Config.
type Instance struct {
	ID           string                 `json:"id"`
	GoalID       string                 `json:"goal_id"`
	State        State                  `json:"state"`
	CurrentStep  int                    `json:"current_step"`
	NextRunTS    float64                `json:"next_run_ts,omitempty"`
	FailCount    int                    `json:"fail_count"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	CompletedAt  time.Time              `json:"completed_at,omitempty"`
	TriggerEvent map[string]interface{} `json:"trigger_event,omitempty"`
	StepResults  map[string]interface{} `json:"step_results"`
}

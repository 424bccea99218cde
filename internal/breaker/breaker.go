// Package breaker guards each plugin with a consecutive-failure circuit
// breaker, persisted to Redis so state survives process restart.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/logging"
)

// State is one plugin's circuit state.
type State string

const (
	StateActive   State = "ACTIVE"
	StateDisabled State = "DISABLED"
	StatePaused   State = "PAUSED"
)

const (
	healthKeyPrefix = "plugin:health:"
	healthTTL       = 7 * 24 * time.Hour
	alertTopic      = "system.v1"
)

// FailureReason is one entry in a plugin's bounded failure history.
type FailureReason struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	EventType string    `json:"event_type,omitempty"`
}

// Health is one plugin's durable health record.
type Health struct {
	Name                string          `json:"name"`
	State               State           `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	TotalFailures       int             `json:"total_failures"`
	TotalExecutions     int             `json:"total_executions"`
	LastSuccess         time.Time       `json:"last_success,omitempty"`
	LastFailure         time.Time       `json:"last_failure,omitempty"`
	DisabledUntil       time.Time       `json:"disabled_until,omitempty"`
	FailureReasons      []FailureReason `json:"failure_reasons"`
}

// Breaker tracks health for every discovered plugin and persists every
// transition to Redis.
type Breaker struct {
	redis          *redis.Client
	bus            *eventbus.Bus
	threshold      int
	resetTimeout   time.Duration
	maxHistory     int
	log            zerolog.Logger

	mu     sync.Mutex
	health map[string]*Health
}

// Config tunes the breaker; zero values fall back to the defaults named
// in §4.3 (threshold=5, reset_timeout=300s, history=10).
type Config struct {
	Threshold      int
	ResetTimeout   time.Duration
	MaxHistory     int
}

// DefaultConfig returns the breaker's default tuning.
func DefaultConfig() Config {
	return Config{Threshold: 5, ResetTimeout: 300 * time.Second, MaxHistory: 10}
}

// New builds a Breaker. bus may be nil in tests that don't care about
// the plugin_disabled alert event.
func New(redisClient *redis.Client, bus *eventbus.Bus, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 300 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	return &Breaker{
		redis:        redisClient,
		bus:          bus,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		maxHistory:   cfg.MaxHistory,
		log:          logging.Component("breaker"),
		health:       make(map[string]*Health),
	}
}

// Initialize loads (or creates) health state for every discovered
// plugin name, reading any persisted record back from Redis.
func (b *Breaker) Initialize(ctx context.Context, pluginNames []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range pluginNames {
		h, err := b.load(ctx, name)
		if err != nil {
			return fmt.Errorf("load health for %s: %w", name, err)
		}
		if h == nil {
			h = &Health{Name: name, State: StateActive}
		}
		b.health[name] = h
	}
	return nil
}

// IsHealthy reports whether plugin may execute right now. An unknown
// plugin is treated as healthy so a hot-reloaded plugin isn't rejected
// before its first Initialize.
func (b *Breaker) IsHealthy(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.health[name]
	if !ok {
		return true
	}
	switch h.State {
	case StateDisabled, StatePaused:
		// A lapsed timer permits a reattempt; the state itself flips
		// back to ACTIVE only on the next recorded success.
		return time.Now().UTC().After(h.DisabledUntil)
	default:
		return true
	}
}

// RecordSuccess resets the consecutive-failure counter and, if the
// plugin's pause/disable timer has elapsed, returns it to ACTIVE.
func (b *Breaker) RecordSuccess(ctx context.Context, name string) {
	next := func(h *Health) {
		h.ConsecutiveFailures = 0
		h.TotalExecutions++
		h.LastSuccess = time.Now().UTC()
		if (h.State == StatePaused || h.State == StateDisabled) && time.Now().UTC().After(h.DisabledUntil) {
			h.State = StateActive
			h.DisabledUntil = time.Time{}
		}
	}
	if _, err := b.transition(ctx, name, next); err != nil {
		b.log.Error().Err(err).Str("plugin", name).Msg("failed to persist breaker state")
	}
}

// RecordFailure records one failed invocation, appending to the bounded
// failure history, and trips the breaker to DISABLED once consecutive
// failures reach the threshold, emitting a plugin_disabled alert event.
func (b *Breaker) RecordFailure(ctx context.Context, name string, cause error, eventType string) {
	tripped := false
	next := func(h *Health) {
		h.ConsecutiveFailures++
		h.TotalFailures++
		h.TotalExecutions++
		h.LastFailure = time.Now().UTC()
		h.FailureReasons = append(h.FailureReasons, FailureReason{
			Timestamp: h.LastFailure,
			Error:     cause.Error(),
			EventType: eventType,
		})
		if len(h.FailureReasons) > b.maxHistory {
			h.FailureReasons = h.FailureReasons[len(h.FailureReasons)-b.maxHistory:]
		}
		if h.ConsecutiveFailures >= b.threshold && h.State != StateDisabled {
			h.State = StateDisabled
			h.DisabledUntil = time.Now().UTC().Add(b.resetTimeout)
			tripped = true
		}
	}
	snapshot, err := b.transition(ctx, name, next)
	if err != nil {
		b.log.Error().Err(err).Str("plugin", name).Msg("failed to persist breaker state")
		return
	}
	if tripped {
		b.log.Error().Str("plugin", name).Int("consecutive_failures", snapshot.ConsecutiveFailures).
			Time("disabled_until", snapshot.DisabledUntil).Msg("plugin disabled")
		b.publishDisabledAlert(ctx, snapshot)
	}
}

// Reset forces a plugin back to ACTIVE, for the operator "reset" API.
func (b *Breaker) Reset(ctx context.Context, name string) error {
	_, err := b.transition(ctx, name, func(h *Health) {
		h.State = StateActive
		h.ConsecutiveFailures = 0
		h.DisabledUntil = time.Time{}
	})
	return err
}

// Pause forces a plugin into PAUSED for the given duration, for the
// operator "pause" API.
func (b *Breaker) Pause(ctx context.Context, name string, d time.Duration) error {
	_, err := b.transition(ctx, name, func(h *Health) {
		h.State = StatePaused
		h.DisabledUntil = time.Now().UTC().Add(d)
	})
	return err
}

// transition applies mutate to a copy of the plugin's record, flushes
// the copy to Redis, and only then commits it to the in-memory map. A
// failed flush leaves the previous state visible, so callers never
// observe a transition that didn't make it to the store.
func (b *Breaker) transition(ctx context.Context, name string, mutate func(*Health)) (Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.healthLocked(name)
	next := *cur
	next.FailureReasons = append([]FailureReason(nil), cur.FailureReasons...)
	mutate(&next)
	if err := b.save(ctx, &next); err != nil {
		return Health{}, err
	}
	b.health[name] = &next
	return next, nil
}

// Health returns a copy of the current record for name, or false if the
// plugin has never been initialized.
func (b *Breaker) Health(name string) (Health, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.health[name]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// All returns a copy of every tracked plugin's health record.
func (b *Breaker) All() map[string]Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Health, len(b.health))
	for name, h := range b.health {
		out[name] = *h
	}
	return out
}

func (b *Breaker) healthLocked(name string) *Health {
	h, ok := b.health[name]
	if !ok {
		h = &Health{Name: name, State: StateActive}
		b.health[name] = h
	}
	return h
}

func (b *Breaker) publishDisabledAlert(ctx context.Context, h Health) {
	if b.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"plugin":               h.Name,
		"reason":               "consecutive_failure_threshold_exceeded",
		"consecutive_failures": h.ConsecutiveFailures,
	}
	if _, err := b.bus.Publish(ctx, alertTopic, "plugin_disabled", payload, eventbus.PriorityHigh, ""); err != nil {
		b.log.Error().Err(err).Str("plugin", h.Name).Msg("failed to publish plugin_disabled alert")
	}
}

func (b *Breaker) save(ctx context.Context, h *Health) error {
	if b.redis == nil {
		return nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("marshal health for %s: %v", h.Name, err))
	}
	key := healthKeyPrefix + h.Name
	if err := b.redis.HSet(ctx, key, "data", data).Err(); err != nil {
		return apperrors.Unavailable(fmt.Sprintf("persist health for %s: %v", h.Name, err))
	}
	return b.redis.Expire(ctx, key, healthTTL).Err()
}

func (b *Breaker) load(ctx context.Context, name string) (*Health, error) {
	if b.redis == nil {
		return nil, nil
	}
	raw, err := b.redis.HGet(ctx, healthKeyPrefix+name, "data").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("unmarshal persisted health: %w", err)
	}
	return &h, nil
}

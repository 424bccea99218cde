package goalscheduler

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
	"github.com/tkenaz/titan/internal/eventid"
	"github.com/tkenaz/titan/internal/goalscheduler/template"
	"github.com/tkenaz/titan/internal/matchtrigger"
	"github.com/tkenaz/titan/internal/metrics"
)

// SchedulerConfig tunes the Goal Scheduler's own loop; it deliberately
// stays separate from the composed top-level config so this package
// has no import-cycle dependency on it.
type SchedulerConfig struct {
	GoalsDir           string
	LoopInterval       time.Duration
	DefaultTimeout     time.Duration
	MaxConcurrentGoals int
}

// Scheduler owns goal manifests, instance scheduling, and sequential
// per-instance step execution.
type Scheduler struct {
	cfg      SchedulerConfig
	bus      *eventbus.Bus
	store    *store
	executor StepExecutor
	log      zerolog.Logger

	mu    sync.RWMutex
	goals map[string]Config

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. Call Start to load manifests, subscribe
// event-triggered goals, and begin the dispatch loop.
func New(cfg SchedulerConfig, bus *eventbus.Bus, redis *redis.Client, executor StepExecutor, log zerolog.Logger) *Scheduler {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentGoals <= 0 {
		cfg.MaxConcurrentGoals = 10
	}
	return &Scheduler{
		cfg:      cfg,
		bus:      bus,
		store:    newStore(redis),
		executor: executor,
		log:      log,
		goals:    make(map[string]Config),
		sem:      make(chan struct{}, cfg.MaxConcurrentGoals),
		stopCh:   make(chan struct{}),
	}
}

// Start loads goal manifests, subscribes triggered goals to the bus,
// seeds the first instance for every schedule-based goal, and launches
// the dispatch loop. Call before bus.Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(); err != nil {
		return err
	}

	s.mu.RLock()
	topics := make(map[string]bool)
	goals := make([]Config, 0, len(s.goals))
	for _, g := range s.goals {
		goals = append(goals, g)
		for _, tr := range g.Triggers {
			topics[tr.Topic] = true
		}
	}
	s.mu.RUnlock()

	for topic := range topics {
		s.bus.Subscribe(topic, s.onTriggerEvent)
	}

	for _, g := range goals {
		if g.Schedule == "" {
			continue
		}
		if err := s.seedScheduledInstance(ctx, g); err != nil {
			s.log.Error().Err(err).Str("goal", g.ID).Msg("failed to seed scheduled goal instance")
		}
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop signals the dispatch loop to exit and waits for in-flight
// instances to drain, up to a 30s grace period.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.log.Warn().Msg("goal scheduler stop: grace period elapsed with instances still in flight")
	}
}

// Reload re-scans the goals directory, replacing the in-memory
// manifest index.
func (s *Scheduler) Reload() error {
	goals, err := loadGoals(s.cfg.GoalsDir, s.log)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("load goal manifests: %v", err))
	}
	s.mu.Lock()
	s.goals = goals
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) getGoal(id string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	return g, ok
}

// Goals returns every currently loaded goal manifest.
func (s *Scheduler) Goals() []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.goals))
	for _, g := range s.goals {
		out = append(out, g)
	}
	return out
}

// Instance returns one instance by ID.
func (s *Scheduler) Instance(ctx context.Context, id string) (*Instance, error) {
	return s.store.get(ctx, id)
}

// InstancesForGoal returns every instance recorded for goalID.
func (s *Scheduler) InstancesForGoal(ctx context.Context, goalID string) ([]*Instance, error) {
	return s.store.byGoal(ctx, goalID)
}

// RunNow creates and immediately schedules a new instance for goalID,
// ignoring its configured schedule/triggers.
func (s *Scheduler) RunNow(ctx context.Context, goalID string, params map[string]interface{}) (*Instance, error) {
	g, ok := s.getGoal(goalID)
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("goal %q", goalID))
	}
	inst := s.newInstance(g, map[string]interface{}{"params": params})
	if err := s.store.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Pause marks a pending/in-progress instance paused, removing it from
// the due-time queue.
func (s *Scheduler) Pause(ctx context.Context, instanceID string) error {
	return s.store.updateState(ctx, instanceID, StatePaused, "")
}

// Resume returns a paused instance to the queue, due immediately.
func (s *Scheduler) Resume(ctx context.Context, instanceID string) error {
	inst, err := s.store.get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return apperrors.NotFound(fmt.Sprintf("goal instance %q", instanceID))
	}
	inst.State = StatePending
	inst.NextRunTS = float64(time.Now().Unix())
	return s.store.save(ctx, inst)
}

func (s *Scheduler) newInstance(g Config, triggerEvent map[string]interface{}) *Instance {
	now := time.Now()
	return &Instance{
		ID:           fmt.Sprintf("%s_%d_%s", g.ID, now.Unix(), eventid.NewInstanceSuffix()),
		GoalID:       g.ID,
		State:        StatePending,
		NextRunTS:    float64(now.Unix()),
		CreatedAt:    now,
		TriggerEvent: triggerEvent,
		StepResults:  make(map[string]interface{}),
	}
}

func (s *Scheduler) seedScheduledInstance(ctx context.Context, g Config) error {
	existing, err := s.store.byGoal(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, inst := range existing {
		if inst.State == StatePending || inst.State == StateInProgress {
			return nil
		}
	}
	sched, err := ParseSchedule(g.Schedule)
	if err != nil {
		return err
	}
	inst := s.newInstance(g, nil)
	inst.NextRunTS = float64(sched.Next(time.Now()).Unix())
	return s.store.save(ctx, inst)
}

// onTriggerEvent is the single bus Handler shared by every goal's
// event triggers; it checks the event against all loaded goals rather
// than installing one handler per goal, so a burst of identical
// triggers fans out once per goal, not once per handler registration.
func (s *Scheduler) onTriggerEvent(ctx context.Context, ev eventbus.Event) error {
	for _, g := range s.Goals() {
		if len(g.Triggers) == 0 {
			continue
		}
		triggers := make([]matchtrigger.Trigger, len(g.Triggers))
		for i, t := range g.Triggers {
			triggers[i] = matchtrigger.Trigger{Topic: t.Topic, EventType: t.EventType, Filter: t.Filter}
		}
		if !matchtrigger.AnyMatches(triggers, ev.Topic, ev.EventType, ev.Payload) {
			continue
		}
		inst := s.newInstance(g, map[string]interface{}{
			"topic":      ev.Topic,
			"event_type": ev.EventType,
			"payload":    ev.Payload,
		})
		if err := s.store.save(ctx, inst); err != nil {
			s.log.Error().Err(err).Str("goal", g.ID).Msg("failed to create triggered goal instance")
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchReady(ctx)
		}
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	ids, err := s.store.ready(ctx, 100, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query ready goal instances")
		return
	}
	for _, id := range ids {
		select {
		case s.sem <- struct{}{}:
		default:
			continue // at capacity this tick; picked up again next tick
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runInstance(ctx, id)
		}(id)
	}
}

// runInstance drives one instance's steps sequentially from its
// current step, persisting progress after each step, so a retried
// instance resumes at the step that failed. Only PENDING instances run;
// one left IN_PROGRESS by a crash is not picked up again.
func (s *Scheduler) runInstance(ctx context.Context, id string) {
	inst, err := s.store.get(ctx, id)
	if err != nil || inst == nil {
		return
	}
	if inst.State != StatePending {
		// Paused instances stay parked; a concurrent dispatch that
		// already marked this one IN_PROGRESS owns it.
		return
	}

	g, ok := s.getGoal(inst.GoalID)
	if !ok {
		s.log.Warn().Str("goal_id", inst.GoalID).Msg("instance references unknown goal, dropping")
		_ = s.store.updateState(ctx, id, StateFailed, "goal manifest no longer loaded")
		return
	}

	if err := s.store.updateState(ctx, id, StateInProgress, ""); err != nil {
		s.log.Error().Err(err).Str("instance", id).Msg("failed to mark instance in progress")
		return
	}
	metrics.GoalsActive.Inc()
	defer metrics.GoalsActive.Dec()

	goalTimeout := time.Duration(g.TimeoutSec) * time.Second
	goalCtx, cancel := context.WithTimeout(ctx, goalTimeout)
	defer cancel()

	var prev interface{}
	for i := inst.CurrentStep; i < len(g.Steps); i++ {
		step := g.Steps[i]
		tmplCtx := map[string]interface{}{
			"trigger": inst.TriggerEvent,
			"params":  inst.TriggerEvent["params"],
			"prev":    prev,
		}
		rendered := template.RenderDict(step.Params, tmplCtx)
		if step.Type == StepBusEvent && step.PayloadTemplate != "" {
			step.PayloadTemplate = renderPayloadTemplate(step.PayloadTemplate, tmplCtx)
		}

		// Each step runs under min(step timeout, remaining goal budget);
		// goalCtx carries the goal-level deadline, the inner context the
		// per-step one.
		stepCtx, stepCancel := context.WithTimeout(goalCtx, time.Duration(step.TimeoutSec)*time.Second)

		start := time.Now()
		result, err := s.executor.Run(stepCtx, step, rendered)
		stepCancel()
		metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(start).Seconds())

		if err != nil {
			s.onStepFailure(ctx, inst, g, err)
			return
		}
		if serr := s.store.incrementStep(ctx, id, step.ID, result); serr != nil {
			s.log.Error().Err(serr).Str("instance", id).Msg("failed to persist step result")
		}
		prev = map[string]interface{}{"result": result}
	}

	s.onSuccess(ctx, inst, g)
}

func (s *Scheduler) onStepFailure(ctx context.Context, inst *Instance, g Config, stepErr error) {
	attempts := g.Retry.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryConfig().Attempts
	}
	backoff := g.Retry.BackoffSec
	if backoff <= 0 {
		backoff = DefaultRetryConfig().BackoffSec
	}

	if inst.FailCount < attempts {
		next, err := s.store.get(ctx, inst.ID)
		if err != nil || next == nil {
			return
		}
		next.State = StatePending
		next.LastError = stepErr.Error()
		next.FailCount++
		next.NextRunTS = float64(time.Now().Unix()) + float64(backoff*next.FailCount)
		if err := s.store.save(ctx, next); err != nil {
			s.log.Error().Err(err).Str("instance", inst.ID).Msg("failed to reschedule failed instance")
		}
		return
	}

	if err := s.store.updateState(ctx, inst.ID, StateFailed, stepErr.Error()); err != nil {
		s.log.Error().Err(err).Str("instance", inst.ID).Msg("failed to mark instance failed")
	}
	s.rescheduleRecurring(ctx, g)
}

func (s *Scheduler) onSuccess(ctx context.Context, inst *Instance, g Config) {
	if err := s.store.updateState(ctx, inst.ID, StateSucceeded, ""); err != nil {
		s.log.Error().Err(err).Str("instance", inst.ID).Msg("failed to mark instance succeeded")
	}
	s.rescheduleRecurring(ctx, g)
}

// rescheduleRecurring persists the next periodic PENDING instance once
// the current one reaches a terminal state. It goes through the same
// live-instance check as startup seeding, so a goal never carries more
// than one non-terminal instance at a time.
func (s *Scheduler) rescheduleRecurring(ctx context.Context, g Config) {
	if g.Schedule == "" {
		return
	}
	if err := s.seedScheduledInstance(ctx, g); err != nil {
		s.log.Error().Err(err).Str("goal", g.ID).Msg("failed to schedule next recurring instance")
	}
}

// renderPayloadTemplate renders a bus_event step's payload template
// against the full step context. A template that resolves to a non-string
// (a whole-string reference to a map or list) is re-serialized so the
// executor always receives a JSON-parsable string.
func renderPayloadTemplate(tmpl string, tmplCtx map[string]interface{}) string {
	rendered := template.Render(tmpl, tmplCtx)
	if s, ok := rendered.(string); ok {
		return s
	}
	b, err := json.Marshal(rendered)
	if err != nil {
		return tmpl
	}
	return string(b)
}

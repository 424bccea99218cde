// Package pluginmanager composes plugin discovery, bus subscription,
// dispatch, sandboxed execution, and health tracking into one service.
package pluginmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/breaker"
	"github.com/tkenaz/titan/internal/eventbus"
	"github.com/tkenaz/titan/internal/logging"
	"github.com/tkenaz/titan/internal/matchtrigger"
	"github.com/tkenaz/titan/internal/metrics"
	"github.com/tkenaz/titan/internal/sandbox"
)

// Config tunes the manager's worker pool and plugin directory, loaded
// from the composed service config (see internal/config).
type Config struct {
	PluginsDir    string
	TaskQueueSize int
	Workers       int
}

// pluginEntry pairs a loaded plugin's manifest with its on-disk directory.
type pluginEntry struct {
	config sandbox.Config
	dir    string
}

// status tracks one plugin's recent invocation outcome, surfaced via
// GET /plugins and GET /plugins/{name}.
type status struct {
	LastRun   time.Time
	LastError string
	Count     int
	Errors    int
}

// pluginExecTopic carries execute requests in and result events out for
// the scheduler's plugin steps.
const pluginExecTopic = "plugin.v1"

// task is one queued dispatch: a plugin name and the event that matched
// it. correlationID is set only for bus-driven execute requests, whose
// outcome is published back as a result event.
type task struct {
	plugin        string
	event         eventbus.Event
	correlationID string
}

// Manager composes discovery, subscription, dispatch, isolation, and
// health for the titan-core plugin subsystem.
type Manager struct {
	cfg      Config
	bus      *eventbus.Bus
	executor *sandbox.Executor
	breaker  *breaker.Breaker
	watchdog *sandbox.Watchdog
	log      zerolog.Logger

	mu      sync.RWMutex
	plugins map[string]pluginEntry
	status  map[string]*status

	queue   chan task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sighup chan os.Signal
}

// New builds a Manager. bus must not yet be Start()ed — the manager
// subscribes its dispatcher before the caller starts the bus.
func New(cfg Config, bus *eventbus.Bus, executor *sandbox.Executor, br *breaker.Breaker, wd *sandbox.Watchdog) *Manager {
	if cfg.TaskQueueSize <= 0 {
		cfg.TaskQueueSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		executor: executor,
		breaker:  br,
		watchdog: wd,
		log:      logging.Component("pluginmanager"),
		plugins:  make(map[string]pluginEntry),
		status:   make(map[string]*status),
		queue:    make(chan task, cfg.TaskQueueSize),
	}
}

// Start discovers plugins, initializes the breaker's health set, starts
// the watchdog, subscribes one dispatcher per declared trigger topic,
// and launches the worker pool. Call before bus.Start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	names, err := m.reload()
	if err != nil {
		return fmt.Errorf("initial plugin discovery: %w", err)
	}
	if err := m.breaker.Initialize(ctx, names); err != nil {
		return fmt.Errorf("initialize breaker: %w", err)
	}

	m.watchdog.Start(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.subscribeTopics()
	m.bus.Subscribe(pluginExecTopic, m.handleExecuteRequest)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, fmt.Sprintf("worker-%d", i))
	}

	m.sighup = make(chan os.Signal, 1)
	signal.Notify(m.sighup, syscall.SIGHUP)
	m.wg.Add(1)
	go m.signalLoop(runCtx)

	m.log.Info().Int("plugins", len(names)).Int("workers", m.cfg.Workers).Msg("plugin manager started")
	return nil
}

// Stop cancels the worker pool and watchdog and waits for drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if m.sighup != nil {
		signal.Stop(m.sighup)
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.watchdog.Stop()
	m.log.Info().Msg("plugin manager stopped")
}

func (m *Manager) signalLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.sighup:
			m.log.Info().Msg("received SIGHUP, reloading plugins")
			if _, err := m.reload(); err != nil {
				m.log.Error().Err(err).Msg("hot reload failed")
			}
		}
	}
}

// reload re-scans the plugin directory, swaps in the new set, and
// returns the list of currently loaded plugin names.
func (m *Manager) reload() ([]string, error) {
	found, err := discoverPlugins(m.cfg.PluginsDir, m.log)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for name := range m.plugins {
		if _, ok := found[name]; !ok {
			delete(m.plugins, name)
			m.log.Info().Str("plugin", name).Msg("removing plugin no longer on disk")
		}
	}
	for name, entry := range found {
		m.plugins[name] = entry
		if _, ok := m.status[name]; !ok {
			m.status[name] = &status{}
		}
	}
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.Unlock()

	return names, nil
}

// subscribeTopics registers one bus handler per distinct topic any
// loaded plugin declares a trigger on.
func (m *Manager) subscribeTopics() {
	m.mu.RLock()
	topics := make(map[string]bool)
	for _, entry := range m.plugins {
		for _, trig := range entry.config.Triggers {
			topics[trig.Topic] = true
		}
	}
	m.mu.RUnlock()

	for topic := range topics {
		m.bus.Subscribe(topic, m.dispatch)
	}
}

// dispatch is the bus handler invoked per delivered event: it matches
// the event against every loaded plugin's triggers and enqueues a task
// for each match. It never itself blocks on sandbox execution.
func (m *Manager) dispatch(ctx context.Context, ev eventbus.Event) error {
	m.mu.RLock()
	var matched []string
	for name, entry := range m.plugins {
		triggers := make([]matchtrigger.Trigger, len(entry.config.Triggers))
		for i, t := range entry.config.Triggers {
			triggers[i] = matchtrigger.Trigger{Topic: t.Topic, EventType: t.EventType, Filter: t.Filter}
		}
		if matchtrigger.AnyMatches(triggers, ev.Topic, ev.EventType, ev.Payload) {
			matched = append(matched, name)
		}
	}
	m.mu.RUnlock()

	var dropped bool
	for _, name := range matched {
		if !m.enqueue(task{plugin: name, event: ev}) {
			dropped = true
		}
	}
	if dropped {
		// Failing the handler leaves the substrate delivery pending, so
		// redelivery re-queues the dropped dispatch once there is room.
		return apperrors.Internal(fmt.Sprintf("task queue full for event %s", ev.EventID))
	}
	return nil
}

func (m *Manager) enqueue(t task) bool {
	select {
	case m.queue <- t:
		metrics.PluginQueueDepth.WithLabelValues("default").Set(float64(len(m.queue)))
		return true
	default:
		m.log.Error().Str("plugin", t.plugin).Str("event_id", t.event.EventID).Msg("task queue full, dropping dispatch")
		return false
	}
}

// handleExecuteRequest serves the scheduler's plugin steps: an execute
// event names a plugin and carries a correlation_id; the matching
// result event is published after the sandbox run completes.
func (m *Manager) handleExecuteRequest(ctx context.Context, ev eventbus.Event) error {
	if ev.EventType != "execute" {
		return nil
	}
	name, _ := ev.Payload["plugin"].(string)
	correlationID, _ := ev.Payload["correlation_id"].(string)
	if name == "" || correlationID == "" {
		m.log.Warn().Str("event_id", ev.EventID).Msg("malformed execute request, ignoring")
		return nil
	}

	m.mu.RLock()
	_, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		m.publishResult(ctx, correlationID, nil, fmt.Sprintf("plugin %q not found", name))
		return nil
	}

	if !m.enqueue(task{plugin: name, event: ev, correlationID: correlationID}) {
		return apperrors.Internal(fmt.Sprintf("task queue full for execute request %s", correlationID))
	}
	return nil
}

// publishResult emits the result event a pending execute correlation is
// waiting on. result is nil on failure, errMsg empty on success.
func (m *Manager) publishResult(ctx context.Context, correlationID string, result map[string]interface{}, errMsg string) {
	payload := map[string]interface{}{
		"correlation_id": correlationID,
		"success":        errMsg == "",
	}
	if errMsg != "" {
		payload["error"] = errMsg
	} else {
		payload["result"] = result
	}
	if _, err := m.bus.Publish(ctx, pluginExecTopic, "result", payload, eventbus.PriorityHigh, ""); err != nil {
		m.log.Error().Err(err).Str("correlation_id", correlationID).Msg("failed to publish plugin result")
	}
}

func (m *Manager) worker(ctx context.Context, name string) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			m.runTask(ctx, t)
		}
	}
}

func (m *Manager) runTask(ctx context.Context, t task) {
	m.mu.RLock()
	entry, ok := m.plugins[t.plugin]
	m.mu.RUnlock()
	if !ok {
		if t.correlationID != "" {
			m.publishResult(ctx, t.correlationID, nil, fmt.Sprintf("plugin %q not found", t.plugin))
		}
		return
	}

	if !m.breaker.IsHealthy(t.plugin) {
		reason := fmt.Sprintf("plugin %s is disabled by circuit breaker", t.plugin)
		m.log.Warn().Str("plugin", t.plugin).Str("event_id", t.event.EventID).Msg("rejecting dispatch, plugin disabled")
		m.mu.Lock()
		if st := m.status[t.plugin]; st != nil {
			st.LastError = reason
		}
		m.mu.Unlock()
		if t.correlationID != "" {
			m.publishResult(ctx, t.correlationID, nil, reason)
		}
		return
	}

	// A correlated execute request hands the plugin the step's rendered
	// params as its payload, not the execute envelope around them.
	execEvent := t.event
	if t.correlationID != "" {
		if params, ok := t.event.Payload["params"].(map[string]interface{}); ok {
			execEvent.Payload = params
		}
	}

	start := time.Now()
	result, err := m.executor.Execute(ctx, entry.config, entry.dir, sandbox.Task{Event: execEvent})
	metrics.SandboxExecutionDuration.WithLabelValues(t.plugin).Observe(time.Since(start).Seconds())

	m.mu.Lock()
	st := m.status[t.plugin]
	if st == nil {
		st = &status{}
		m.status[t.plugin] = st
	}
	st.LastRun = time.Now()
	st.Count++
	m.mu.Unlock()

	if err != nil || !result.Success {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("exit code %d: %s", result.ExitCode, result.Error)
		}
		m.mu.Lock()
		st.Errors++
		st.LastError = cause.Error()
		m.mu.Unlock()
		m.breaker.RecordFailure(ctx, t.plugin, cause, t.event.EventType)
		m.log.Error().Str("plugin", t.plugin).Str("event_id", t.event.EventID).Err(cause).Msg("plugin execution failed")
		if t.correlationID != "" {
			m.publishResult(ctx, t.correlationID, nil, cause.Error())
		}
		return
	}

	m.mu.Lock()
	st.LastError = ""
	m.mu.Unlock()
	m.breaker.RecordSuccess(ctx, t.plugin)
	m.log.Info().Str("plugin", t.plugin).Str("event_id", t.event.EventID).Msg("plugin execution succeeded")
	if t.correlationID != "" {
		m.publishResult(ctx, t.correlationID, resultPayload(result), "")
	}
}

// resultPayload shapes a sandbox result for the result event: a plugin
// that prints a JSON object has it passed through verbatim, anything
// else is wrapped under "stdout".
func resultPayload(result sandbox.Result) map[string]interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(result.Stdout), &decoded); err == nil {
		return decoded
	}
	return map[string]interface{}{"stdout": result.Stdout, "exit_code": result.ExitCode}
}

// TriggerManually runs a plugin synchronously against caller-supplied
// event data, bypassing the dispatch queue and breaker check.
func (m *Manager) TriggerManually(ctx context.Context, name string, eventData map[string]interface{}) (sandbox.Result, error) {
	m.mu.RLock()
	entry, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return sandbox.Result{}, apperrors.NotFound(fmt.Sprintf("plugin %q", name))
	}

	ev, err := eventbus.NewEvent("manual.v1", "manual_trigger", eventData, eventbus.PriorityHigh, "")
	if err != nil {
		return sandbox.Result{}, err
	}
	return m.executor.Execute(ctx, entry.config, entry.dir, sandbox.Task{Event: *ev})
}

// PluginSummary is one entry in the GET /plugins listing.
type PluginSummary struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Health  breaker.Health `json:"health"`
}

// List returns a summary of every loaded plugin's config and health.
func (m *Manager) List() []PluginSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PluginSummary, 0, len(m.plugins))
	for name, entry := range m.plugins {
		h, _ := m.breaker.Health(name)
		metrics.PluginHealthState.WithLabelValues(name).Set(metrics.HealthStateValue(string(h.State)))
		out = append(out, PluginSummary{Name: entry.config.Name, Version: entry.config.Version, Health: h})
	}
	return out
}

// Get returns one plugin's config and health detail.
func (m *Manager) Get(name string) (sandbox.Config, breaker.Health, bool) {
	m.mu.RLock()
	entry, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return sandbox.Config{}, breaker.Health{}, false
	}
	h, _ := m.breaker.Health(name)
	return entry.config, h, true
}

// Reset forces a plugin back to ACTIVE.
func (m *Manager) Reset(ctx context.Context, name string) error {
	if _, _, ok := m.Get(name); !ok {
		return apperrors.NotFound(fmt.Sprintf("plugin %q", name))
	}
	return m.breaker.Reset(ctx, name)
}

// Pause pauses a plugin for d.
func (m *Manager) Pause(ctx context.Context, name string, d time.Duration) error {
	if _, _, ok := m.Get(name); !ok {
		return apperrors.NotFound(fmt.Sprintf("plugin %q", name))
	}
	return m.breaker.Pause(ctx, name, d)
}

// CleanupContainers reaps plugin containers: exited ones normally, or
// every plugin container regardless of state when force is set.
func (m *Manager) CleanupContainers(ctx context.Context, force bool) (int, error) {
	if force {
		return m.watchdog.ForceCleanupAll(ctx)
	}
	return m.watchdog.CleanupExited(ctx)
}

// ContainerStats reports current plugin container counts for the admin API.
func (m *Manager) ContainerStats(ctx context.Context) (sandbox.ContainerStats, error) {
	return m.watchdog.Stats(ctx)
}

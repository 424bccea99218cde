package goalscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventbus"
)

// pluginTopic is where execution requests are published and results
// are awaited, correlated by correlation_id.
const pluginTopic = "plugin.v1"

// StepExecutor dispatches one rendered goal step and returns its
// result payload.
type StepExecutor interface {
	Run(ctx context.Context, step Step, params map[string]interface{}) (map[string]interface{}, error)
}

type pluginOutcome struct {
	result map[string]interface{}
	err    error
}

// busExecutor is the sole StepExecutor: every plugin step round-trips
// through the bus rather than calling the Plugin Manager in-process.
type busExecutor struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	pending map[string]chan pluginOutcome
}

// NewBusExecutor builds a StepExecutor and subscribes it to plugin
// result events. Call before bus.Start.
func NewBusExecutor(bus *eventbus.Bus) StepExecutor {
	e := &busExecutor{bus: bus, pending: make(map[string]chan pluginOutcome)}
	bus.Subscribe(pluginTopic, e.handleResult)
	return e
}

func (e *busExecutor) Run(ctx context.Context, step Step, params map[string]interface{}) (map[string]interface{}, error) {
	switch step.Type {
	case StepPlugin:
		return e.runPlugin(ctx, step, params)
	case StepBusEvent:
		return e.runBusEvent(ctx, step, params)
	case StepInternal:
		return map[string]interface{}{
			"status":  "completed",
			"step_id": step.ID,
			"params":  params,
		}, nil
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func (e *busExecutor) runPlugin(ctx context.Context, step Step, params map[string]interface{}) (map[string]interface{}, error) {
	correlationID := uuid.NewString()
	ch := make(chan pluginOutcome, 1)

	e.mu.Lock()
	e.pending[correlationID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
	}()

	timeout := time.Duration(step.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	payload := map[string]interface{}{
		"plugin":         step.Plugin,
		"params":         params,
		"correlation_id": correlationID,
		"timeout":        step.TimeoutSec,
	}
	if _, err := e.bus.Publish(ctx, pluginTopic, "execute", payload, eventbus.PriorityMedium, ""); err != nil {
		return nil, apperrors.Publish(fmt.Sprintf("publish plugin execute for step %s: %v", step.ID, err))
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-time.After(timeout):
		return nil, apperrors.Timeout(fmt.Sprintf("step %s: plugin %s did not respond within %s", step.ID, step.Plugin, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *busExecutor) runBusEvent(ctx context.Context, step Step, params map[string]interface{}) (map[string]interface{}, error) {
	// The scheduler renders PayloadTemplate against the step context
	// before dispatch, so by here it is a plain string: a JSON document
	// becomes the payload, anything else is wrapped as a message.
	payload := params
	if step.PayloadTemplate != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(step.PayloadTemplate), &decoded); err == nil {
			payload = decoded
		} else {
			payload = map[string]interface{}{"message": step.PayloadTemplate}
		}
	}

	eventType := step.EventType
	if eventType == "" {
		eventType = "goal_step"
	}
	if _, err := e.bus.Publish(ctx, step.Topic, eventType, payload, eventbus.PriorityMedium, ""); err != nil {
		return nil, apperrors.Publish(fmt.Sprintf("publish bus_event for step %s: %v", step.ID, err))
	}

	return map[string]interface{}{
		"status":     "published",
		"topic":      step.Topic,
		"event_type": eventType,
		"payload":    payload,
	}, nil
}

// handleResult is the bus Handler that completes a pending plugin
// correlation. Results with no matching pending entry (already timed
// out and garbage-collected, or a stray event) are dropped silently.
func (e *busExecutor) handleResult(ctx context.Context, ev eventbus.Event) error {
	if ev.EventType != "result" {
		return nil
	}
	correlationID, _ := ev.Payload["correlation_id"].(string)
	if correlationID == "" {
		return nil
	}

	e.mu.Lock()
	ch, ok := e.pending[correlationID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	success, _ := ev.Payload["success"].(bool)
	out := pluginOutcome{}
	if success {
		if result, ok := ev.Payload["result"].(map[string]interface{}); ok {
			out.result = result
		} else {
			out.result = map[string]interface{}{}
		}
	} else {
		errMsg, _ := ev.Payload["error"].(string)
		out.err = apperrors.Sandbox(fmt.Sprintf("plugin execution failed: %s", errMsg))
	}

	select {
	case ch <- out:
	default:
	}
	return nil
}

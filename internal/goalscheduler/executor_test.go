package goalscheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tkenaz/titan/internal/eventbus"
)

// fakeSubstrate is a minimal in-memory eventbus.Substrate used to drive
// the bus executor without a live Redis instance.
type fakeSubstrate struct {
	mu   sync.Mutex
	last eventbus.RawMessage
}

func (f *fakeSubstrate) EnsureGroup(ctx context.Context, topic, group string) error { return nil }

func (f *fakeSubstrate) Append(ctx context.Context, topic string, maxlen int64, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = eventbus.RawMessage{ID: "1-0", Data: data}
	return "1-0", nil
}

func (f *fakeSubstrate) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]eventbus.RawMessage, error) {
	return nil, nil
}

func (f *fakeSubstrate) ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]eventbus.RawMessage, error) {
	return nil, nil
}

func (f *fakeSubstrate) Ack(ctx context.Context, topic, group string, ids ...string) error { return nil }

func (f *fakeSubstrate) Range(ctx context.Context, topic, from, to string, limit int64) ([]eventbus.RawMessage, error) {
	return nil, nil
}

func (f *fakeSubstrate) lastEvent(t *testing.T) eventbus.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var ev eventbus.Event
	if len(f.last.Data) == 0 {
		return ev // nothing published yet; polling callers try again
	}
	if err := json.Unmarshal(f.last.Data, &ev); err != nil {
		t.Fatalf("unmarshal published event: %v", err)
	}
	return ev
}

func newTestBus() (*eventbus.Bus, *fakeSubstrate) {
	sub := &fakeSubstrate{}
	bus := eventbus.New(eventbus.DefaultConfig(), sub)
	return bus, sub
}

func TestBusExecutor_PluginStep_ResolvesOnMatchingResult(t *testing.T) {
	bus, sub := newTestBus()
	exec := NewBusExecutor(bus)
	be := exec.(*busExecutor)

	step := Step{ID: "s1", Type: StepPlugin, Plugin: "echo", TimeoutSec: 2}

	resultCh := make(chan map[string]interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := exec.Run(context.Background(), step, map[string]interface{}{"x": 1})
		resultCh <- result
		errCh <- err
	}()

	// Wait for the publish to land, then pull the correlation_id the
	// executor generated, and reply as the plugin manager would.
	var ev eventbus.Event
	for i := 0; i < 50; i++ {
		ev = sub.lastEvent(t)
		if ev.Topic == pluginTopic && ev.EventType == "execute" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ev.EventType != "execute" {
		t.Fatalf("expected an execute event to be published, got %+v", ev)
	}
	correlationID, _ := ev.Payload["correlation_id"].(string)
	if correlationID == "" {
		t.Fatal("expected correlation_id in published payload")
	}

	resultEvent := eventbus.Event{
		Topic:     pluginTopic,
		EventType: "result",
		Payload: map[string]interface{}{
			"correlation_id": correlationID,
			"success":        true,
			"result":         map[string]interface{}{"status": "ok"},
		},
	}
	if err := be.handleResult(context.Background(), resultEvent); err != nil {
		t.Fatalf("handleResult: %v", err)
	}

	select {
	case result := <-resultCh:
		err := <-errCh
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if result["status"] != "ok" {
			t.Errorf("expected result status=ok, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to resolve")
	}
}

func TestBusExecutor_PluginStep_TimesOutWithoutResult(t *testing.T) {
	bus, _ := newTestBus()
	exec := NewBusExecutor(bus)

	step := Step{ID: "s1", Type: StepPlugin, Plugin: "echo", TimeoutSec: 1}
	_, err := exec.Run(context.Background(), step, nil)
	if err == nil {
		t.Fatal("expected timeout error when no plugin.result arrives")
	}
}

func TestBusExecutor_PluginStep_PropagatesFailure(t *testing.T) {
	bus, sub := newTestBus()
	exec := NewBusExecutor(bus)
	be := exec.(*busExecutor)

	step := Step{ID: "s1", Type: StepPlugin, Plugin: "echo", TimeoutSec: 2}

	resultErrCh := make(chan error, 1)
	go func() {
		_, err := exec.Run(context.Background(), step, nil)
		resultErrCh <- err
	}()

	var ev eventbus.Event
	for i := 0; i < 50; i++ {
		ev = sub.lastEvent(t)
		if ev.EventType == "execute" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	correlationID, _ := ev.Payload["correlation_id"].(string)

	be.handleResult(context.Background(), eventbus.Event{
		Topic:     pluginTopic,
		EventType: "result",
		Payload: map[string]interface{}{
			"correlation_id": correlationID,
			"success":        false,
			"error":          "plugin crashed",
		},
	})

	select {
	case err := <-resultErrCh:
		if err == nil {
			t.Fatal("expected an error from Run when plugin.result reports failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to resolve")
	}
}

func TestBusExecutor_InternalStep_ReturnsImmediately(t *testing.T) {
	bus, _ := newTestBus()
	exec := NewBusExecutor(bus)

	step := Step{ID: "s1", Type: StepInternal}
	result, err := exec.Run(context.Background(), step, map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["status"] != "completed" || result["step_id"] != "s1" {
		t.Errorf("unexpected internal step result: %+v", result)
	}
}

func TestBusExecutor_BusEventStep_PublishesAndReturns(t *testing.T) {
	bus, sub := newTestBus()
	exec := NewBusExecutor(bus)

	step := Step{ID: "s1", Type: StepBusEvent, Topic: "system.v1", EventType: "notice"}
	result, err := exec.Run(context.Background(), step, map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["status"] != "published" {
		t.Errorf("expected status=published, got %+v", result)
	}
	ev := sub.lastEvent(t)
	if ev.Topic != "system.v1" || ev.EventType != "notice" {
		t.Errorf("unexpected published event: %+v", ev)
	}
}

package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(streams ...StreamConfig) Config {
	return Config{
		ConsumerGroup:    "test-group",
		BatchSize:        10,
		BlockTimeoutMS:   50,
		MaxGlobalRate:    10000,
		DeadLetterStream: "errors.dlq",
		Streams:          streams,
	}
}

func waitOn(t *testing.T, ch <-chan string, timeout time.Duration) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

// TestBus_PriorityReorder covers the "priority re-order" scenario: five
// events published across three priority classes in one batch come out
// high-before-medium-before-low, stable within a class.
func TestBus_PriorityReorder(t *testing.T) {
	cfg := testConfig(StreamConfig{Name: "t.v1", MaxLen: 1000, RateLimit: 10000, RetryLimit: 3})
	fake := newFakeSubstrate()
	bus := New(cfg, fake)

	order := make(chan string, 5)
	bus.Subscribe("t.v1", func(ctx context.Context, ev Event) error {
		order <- ev.EventID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := make(map[string]string) // label -> event_id
	publish := func(label string, p Priority) {
		id, err := bus.Publish(ctx, "t.v1", "test."+label, map[string]interface{}{"label": label}, p, "")
		require.NoError(t, err)
		ids[label] = id
	}
	publish("E1", PriorityLow)
	publish("E2", PriorityHigh)
	publish("E3", PriorityLow)
	publish("E4", PriorityHigh)
	publish("E5", PriorityMedium)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop()

	want := []string{ids["E2"], ids["E4"], ids["E5"], ids["E1"], ids["E3"]}
	for _, id := range want {
		require.Equal(t, id, waitOn(t, order, 2*time.Second))
	}
}

// TestBus_RetryToDeadLetter covers the "retry to DLQ" scenario: a handler
// that always fails exhausts retry_limit and the event lands on the
// dead-letter stream, acked on its origin topic.
func TestBus_RetryToDeadLetter(t *testing.T) {
	cfg := testConfig(
		StreamConfig{Name: "retry.v1", MaxLen: 1000, RateLimit: 10000, RetryLimit: 2},
		StreamConfig{Name: "errors.dlq", MaxLen: 1000, RateLimit: 10000, RetryLimit: 0},
	)
	fake := newFakeSubstrate()
	bus := New(cfg, fake)

	var attempts int64
	bus.Subscribe("retry.v1", func(ctx context.Context, ev Event) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("handler always fails")
	})

	dlq := make(chan Event, 1)
	bus.Subscribe("errors.dlq", func(ctx context.Context, ev Event) error {
		dlq <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	xID, err := bus.Publish(ctx, "retry.v1", "test.X", map[string]interface{}{"k": "v"}, PriorityMedium, "")
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop()

	var dlqEvent Event
	select {
	case dlqEvent = <-dlq:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dead-lettered event")
	}

	require.Equal(t, int64(3), atomic.LoadInt64(&attempts))

	original, ok := dlqEvent.Payload["original_event"].(map[string]interface{})
	require.True(t, ok, "original_event payload should be a map")
	require.Equal(t, xID, original["event_id"])

	require.Zero(t, fake.pendingCount("retry.v1", "test-group"),
		"original event should be acked on its origin topic")
}

// TestBus_RedeliversPendingAfterRestart covers the crash/restart path:
// an event left unacked by a failing handler must be picked up again by
// a fresh Bus over the same substrate. This only works because the
// consumer name is stable per topic — a restarted process re-reads its
// own pending entries under the same identity.
func TestBus_RedeliversPendingAfterRestart(t *testing.T) {
	// RetryLimit is set high so the first phase cannot dead-letter the
	// event no matter how many times the failing handler is retried
	// before Stop.
	cfg := testConfig(StreamConfig{Name: "crash.v1", MaxLen: 1000, RateLimit: 10000, RetryLimit: 1000})
	fake := newFakeSubstrate()

	first := New(cfg, fake)
	failed := make(chan struct{}, 1)
	first.Subscribe("crash.v1", func(ctx context.Context, ev Event) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("handler fails before the crash")
	})

	ctx := context.Background()
	_, err := first.Publish(ctx, "crash.v1", "test.X", map[string]interface{}{"k": "v"}, PriorityMedium, "")
	require.NoError(t, err)

	require.NoError(t, first.Start(ctx))
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery attempt")
	}
	first.Stop()
	require.Equal(t, 1, fake.pendingCount("crash.v1", "test-group"),
		"unacked event should survive the first bus instance")

	second := New(cfg, fake)
	done := make(chan string, 1)
	second.Subscribe("crash.v1", func(ctx context.Context, ev Event) error {
		done <- ev.EventID
		return nil
	})
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted bus never redelivered the pending event")
	}
	require.Eventually(t, func() bool {
		return fake.pendingCount("crash.v1", "test-group") == 0
	}, 2*time.Second, 10*time.Millisecond, "redelivered event should be acked")
}

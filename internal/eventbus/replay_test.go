package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_Replay_OrderAndLimit(t *testing.T) {
	cfg := testConfig(StreamConfig{Name: "chat.v1", MaxLen: 1000, RateLimit: 10000, RetryLimit: 3})
	fake := newFakeSubstrate()
	bus := New(cfg, fake)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := bus.Publish(ctx, "chat.v1", "test.msg", map[string]interface{}{"i": i}, PriorityMedium, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := bus.Replay(ctx, "chat.v1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		require.Equal(t, ids[i], ev.EventID)
	}

	limited, err := bus.Replay(ctx, "chat.v1", time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, ids[0], limited[0].EventID)
	require.Equal(t, ids[1], limited[1].EventID)
}

func TestBus_Replay_TimeBounds(t *testing.T) {
	cfg := testConfig(StreamConfig{Name: "chat.v1", MaxLen: 1000, RateLimit: 10000, RetryLimit: 3})
	fake := newFakeSubstrate()
	bus := New(cfg, fake)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "chat.v1", "test.msg", nil, PriorityMedium, "")
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	out, err := bus.Replay(ctx, "chat.v1", future, time.Time{}, 0)
	require.NoError(t, err)
	require.Empty(t, out, "events timestamped before the lower bound must be excluded")
}

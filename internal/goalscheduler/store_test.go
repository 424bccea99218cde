package goalscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return newStore(client), mr
}

func pendingInstance(id, goalID string, due time.Time) *Instance {
	return &Instance{
		ID:          id,
		GoalID:      goalID,
		State:       StatePending,
		NextRunTS:   float64(due.Unix()),
		CreatedAt:   time.Now(),
		StepResults: map[string]interface{}{},
	}
}

func TestStore_SaveAndGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	inst := pendingInstance("g1_100_abc", "g1", time.Now())
	require.NoError(t, s.save(ctx, inst))

	got, err := s.get(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "g1", got.GoalID)
	require.Equal(t, StatePending, got.State)
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

// Only PENDING instances belong in the due-time queue: once an instance
// is marked IN_PROGRESS it must leave goal_queue, or the next loop tick
// would dispatch it a second time mid-run.
func TestStore_QueueMembershipFollowsState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	due := time.Now().Add(-time.Minute)

	inst := pendingInstance("g1_100_abc", "g1", due)
	require.NoError(t, s.save(ctx, inst))

	ready, err := s.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{inst.ID}, ready)

	require.NoError(t, s.updateState(ctx, inst.ID, StateInProgress, ""))
	ready, err = s.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Empty(t, ready, "in-progress instance must not be re-dispatched")

	require.NoError(t, s.updateState(ctx, inst.ID, StateSucceeded, ""))
	ready, err = s.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestStore_ReadyRespectsDueTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	past := pendingInstance("g1_1_aaa", "g1", time.Now().Add(-time.Hour))
	future := pendingInstance("g1_2_bbb", "g1", time.Now().Add(time.Hour))
	require.NoError(t, s.save(ctx, past))
	require.NoError(t, s.save(ctx, future))

	ready, err := s.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{past.ID}, ready)
}

func TestStore_UpdateStateStampsTimes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	inst := pendingInstance("g1_100_abc", "g1", time.Now())
	require.NoError(t, s.save(ctx, inst))

	require.NoError(t, s.updateState(ctx, inst.ID, StateInProgress, ""))
	require.NoError(t, s.updateState(ctx, inst.ID, StateFailed, "boom"))

	got, err := s.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, "boom", got.LastError)
	require.False(t, got.StartedAt.IsZero())
	require.False(t, got.CompletedAt.IsZero())
	require.False(t, got.CompletedAt.Before(got.StartedAt))
}

func TestStore_IncrementStepPersistsResultAndCursor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	inst := pendingInstance("g1_100_abc", "g1", time.Now())
	require.NoError(t, s.save(ctx, inst))

	result := map[string]interface{}{"status": "completed"}
	require.NoError(t, s.incrementStep(ctx, inst.ID, "noop", result))

	got, err := s.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentStep)
	require.Contains(t, got.StepResults, "noop")
}

func TestStore_ByGoalListsAllInstances(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.save(ctx, pendingInstance("g1_1_aaa", "g1", time.Now())))
	require.NoError(t, s.save(ctx, pendingInstance("g1_2_bbb", "g1", time.Now())))
	require.NoError(t, s.save(ctx, pendingInstance("g2_1_ccc", "g2", time.Now())))

	instances, err := s.byGoal(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, instances, 2)
}

func TestStore_TerminalInstanceGetsTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	inst := pendingInstance("g1_100_abc", "g1", time.Now())
	require.NoError(t, s.save(ctx, inst))
	require.Equal(t, time.Duration(0), mr.TTL(instanceKeyPrefix+inst.ID))

	require.NoError(t, s.updateState(ctx, inst.ID, StateSucceeded, ""))
	require.Equal(t, instanceTTL, mr.TTL(instanceKeyPrefix+inst.ID))
}

package goalscheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// stubExecutor is a StepExecutor with scripted outcomes, so scheduler
// tests exercise instance lifecycle without a bus or a plugin manager.
type stubExecutor struct {
	fail  bool
	calls int
}

func (f *stubExecutor) Run(ctx context.Context, step Step, params map[string]interface{}) (map[string]interface{}, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("step blew up")
	}
	return map[string]interface{}{
		"status":  "completed",
		"step_id": step.ID,
		"params":  params,
	}, nil
}

func newTestScheduler(t *testing.T, exec StepExecutor, goals ...Config) *Scheduler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := New(SchedulerConfig{LoopInterval: time.Second, MaxConcurrentGoals: 5}, nil, client, exec, zerolog.Nop())
	for _, g := range goals {
		g.applyDefaults()
		s.goals[g.ID] = g
	}
	return s
}

func internalGoal(id, schedule string) Config {
	return Config{
		ID:       id,
		Name:     id,
		Schedule: schedule,
		Steps: []Step{
			{ID: "noop", Type: StepInternal, Params: map[string]interface{}{"msg": "hi"}},
		},
		Retry:      RetryConfig{Attempts: 2, BackoffSec: 10},
		TimeoutSec: 30,
		Enabled:    true,
	}
}

func TestScheduler_RunNowHappyPath(t *testing.T) {
	exec := &stubExecutor{}
	s := newTestScheduler(t, exec, internalGoal("g1", "@every 60s"))
	ctx := context.Background()

	inst, err := s.RunNow(ctx, "g1", map[string]interface{}{"who": "tester"})
	require.NoError(t, err)
	require.Equal(t, StatePending, inst.State)
	require.True(t, strings.HasPrefix(inst.ID, "g1_"), "instance id should carry the goal id: %s", inst.ID)

	s.runInstance(ctx, inst.ID)

	got, err := s.store.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, got.State)
	require.Equal(t, 1, got.CurrentStep)
	require.Contains(t, got.StepResults, "noop")
	require.False(t, got.CompletedAt.Before(got.StartedAt))

	noop := got.StepResults["noop"].(map[string]interface{})
	params := noop["params"].(map[string]interface{})
	require.Equal(t, "hi", params["msg"])
}

// A periodic goal gets exactly one fresh PENDING instance after its
// current one reaches a terminal state, due roughly one interval out.
func TestScheduler_PeriodicGoalReschedulesAfterSuccess(t *testing.T) {
	exec := &stubExecutor{}
	s := newTestScheduler(t, exec, internalGoal("g1", "@every 60s"))
	ctx := context.Background()

	inst, err := s.RunNow(ctx, "g1", nil)
	require.NoError(t, err)
	s.runInstance(ctx, inst.ID)

	instances, err := s.store.byGoal(ctx, "g1")
	require.NoError(t, err)

	var pending []*Instance
	for _, i := range instances {
		if i.State == StatePending {
			pending = append(pending, i)
		}
	}
	require.Len(t, pending, 1, "exactly one non-terminal instance after the terminal one")

	next := time.Unix(int64(pending[0].NextRunTS), 0)
	require.WithinDuration(t, time.Now().Add(60*time.Second), next, 2*time.Second)
}

func TestScheduler_RetryWithBackoffThenFailed(t *testing.T) {
	exec := &stubExecutor{fail: true}
	goal := internalGoal("g2", "")
	goal.Triggers = []Trigger{{Topic: "fs.v1"}}
	s := newTestScheduler(t, exec, goal)
	ctx := context.Background()

	inst, err := s.RunNow(ctx, "g2", nil)
	require.NoError(t, err)

	// Attempt 1: fail_count 0 -> 1, rescheduled ~10s out.
	s.runInstance(ctx, inst.ID)
	got, err := s.store.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, got.State)
	require.Equal(t, 1, got.FailCount)
	require.NotEmpty(t, got.LastError)
	require.InDelta(t, float64(time.Now().Unix()+10), got.NextRunTS, 2)

	// Attempt 2: fail_count 1 -> 2, rescheduled ~20s out.
	s.runInstance(ctx, inst.ID)
	got, err = s.store.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, got.State)
	require.Equal(t, 2, got.FailCount)
	require.InDelta(t, float64(time.Now().Unix()+20), got.NextRunTS, 2)

	// Attempt 3: retries exhausted, terminal FAILED.
	s.runInstance(ctx, inst.ID)
	got, err = s.store.get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, 2, got.FailCount)
	require.NotEmpty(t, got.LastError)
	require.Equal(t, 3, exec.calls)
}

func TestScheduler_PauseRemovesFromQueueResumeRestores(t *testing.T) {
	exec := &stubExecutor{}
	s := newTestScheduler(t, exec, internalGoal("g1", "@every 60s"))
	ctx := context.Background()

	inst, err := s.RunNow(ctx, "g1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Pause(ctx, inst.ID))
	ready, err := s.store.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Empty(t, ready)

	require.NoError(t, s.Resume(ctx, inst.ID))
	ready, err = s.store.ready(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{inst.ID}, ready)
}

func TestScheduler_RunNowUnknownGoal(t *testing.T) {
	s := newTestScheduler(t, &stubExecutor{})
	_, err := s.RunNow(context.Background(), "ghost", nil)
	require.Error(t, err)
}

func TestScheduler_DispatchReadyRunsDueInstances(t *testing.T) {
	exec := &stubExecutor{}
	s := newTestScheduler(t, exec, internalGoal("g1", "@every 60s"))
	ctx := context.Background()

	inst, err := s.RunNow(ctx, "g1", nil)
	require.NoError(t, err)

	s.dispatchReady(ctx)
	require.Eventually(t, func() bool {
		got, err := s.store.get(ctx, inst.ID)
		return err == nil && got != nil && got.State == StateSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

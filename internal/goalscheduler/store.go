package goalscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tkenaz/titan/internal/apperrors"
)

const (
	instanceKeyPrefix = "goal:"
	instancesSetPfx   = "goal_instances:"
	queueKey          = "goal_queue"
	instanceTTL       = 7 * 24 * time.Hour
)

// store is the Redis-backed persistence layer for goal instances,
// mirroring the reference platform's hash-per-instance plus
// due-time sorted set layout.
type store struct {
	redis *redis.Client
}

func newStore(r *redis.Client) *store {
	return &store{redis: r}
}

// save writes instance to its hash, maintains goal_queue membership
// based on state, and indexes the instance under its goal.
func (s *store) save(ctx context.Context, inst *Instance) error {
	key := instanceKeyPrefix + inst.ID
	data, err := json.Marshal(inst)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("marshal goal instance %s: %v", inst.ID, err))
	}
	if err := s.redis.HSet(ctx, key, "data", data).Err(); err != nil {
		return apperrors.Unavailable(fmt.Sprintf("persist goal instance %s: %v", inst.ID, err))
	}

	// Only PENDING instances live in the due-time queue: an instance
	// picked up for execution leaves the queue the moment it is marked
	// IN_PROGRESS, so the next loop tick cannot dispatch it a second time.
	if inst.NextRunTS > 0 && inst.State == StatePending {
		if err := s.redis.ZAdd(ctx, queueKey, redis.Z{Score: inst.NextRunTS, Member: inst.ID}).Err(); err != nil {
			return apperrors.Unavailable(fmt.Sprintf("enqueue goal instance %s: %v", inst.ID, err))
		}
	} else {
		s.redis.ZRem(ctx, queueKey, inst.ID)
	}

	if err := s.redis.SAdd(ctx, instancesSetPfx+inst.GoalID, inst.ID).Err(); err != nil {
		return apperrors.Unavailable(fmt.Sprintf("index goal instance %s: %v", inst.ID, err))
	}

	if inst.State == StateSucceeded || inst.State == StateFailed {
		s.redis.Expire(ctx, key, instanceTTL)
	}
	return nil
}

// get loads one instance by ID, returning (nil, nil) if absent.
func (s *store) get(ctx context.Context, id string) (*Instance, error) {
	raw, err := s.redis.HGet(ctx, instanceKeyPrefix+id, "data").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("load goal instance %s: %v", id, err))
	}
	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("unmarshal goal instance %s: %v", id, err))
	}
	return &inst, nil
}

// byGoal returns every instance recorded for goalID, most recently
// started first.
func (s *store) byGoal(ctx context.Context, goalID string) ([]*Instance, error) {
	ids, err := s.redis.SMembers(ctx, instancesSetPfx+goalID).Result()
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("list instances for goal %s: %v", goalID, err))
	}
	instances := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.After(instances[j].StartedAt)
	})
	return instances, nil
}

// ready returns up to limit instance IDs whose next_run_ts has elapsed.
func (s *store) ready(ctx context.Context, limit int64, now time.Time) ([]string, error) {
	res, err := s.redis.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.Unix()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("query ready goal instances: %v", err))
	}
	return res, nil
}

// updateState loads, mutates, and persists an instance's terminal
// bookkeeping fields.
func (s *store) updateState(ctx context.Context, id string, state State, stepErr string) error {
	inst, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return apperrors.NotFound(fmt.Sprintf("goal instance %q", id))
	}
	inst.State = state
	if stepErr != "" {
		inst.LastError = stepErr
	}
	switch state {
	case StateInProgress:
		inst.StartedAt = time.Now()
	case StateSucceeded, StateFailed:
		inst.CompletedAt = time.Now()
	}
	return s.save(ctx, inst)
}

// incrementStep records a step's result and advances CurrentStep.
func (s *store) incrementStep(ctx context.Context, id string, stepID string, result interface{}) error {
	inst, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return apperrors.NotFound(fmt.Sprintf("goal instance %q", id))
	}
	if inst.StepResults == nil {
		inst.StepResults = make(map[string]interface{})
	}
	inst.StepResults[stepID] = result
	inst.CurrentStep++
	return s.save(ctx, inst)
}

package eventbus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RawMessage is one entry read back from the substrate: its
// substrate-assigned id and the raw bytes written at publish time.
type RawMessage struct {
	ID   string
	Data []byte
}

// Substrate is the narrow append-only-stream contract the bus is built
// against. The only production implementation is Redis Streams
// (redisSubstrate below); tests drive the bus against an in-memory fake
// implementing the same interface.
type Substrate interface {
	// EnsureGroup creates the consumer group for topic if absent,
	// positioned at the start of the stream ("0"), so entries published
	// before the group existed are delivered to it too.
	EnsureGroup(ctx context.Context, topic, group string) error

	// Append writes one record to topic, trimmed approximately to
	// maxlen, and returns the substrate-assigned id.
	Append(ctx context.Context, topic string, maxlen int64, data []byte) (string, error)

	// ReadGroup performs one blocking group-read for new entries.
	ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]RawMessage, error)

	// ReadPending returns up to count entries already delivered to
	// consumer but not yet acknowledged, without blocking. Used to
	// redeliver events left pending by a failed handler.
	ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]RawMessage, error)

	// Ack acknowledges one or more entries, releasing them from the
	// group's pending-entries list.
	Ack(ctx context.Context, topic, group string, ids ...string) error

	// Range reads entries between from and to (either may be "-"/"+"
	// for open-ended) in ascending id order, up to limit (0 = no limit).
	Range(ctx context.Context, topic, from, to string, limit int64) ([]RawMessage, error)
}

// redisSubstrate implements Substrate against Redis Streams.
type redisSubstrate struct {
	client *redis.Client
}

// NewRedisSubstrate builds a Substrate backed by the given Redis client.
func NewRedisSubstrate(client *redis.Client) Substrate {
	return &redisSubstrate{client: client}
}

func (s *redisSubstrate) EnsureGroup(ctx context.Context, topic, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	// redis returns "BUSYGROUP Consumer Group name already exists" when
	// the group is already present; that is not a failure for us.
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *redisSubstrate) Append(ctx context.Context, topic string, maxlen int64, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: topic,
		MaxLen: maxlen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}
	return s.client.XAdd(ctx, args).Result()
}

func (s *redisSubstrate) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]RawMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []RawMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			data, _ := msg.Values["data"].(string)
			out = append(out, RawMessage{ID: msg.ID, Data: []byte(data)})
		}
	}
	return out, nil
}

func (s *redisSubstrate) ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]RawMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, "0"},
		Count:    count,
		NoAck:    false,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []RawMessage
	for _, stream := range res {
		for _, msg := range stream.Messages {
			data, _ := msg.Values["data"].(string)
			out = append(out, RawMessage{ID: msg.ID, Data: []byte(data)})
		}
	}
	return out, nil
}

func (s *redisSubstrate) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, topic, group, ids...).Err()
}

func (s *redisSubstrate) Range(ctx context.Context, topic, from, to string, limit int64) ([]RawMessage, error) {
	var (
		res []redis.XMessage
		err error
	)
	if limit > 0 {
		res, err = s.client.XRangeN(ctx, topic, from, to, limit).Result()
	} else {
		res, err = s.client.XRange(ctx, topic, from, to).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]RawMessage, 0, len(res))
	for _, msg := range res {
		data, _ := msg.Values["data"].(string)
		out = append(out, RawMessage{ID: msg.ID, Data: []byte(data)})
	}
	return out, nil
}

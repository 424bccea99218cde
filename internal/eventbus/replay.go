package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Replay streams events from topic in log order between from and to
// (either may be the zero time for an open end), stopping at limit (0
// for unbounded). It is idempotent and side-effect-free: it never acks,
// never mutates retry counts, and can be called concurrently with live
// consumption.
func (b *Bus) Replay(ctx context.Context, topic string, from, to time.Time, limit int) ([]Event, error) {
	fromID := "-"
	if !from.IsZero() {
		fromID = strconv.FormatInt(from.UnixMilli(), 10)
	}
	toID := "+"
	if !to.IsZero() {
		toID = strconv.FormatInt(to.UnixMilli(), 10)
	}

	raw, err := b.substrate.Range(ctx, topic, fromID, toID, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("replay range read on %s: %w", topic, err)
	}

	out := make([]Event, 0, len(raw))
	for _, m := range raw {
		ev, err := Unmarshal(m.Data)
		if err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Str("id", m.ID).Msg("replay: skipping unparsable entry")
			continue
		}
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

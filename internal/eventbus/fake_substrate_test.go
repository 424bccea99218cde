package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeSubstrate is an in-memory Substrate used to drive the bus in tests
// without a live Redis. It models just enough of Redis Streams semantics
// for the bus's own tests: monotonic ids, group-scoped delivery cursors,
// pending entries keyed per consumer (as Redis keys them — a consumer
// can only re-read its own pending entries), and ascending-order range
// reads.
type fakeSubstrate struct {
	mu        sync.Mutex
	seq       int64
	entries   map[string][]fakeEntry     // topic -> ordered entries
	delivered map[string]map[string]bool // topic/group -> id -> ever delivered via ReadGroup
	pending   map[string]map[string]bool // topic/group/consumer -> id -> currently unacked
	groups    map[string]bool
}

type fakeEntry struct {
	id   string
	data []byte
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		entries:   make(map[string][]fakeEntry),
		delivered: make(map[string]map[string]bool),
		pending:   make(map[string]map[string]bool),
		groups:    make(map[string]bool),
	}
}

func groupKey(topic, group string) string { return topic + "/" + group }

func consumerKey(topic, group, consumer string) string {
	return topic + "/" + group + "/" + consumer
}

func (f *fakeSubstrate) EnsureGroup(ctx context.Context, topic, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[groupKey(topic, group)] = true
	return nil
}

func (f *fakeSubstrate) Append(ctx context.Context, topic string, maxlen int64, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.entries[topic] = append(f.entries[topic], fakeEntry{id: id, data: data})
	if maxlen > 0 && int64(len(f.entries[topic])) > maxlen {
		excess := int64(len(f.entries[topic])) - maxlen
		f.entries[topic] = f.entries[topic][excess:]
	}
	return id, nil
}

func (f *fakeSubstrate) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]RawMessage, error) {
	f.mu.Lock()
	delivered := f.delivered[groupKey(topic, group)]
	if delivered == nil {
		delivered = make(map[string]bool)
		f.delivered[groupKey(topic, group)] = delivered
	}
	pending := f.pending[consumerKey(topic, group, consumer)]
	if pending == nil {
		pending = make(map[string]bool)
		f.pending[consumerKey(topic, group, consumer)] = pending
	}
	var out []RawMessage
	for _, e := range f.entries[topic] {
		if delivered[e.id] {
			continue
		}
		delivered[e.id] = true
		pending[e.id] = true
		out = append(out, RawMessage{ID: e.id, Data: e.data})
		if int64(len(out)) >= count {
			break
		}
	}
	f.mu.Unlock()

	if len(out) == 0 && block > 0 {
		// Emulate a short block so tests don't busy-spin forever; real
		// callers cancel via context well before this.
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
		}
	}
	return out, nil
}

func (f *fakeSubstrate) ReadPending(ctx context.Context, topic, group, consumer string, count int64) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Like XREADGROUP with an explicit start id of 0: only entries
	// pending for this exact consumer name are visible.
	pending := f.pending[consumerKey(topic, group, consumer)]
	var out []RawMessage
	for _, e := range f.entries[topic] {
		if !pending[e.id] {
			continue
		}
		out = append(out, RawMessage{ID: e.id, Data: e.data})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *fakeSubstrate) Ack(ctx context.Context, topic, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// XACK is group-scoped: it releases the entry no matter which
	// consumer currently holds it.
	prefix := groupKey(topic, group) + "/"
	for key, pending := range f.pending {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, id := range ids {
			delete(pending, id)
		}
	}
	return nil
}

// pendingCount reports how many entries remain unacked across every
// consumer of the group.
func (f *fakeSubstrate) pendingCount(topic, group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := groupKey(topic, group) + "/"
	n := 0
	for key, pending := range f.pending {
		if strings.HasPrefix(key, prefix) {
			n += len(pending)
		}
	}
	return n
}

func (f *fakeSubstrate) Range(ctx context.Context, topic, from, to string, limit int64) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RawMessage
	for _, e := range f.entries[topic] {
		out = append(out, RawMessage{ID: e.id, Data: e.data})
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tkenaz/titan/internal/apperrors"
)

// SnapshotMetadata is the header stored alongside a snapshot's events.
type SnapshotMetadata struct {
	SnapshotID string    `json:"snapshot_id"`
	Topic      string    `json:"topic"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// snapshotEntry is one (stream_msg_id, Event) pair as required by the
// data model.
type snapshotEntry struct {
	StreamMsgID string `json:"stream_msg_id"`
	Event       Event  `json:"event"`
}

type snapshotDocument struct {
	Metadata SnapshotMetadata `json:"metadata"`
	Events   []snapshotEntry  `json:"events"`
}

// SnapshotStore persists gzip-compressed snapshot documents to a file
// tree, one file per snapshot id. The id is derived from the topic and
// time window, so a second CreateSnapshot for the same topic and window
// replaces the earlier file; nothing else rewrites a written file.
type SnapshotStore struct {
	root string
}

// NewSnapshotStore builds a store rooted at dir, creating it if absent.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &SnapshotStore{root: dir}, nil
}

func snapshotID(topic string, start, end time.Time) string {
	return fmt.Sprintf("%s_%d_%d", topic, start.Unix(), end.Unix())
}

func (s *SnapshotStore) path(id string) string {
	return filepath.Join(s.root, id+".json.gz")
}

// CreateSnapshot range-reads topic between start and end, gzips a JSON
// document of {metadata, events[]}, and writes it under a deterministic
// id of the form "<topic>_<startUTC>_<endUTC>".
func (b *Bus) CreateSnapshot(ctx context.Context, store *SnapshotStore, topic string, start, end time.Time) (SnapshotMetadata, error) {
	fromID := "-"
	if !start.IsZero() {
		fromID = strconv.FormatInt(start.UnixMilli(), 10)
	}
	toID := "+"
	if !end.IsZero() {
		toID = strconv.FormatInt(end.UnixMilli(), 10)
	}

	raw, err := b.substrate.Range(ctx, topic, fromID, toID, 0)
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("snapshot range read on %s: %w", topic, err)
	}

	entries := make([]snapshotEntry, 0, len(raw))
	for _, m := range raw {
		ev, err := Unmarshal(m.Data)
		if err != nil {
			continue
		}
		entries = append(entries, snapshotEntry{StreamMsgID: m.ID, Event: ev})
	}

	id := snapshotID(topic, start, end)
	meta := SnapshotMetadata{
		SnapshotID: id,
		Topic:      topic,
		StartTime:  start,
		EndTime:    end,
		EventCount: len(entries),
		CreatedAt:  time.Now().UTC(),
	}
	doc := snapshotDocument{Metadata: meta, Events: entries}

	if err := store.write(id, doc); err != nil {
		return SnapshotMetadata{}, err
	}
	return meta, nil
}

func (s *SnapshotStore) write(id string, doc snapshotDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("marshal snapshot: %v", err))
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return fmt.Errorf("gzip snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	return os.WriteFile(s.path(id), buf.Bytes(), 0o644)
}

func (s *SnapshotStore) read(id string) (snapshotDocument, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return snapshotDocument{}, apperrors.NotFound(fmt.Sprintf("snapshot %s", id))
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return snapshotDocument{}, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gr.Close()

	body, err := io.ReadAll(gr)
	if err != nil {
		return snapshotDocument{}, fmt.Errorf("read gzip body: %w", err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return snapshotDocument{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return doc, nil
}

// ReplayFromSnapshot decompresses the named snapshot and re-publishes
// its events to targetTopic (defaulting to the snapshot's own topic).
// When speed is finite and positive, the inter-event delay equals
// (event.timestamp - prev.timestamp) / speed; speed <= 0 replays as
// fast as possible.
func (b *Bus) ReplayFromSnapshot(ctx context.Context, store *SnapshotStore, snapshotID, targetTopic string, speed float64) error {
	doc, err := store.read(snapshotID)
	if err != nil {
		return err
	}
	topic := targetTopic
	if topic == "" {
		topic = doc.Metadata.Topic
	}
	sc, ok := b.cfg.StreamConfigFor(topic)
	if !ok {
		return apperrors.Validation(fmt.Sprintf("replay target topic %q is not configured", topic))
	}

	var prevTS time.Time
	for i, entry := range doc.Events {
		if i > 0 && speed > 0 {
			delay := entry.Event.Timestamp.Sub(prevTS)
			if delay > 0 {
				scaled := time.Duration(float64(delay) / speed)
				select {
				case <-time.After(scaled):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err := b.appendEvent(ctx, sc, entry.Event); err != nil {
			return fmt.Errorf("replay snapshot %s: %w", snapshotID, err)
		}
		prevTS = entry.Event.Timestamp
	}
	return nil
}

// Cleanup deletes snapshot files older than the given age cutoff,
// measured from created_at, returning the number removed.
func (store *SnapshotStore) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(store.root)
	if err != nil {
		return 0, fmt.Errorf("read snapshot root: %w", err)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := fileIDFromName(e.Name())
		doc, err := store.read(id)
		var createdAt time.Time
		if err == nil {
			createdAt = doc.Metadata.CreatedAt
		} else {
			createdAt = info.ModTime()
		}
		if createdAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(store.root, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func fileIDFromName(name string) string {
	const suffix = ".json.gz"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

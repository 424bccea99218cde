// Package eventbus implements the titan-core durable event bus: publish,
// priority-ordered consumption with retry and dead-lettering, time-range
// replay, and gzip snapshot/restore.
package eventbus

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/tkenaz/titan/internal/apperrors"
	"github.com/tkenaz/titan/internal/eventid"
)

// Priority is one of the three delivery-priority classes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// priorityWeight returns the stable-sort weight for a priority class;
// higher sorts first.
func priorityWeight(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// MaxPayloadBytes is the serialized-payload size ceiling (32 KiB).
const MaxPayloadBytes = 32 * 1024

// SchemaVersion is the current Event schema version.
const SchemaVersion = 1

var topicPattern = regexp.MustCompile(`^.+\.v\d+$`)

// Meta carries delivery metadata that is distinct from the event's
// immutable content.
type Meta struct {
	Priority Priority `json:"priority"`
	Retries  int      `json:"retries"`
	TraceID  string   `json:"trace_id,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Event is the unit of communication on the bus.
//
// Once published, EventID, Topic, EventType, Timestamp, and Payload are
// immutable. Only Meta.Retries ever changes, and only by producing a new
// Event with the count incremented — never by mutating a delivered one.
type Event struct {
	EventID       string                 `json:"event_id"`
	SchemaVersion int                    `json:"schema_version"`
	Topic         string                 `json:"topic"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"`
	Meta          Meta                   `json:"meta"`
}

// ValidateTopic reports whether a topic name matches the required
// "<name>.v<N>" form.
func ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return apperrors.Validation(fmt.Sprintf("topic %q must match <name>.v<N>", topic))
	}
	return nil
}

// normalizePriority reports whether p is one of the three recognized
// values, defaulting the empty string to medium.
func normalizePriority(p Priority) (Priority, error) {
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", apperrors.Validation(fmt.Sprintf("priority %q must be one of high|medium|low", p))
	}
}

// NewEvent constructs and validates a new Event ready for publish.
func NewEvent(topic, eventType string, payload map[string]interface{}, priority Priority, traceID string) (*Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, apperrors.Validation("event_type must not be empty")
	}
	prio, err := normalizePriority(priority)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ev := &Event{
		EventID:       eventid.New(),
		SchemaVersion: SchemaVersion,
		Topic:         topic,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Meta: Meta{
			Priority: prio,
			Retries:  0,
			TraceID:  traceID,
		},
	}
	if err := ValidatePayloadSize(ev.Payload); err != nil {
		return nil, err
	}
	return ev, nil
}

// ValidatePayloadSize reports a Validation error if the serialized form
// of payload exceeds MaxPayloadBytes.
func ValidatePayloadSize(payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("payload not serializable: %v", err))
	}
	if len(b) > MaxPayloadBytes {
		return apperrors.Validation(fmt.Sprintf("payload %d bytes exceeds %d byte limit", len(b), MaxPayloadBytes))
	}
	return nil
}

// Marshal serializes the event to JSON bytes for substrate storage.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a raw JSON value produced by Marshal.
func Unmarshal(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Package matchtrigger implements the one trigger-matching rule shared
// by the Plugin Manager's dispatcher and the Goal Scheduler's
// event-triggered goals, so the two subsystems can never silently drift
// apart on what "matches" means.
package matchtrigger

// Trigger is the minimal shape both callers' trigger types satisfy:
// a topic, an optional event_type, and an optional payload filter.
type Trigger struct {
	Topic     string
	EventType string
	Filter    map[string]interface{}
}

// Matches reports whether trigger fires for an event on topic/eventType
// with the given payload.
//
// A trigger matches when: its Topic equals the event's topic, AND
// either its EventType is empty or equals the event's event_type, AND
// every key in Filter is present in payload with an equal value. An
// empty Filter always matches.
func Matches(trigger Trigger, topic, eventType string, payload map[string]interface{}) bool {
	if trigger.Topic != topic {
		return false
	}
	if trigger.EventType != "" && trigger.EventType != eventType {
		return false
	}
	for k, want := range trigger.Filter {
		got, ok := payload[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// AnyMatches reports whether any trigger in the set matches.
func AnyMatches(triggers []Trigger, topic, eventType string, payload map[string]interface{}) bool {
	for _, t := range triggers {
		if Matches(t, topic, eventType, payload) {
			return true
		}
	}
	return false
}

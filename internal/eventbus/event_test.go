package eventbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	require.NoError(t, ValidateTopic("chat.v1"))
	require.NoError(t, ValidateTopic("plugin.v12"))
	require.Error(t, ValidateTopic("chat"))
	require.Error(t, ValidateTopic("chat.v"))
	require.Error(t, ValidateTopic(""))
}

func TestNewEvent_DefaultsPriorityToMedium(t *testing.T) {
	ev, err := NewEvent("chat.v1", "message.sent", map[string]interface{}{"a": 1}, "", "trace-1")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, ev.Meta.Priority)
	assert.Equal(t, 0, ev.Meta.Retries)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, SchemaVersion, ev.SchemaVersion)
}

func TestNewEvent_RejectsBadTopicAndPriority(t *testing.T) {
	_, err := NewEvent("bad-topic", "x", nil, PriorityLow, "")
	require.Error(t, err)

	_, err = NewEvent("chat.v1", "x", nil, Priority("urgent"), "")
	require.Error(t, err)

	_, err = NewEvent("chat.v1", "", nil, PriorityLow, "")
	require.Error(t, err)
}

func TestNewEvent_PayloadSizeLimit(t *testing.T) {
	small := map[string]interface{}{"k": strings.Repeat("a", 100)}
	_, err := NewEvent("chat.v1", "x", small, PriorityLow, "")
	require.NoError(t, err)

	big := map[string]interface{}{"k": strings.Repeat("a", MaxPayloadBytes)}
	_, err = NewEvent("chat.v1", "x", big, PriorityLow, "")
	require.Error(t, err)
}

// The size limit is exact: a payload serializing to precisely 32 KiB is
// accepted, one byte more is rejected. {"data":"<s>"} serializes to
// len(s)+11 bytes.
func TestNewEvent_PayloadSizeBoundary(t *testing.T) {
	const overhead = len(`{"data":""}`)

	exact := map[string]interface{}{"data": strings.Repeat("a", MaxPayloadBytes-overhead)}
	require.NoError(t, ValidatePayloadSize(exact))

	over := map[string]interface{}{"data": strings.Repeat("a", MaxPayloadBytes-overhead+1)}
	require.Error(t, ValidatePayloadSize(over))
}

func TestEvent_MarshalUnmarshalRoundTrip(t *testing.T) {
	ev, err := NewEvent("chat.v1", "message.sent", map[string]interface{}{"text": "hi"}, PriorityHigh, "trace-9")
	require.NoError(t, err)

	data, err := ev.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, ev.Topic, got.Topic)
	assert.Equal(t, ev.Meta.Priority, got.Meta.Priority)
	assert.Equal(t, ev.Meta.TraceID, got.Meta.TraceID)
	assert.Equal(t, "hi", got.Payload["text"])
}

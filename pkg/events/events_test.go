package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentClassification(t *testing.T) {
	assert.True(t, Persistent("metadata"))
	assert.True(t, Persistent("values"))
	assert.True(t, Persistent("updates"))
	assert.True(t, Persistent("error"))
	assert.True(t, Persistent("end"))

	assert.False(t, Persistent("messages"))
	assert.False(t, Persistent("messages|agent:step"))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal("end"))
	assert.False(t, Terminal("error"))
	assert.False(t, Terminal("values"))
}

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "run:abc-123", RunChannel("abc-123"))
}

func TestEncodeNotifyRoundTrip(t *testing.T) {
	frame := Frame{
		ID:    42,
		RunID: "run-1",
		Event: "values",
		Data:  json.RawMessage(`{"messages":[{"type":"ai","content":"hi"}]}`),
	}

	payload, err := encodeNotify(frame)
	require.NoError(t, err)

	decoded, truncated, err := decodeNotify([]byte(payload))
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, frame.ID, decoded.ID)
	assert.Equal(t, frame.RunID, decoded.RunID)
	assert.Equal(t, frame.Event, decoded.Event)
	assert.JSONEq(t, string(frame.Data), string(decoded.Data))
}

func TestEncodeNotifyTruncatesOversizedPayloads(t *testing.T) {
	big := strings.Repeat("x", 9000)
	frame := Frame{
		ID:    7,
		RunID: "run-1",
		Event: "values",
		Data:  json.RawMessage(`{"blob":"` + big + `"}`),
	}

	payload, err := encodeNotify(frame)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxNotifyPayload,
		"truncated payload must fit under the NOTIFY limit")

	decoded, truncated, err := decodeNotify([]byte(payload))
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, int64(7), decoded.ID)
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, "values", decoded.Event)
	assert.Empty(t, decoded.Data, "truncated envelope carries routing fields only")
}

func TestDecodeNotifyRejectsGarbage(t *testing.T) {
	_, _, err := decodeNotify([]byte("not json"))
	assert.Error(t, err)
}

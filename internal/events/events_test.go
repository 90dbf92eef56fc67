package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(sessionID, content string, isUser bool) *Event {
	return &Event{
		Type:      TypeMessage,
		ClientID:  "c1",
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   MessagePayload{Content: content, IsUser: isUser},
	}
}

func TestCanMerge(t *testing.T) {
	base := msg("s1", "a", false)

	tests := []struct {
		name string
		a, b *Event
		want bool
	}{
		{"same session agent chunks", base, msg("s1", "b", false), true},
		{"thinking chunks", &Event{Type: TypeThinking, SessionID: "s1", Payload: MessagePayload{Content: "a"}},
			&Event{Type: TypeThinking, SessionID: "s1", Payload: MessagePayload{Content: "b"}}, true},
		{"different sessions", base, msg("s2", "b", false), false},
		{"isUser mismatch", base, msg("s1", "b", true), false},
		{"message vs thinking", base, &Event{Type: TypeThinking, SessionID: "s1", Payload: MessagePayload{Content: "b"}}, false},
		{"non-streamable type", base, &Event{Type: TypeComplete, SessionID: "s1", Payload: CompletePayload{}}, false},
		{"nil", base, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanMerge(tt.a, tt.b))
		})
	}
}

func TestMergeConcatenatesAndAdvancesTimestamp(t *testing.T) {
	a := msg("s1", "Hello, ", false)
	b := msg("s1", "world!", false)
	b.Timestamp = a.Timestamp.Add(time.Second)

	require.True(t, CanMerge(a, b))
	Merge(a, b)

	assert.Equal(t, "Hello, world!", a.Payload.(MessagePayload).Content)
	assert.Equal(t, b.Timestamp, a.Timestamp)
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := &Event{
		Type:      TypeToolUpdate,
		ClientID:  "c1",
		SessionID: "s1",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload: ToolUpdatePayload{
			ToolCallID: "tc-1",
			Status:     protocol.ToolStatusCompleted,
			Content:    []json.RawMessage{json.RawMessage(`{"exitStatus":{"exitCode":0},"output":"ok"}`)},
		},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeToolUpdate, got.Type)
	p := got.Payload.(ToolUpdatePayload)
	assert.Equal(t, "tc-1", p.ToolCallID)
	require.Len(t, p.Content, 1)
	assert.JSONEq(t, `{"exitStatus":{"exitCode":0},"output":"ok"}`, string(p.Content[0]))
}

func TestUnknownEventKeepsOriginalDiscriminator(t *testing.T) {
	ev := &Event{
		Type:      TypeUnknown,
		ClientID:  "c1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Payload:   UnknownPayload{RawType: "telemetry_blip", Raw: json.RawMessage(`{"n":2}`)},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var disk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &disk))
	assert.JSONEq(t, `"telemetry_blip"`, string(disk["type"]))

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeUnknown, got.Type)
	assert.Equal(t, "telemetry_blip", got.Payload.(UnknownPayload).RawType)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload.(UnknownPayload).Raw))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, (&Event{Type: TypeComplete}).IsTerminal())
	assert.True(t, (&Event{Type: TypeError}).IsTerminal())
	assert.False(t, (&Event{Type: TypeMessage}).IsTerminal())
}

package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notification(sessionID, update string) protocol.SessionNotification {
	return protocol.SessionNotification{
		SessionID: sessionID,
		Update:    json.RawMessage(update),
	}
}

func TestNormalizeVariantMapping(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		update string
		want   Type
	}{
		{`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}`, TypeThinking},
		{`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`, TypeMessage},
		{`{"sessionUpdate":"tool_call","toolCallId":"tc-1","title":"ls"}`, TypeToolCall},
		{`{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"completed"}`, TypeToolUpdate},
		{`{"sessionUpdate":"plan","entries":[{"content":"step 1"}]}`, TypePlan},
		{`{"sessionUpdate":"current_mode_update","currentModeId":"code"}`, TypeModeChange},
		{`{"sessionUpdate":"available_commands_update","availableCommands":[{"name":"test"}]}`, TypeCommandsUpdate},
		{`{"sessionUpdate":"usage_update","used":10,"size":200000}`, TypeUsageUpdate},
		{`{"sessionUpdate":"available_config_options_update","configOptions":[]}`, TypeConfigUpdate},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			ev, err := Normalize("c1", notification("s1", tt.update), now)
			require.NoError(t, err)
			require.NotNil(t, ev)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "c1", ev.ClientID)
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, now, ev.Timestamp)
		})
	}
}

func TestNormalizeMessageChunkPayload(t *testing.T) {
	ev, err := Normalize("c1",
		notification("s1", `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}`),
		time.Now())
	require.NoError(t, err)
	p := ev.Payload.(MessagePayload)
	assert.Equal(t, "hello", p.Content)
	assert.False(t, p.IsUser)
}

func TestNormalizeEmptyChunkDropped(t *testing.T) {
	ev, err := Normalize("c1",
		notification("s1", `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":""}}`),
		time.Now())
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalizeToolCallDefaultsToPending(t *testing.T) {
	ev, err := Normalize("c1",
		notification("s1", `{"sessionUpdate":"tool_call","toolCallId":"tc-1","title":"run tests","kind":"execute"}`),
		time.Now())
	require.NoError(t, err)
	p := ev.Payload.(ToolCallPayload)
	assert.Equal(t, "tc-1", p.ToolCallID)
	assert.Equal(t, protocol.ToolStatusPending, p.Status)
}

func TestNormalizeToolUpdatePreservesTerminalRecord(t *testing.T) {
	record := `{"type":"content","content":{"exitStatus":{"exitCode":1,"signal":null},"output":"boom","truncated":false,"durationMs":42}}`
	ev, err := Normalize("c1",
		notification("s1", fmt.Sprintf(
			`{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"failed","content":[%s]}`, record)),
		time.Now())
	require.NoError(t, err)
	p := ev.Payload.(ToolUpdatePayload)
	assert.Equal(t, protocol.ToolStatusFailed, p.Status)
	require.Len(t, p.Content, 1)
	assert.JSONEq(t, record, string(p.Content[0]))
}

func TestNormalizeUnknownVariantPassesThrough(t *testing.T) {
	raw := `{"sessionUpdate":"hologram_update","frames":3}`
	ev, err := Normalize("c1", notification("s1", raw), time.Now())
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, ev.Type)
	p := ev.Payload.(UnknownPayload)
	assert.Equal(t, "hologram_update", p.RawType)
	assert.JSONEq(t, raw, string(p.Raw))
}

func TestSyntheticEvents(t *testing.T) {
	now := time.Now().UTC()

	user := NewUserMessage("c1", "s1", "do it", now)
	assert.Equal(t, TypeMessage, user.Type)
	assert.True(t, user.Payload.(MessagePayload).IsUser)

	complete := NewComplete("c1", "s1", protocol.StopReasonCancelled, now)
	assert.Equal(t, TypeComplete, complete.Type)
	assert.Equal(t, protocol.StopReasonCancelled, complete.Payload.(CompletePayload).StopReason)

	errEv := NewError("c1", "s1", "TRANSPORT_ERROR", "child exited", now)
	assert.Equal(t, TypeError, errEv.Type)
	assert.Equal(t, "TRANSPORT_ERROR", errEv.Payload.(ErrorPayload).Code)
}

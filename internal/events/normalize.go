package events

import (
	"encoding/json"
	"time"

	"github.com/agentview/agentview/pkg/acp/protocol"
)

// Normalize converts a raw ACP session/update notification into a typed
// event. Variants the supervisor does not recognize come back as TypeUnknown
// with the raw JSON preserved; a nil event is returned only for updates that
// carry no content worth recording (e.g. an empty message chunk).
func Normalize(clientID string, n protocol.SessionNotification, now time.Time) (*Event, error) {
	kind, err := protocol.UpdateKind(n.Update)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ClientID:  clientID,
		SessionID: n.SessionID,
		Timestamp: now,
	}

	switch kind {
	case protocol.UpdateAgentMessageChunk, protocol.UpdateAgentThoughtChunk:
		var chunk protocol.MessageChunk
		if err := unmarshalUpdate(n.Update, &chunk); err != nil {
			return nil, err
		}
		if chunk.Content.Text == "" {
			return nil, nil
		}
		if kind == protocol.UpdateAgentThoughtChunk {
			ev.Type = TypeThinking
		} else {
			ev.Type = TypeMessage
		}
		ev.Payload = MessagePayload{Content: chunk.Content.Text}

	case protocol.UpdateToolCall:
		var tc protocol.ToolCall
		if err := unmarshalUpdate(n.Update, &tc); err != nil {
			return nil, err
		}
		status := tc.Status
		if status == "" {
			status = protocol.ToolStatusPending
		}
		ev.Type = TypeToolCall
		ev.Payload = ToolCallPayload{
			ToolCallID: tc.ToolCallID,
			Title:      tc.Title,
			Kind:       tc.Kind,
			Status:     status,
			RawInput:   tc.RawInput,
			Content:    tc.Content,
		}

	case protocol.UpdateToolCallUpdate:
		var tu protocol.ToolCallUpdate
		if err := unmarshalUpdate(n.Update, &tu); err != nil {
			return nil, err
		}
		p := ToolUpdatePayload{
			ToolCallID: tu.ToolCallID,
			RawOutput:  tu.RawOutput,
			Content:    tu.Content,
		}
		if tu.Title != nil {
			p.Title = *tu.Title
		}
		if tu.Kind != nil {
			p.Kind = *tu.Kind
		}
		if tu.Status != nil {
			p.Status = *tu.Status
		}
		ev.Type = TypeToolUpdate
		ev.Payload = p

	case protocol.UpdatePlan:
		var plan protocol.PlanUpdate
		if err := unmarshalUpdate(n.Update, &plan); err != nil {
			return nil, err
		}
		ev.Type = TypePlan
		ev.Payload = PlanPayload{Entries: plan.Entries}

	case protocol.UpdateCurrentModeUpdate:
		var mode protocol.CurrentModeUpdate
		if err := unmarshalUpdate(n.Update, &mode); err != nil {
			return nil, err
		}
		ev.Type = TypeModeChange
		ev.Payload = ModeChangePayload{ModeID: mode.CurrentModeID}

	case protocol.UpdateAvailableCommandsUpdate:
		var cmds protocol.AvailableCommandsUpdate
		if err := unmarshalUpdate(n.Update, &cmds); err != nil {
			return nil, err
		}
		ev.Type = TypeCommandsUpdate
		ev.Payload = CommandsPayload{Commands: cmds.AvailableCommands}

	case protocol.UpdateUsageUpdate:
		var usage protocol.UsageUpdate
		if err := unmarshalUpdate(n.Update, &usage); err != nil {
			return nil, err
		}
		ev.Type = TypeUsageUpdate
		ev.Payload = UsagePayload{
			Used:              usage.Used,
			Size:              usage.Size,
			InputTokens:       usage.InputTokens,
			OutputTokens:      usage.OutputTokens,
			TotalTokens:       usage.TotalTokens,
			CachedReadTokens:  usage.CachedReadTokens,
			CachedWriteTokens: usage.CachedWriteTokens,
			Cost:              usage.Cost,
		}

	case protocol.UpdateConfigOptionsUpdate:
		ev.Type = TypeConfigUpdate
		ev.Payload = ConfigUpdatePayload{Options: n.Update}

	default:
		ev.Type = TypeUnknown
		ev.Payload = UnknownPayload{RawType: kind, Raw: n.Update}
	}

	return ev, nil
}

func unmarshalUpdate(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// NewUserMessage builds the synthetic user message event emitted when a
// prompt is enqueued.
func NewUserMessage(clientID, sessionID, text string, now time.Time) *Event {
	return &Event{
		Type:      TypeMessage,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   MessagePayload{Content: text, IsUser: true},
	}
}

// NewComplete builds the synthetic completion event emitted when a prompt
// call returns.
func NewComplete(clientID, sessionID, stopReason string, now time.Time) *Event {
	return &Event{
		Type:      TypeComplete,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   CompletePayload{StopReason: stopReason},
	}
}

// NewError builds a session-scoped error event.
func NewError(clientID, sessionID, code, message string, now time.Time) *Event {
	return &Event{
		Type:      TypeError,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   ErrorPayload{Message: message, Code: code},
	}
}

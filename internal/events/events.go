// Package events defines the normalized event taxonomy for agent sessions.
// Events are a tagged union over the variants the supervisor understands;
// unrecognized ACP variants survive as pass-through blobs so the on-disk log
// stays forward-compatible.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentview/agentview/pkg/acp/protocol"
)

// Type identifies an event variant.
type Type string

// Event types.
const (
	TypeThinking       Type = "thinking"
	TypeMessage        Type = "message"
	TypeToolCall       Type = "tool-call"
	TypeToolUpdate     Type = "tool-update"
	TypePlan           Type = "plan"
	TypeModeChange     Type = "mode-change"
	TypeConfigUpdate   Type = "config-update"
	TypeUsageUpdate    Type = "usage-update"
	TypeCommandsUpdate Type = "commands-update"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
	TypeUnknown        Type = "unknown"
)

// Payload is the typed payload union marker.
type Payload interface {
	isPayload()
}

// MessagePayload carries streaming message or thinking chunks.
type MessagePayload struct {
	Content string `json:"content"`
	IsUser  bool   `json:"isUser,omitempty"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	ToolCallID string            `json:"toolCallId"`
	Title      string            `json:"title,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Status     string            `json:"status,omitempty"`
	RawInput   json.RawMessage   `json:"rawInput,omitempty"`
	Content    []json.RawMessage `json:"content,omitempty"`
}

// ToolUpdatePayload updates an earlier tool call. Content entries are kept
// raw so structured terminal-exit records reach consumers verbatim.
type ToolUpdatePayload struct {
	ToolCallID string            `json:"toolCallId"`
	Title      string            `json:"title,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Status     string            `json:"status,omitempty"`
	RawOutput  json.RawMessage   `json:"rawOutput,omitempty"`
	Content    []json.RawMessage `json:"content,omitempty"`
}

// PlanPayload replaces the agent's plan.
type PlanPayload struct {
	Entries []protocol.PlanEntry `json:"entries"`
}

// ModeChangePayload reports the session's current mode.
type ModeChangePayload struct {
	ModeID string `json:"modeId"`
}

// ConfigUpdatePayload passes agent config options through untyped.
type ConfigUpdatePayload struct {
	Options json.RawMessage `json:"options,omitempty"`
}

// UsagePayload reports context window and token usage.
type UsagePayload struct {
	Used              int64    `json:"used"`
	Size              int64    `json:"size"`
	InputTokens       *int64   `json:"inputTokens,omitempty"`
	OutputTokens      *int64   `json:"outputTokens,omitempty"`
	TotalTokens       *int64   `json:"totalTokens,omitempty"`
	CachedReadTokens  *int64   `json:"cachedReadTokens,omitempty"`
	CachedWriteTokens *int64   `json:"cachedWriteTokens,omitempty"`
	Cost              *float64 `json:"cost,omitempty"`
}

// CommandsPayload replaces the available slash commands.
type CommandsPayload struct {
	Commands []protocol.AvailableCommand `json:"commands"`
}

// CompletePayload ends a prompt turn.
type CompletePayload struct {
	StopReason string `json:"stopReason"`
}

// ErrorPayload reports a failure scoped to the session.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// UnknownPayload preserves an unrecognized variant. RawType is the original
// type discriminator; Raw the original payload JSON.
type UnknownPayload struct {
	RawType string          `json:"rawType"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

func (MessagePayload) isPayload()    {}
func (ToolCallPayload) isPayload()   {}
func (ToolUpdatePayload) isPayload() {}
func (PlanPayload) isPayload()       {}
func (ModeChangePayload) isPayload() {}
func (ConfigUpdatePayload) isPayload() {}
func (UsagePayload) isPayload()      {}
func (CommandsPayload) isPayload()   {}
func (CompletePayload) isPayload()   {}
func (ErrorPayload) isPayload()      {}
func (UnknownPayload) isPayload()    {}

// Event is one normalized, append-only record of something the agent did or
// the host injected.
type Event struct {
	Type      Type
	ClientID  string
	SessionID string
	Timestamp time.Time
	Payload   Payload
}

// diskEvent is the JSONL shape: {type, clientId, sessionId, timestamp, payload}.
type diskEvent struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON writes the open-ended on-disk shape. Unknown events are written
// under their original type discriminator with the raw payload, so newer
// readers that understand the variant lose nothing.
func (e *Event) MarshalJSON() ([]byte, error) {
	d := diskEvent{
		Type:      string(e.Type),
		ClientID:  e.ClientID,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
	}

	if u, ok := e.Payload.(UnknownPayload); ok {
		if u.RawType != "" {
			d.Type = u.RawType
		}
		d.Payload = u.Raw
		return json.Marshal(d)
	}

	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		d.Payload = raw
	}
	return json.Marshal(d)
}

// UnmarshalJSON decodes a disk record back into the typed union. Unrecognized
// types surface as TypeUnknown with the raw JSON preserved.
func (e *Event) UnmarshalJSON(data []byte) error {
	var d diskEvent
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}

	e.ClientID = d.ClientID
	e.SessionID = d.SessionID
	e.Timestamp = d.Timestamp

	payload, ok := decodePayload(Type(d.Type), d.Payload)
	if !ok {
		e.Type = TypeUnknown
		e.Payload = UnknownPayload{RawType: d.Type, Raw: d.Payload}
		return nil
	}
	e.Type = Type(d.Type)
	e.Payload = payload
	return nil
}

// decodeAs unmarshals raw into a fresh payload of type P. An empty raw
// payload yields the zero value.
func decodeAs[P Payload](raw json.RawMessage) (Payload, bool) {
	var p P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, false
		}
	}
	return p, true
}

func decodePayload(t Type, raw json.RawMessage) (Payload, bool) {
	switch t {
	case TypeMessage, TypeThinking:
		return decodeAs[MessagePayload](raw)
	case TypeToolCall:
		return decodeAs[ToolCallPayload](raw)
	case TypeToolUpdate:
		return decodeAs[ToolUpdatePayload](raw)
	case TypePlan:
		return decodeAs[PlanPayload](raw)
	case TypeModeChange:
		return decodeAs[ModeChangePayload](raw)
	case TypeConfigUpdate:
		return decodeAs[ConfigUpdatePayload](raw)
	case TypeUsageUpdate:
		return decodeAs[UsagePayload](raw)
	case TypeCommandsUpdate:
		return decodeAs[CommandsPayload](raw)
	case TypeComplete:
		return decodeAs[CompletePayload](raw)
	case TypeError:
		return decodeAs[ErrorPayload](raw)
	default:
		return nil, false
	}
}

// IsTerminal reports whether this event type ends a session's lifecycle.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// CanMerge reports whether b can be coalesced into a: both must be streaming
// text events of the same type for the same session with equal isUser flags.
func CanMerge(a, b *Event) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Type != b.Type {
		return false
	}
	if a.Type != TypeMessage && a.Type != TypeThinking {
		return false
	}
	if a.SessionID != b.SessionID {
		return false
	}
	pa, aok := a.Payload.(MessagePayload)
	pb, bok := b.Payload.(MessagePayload)
	if !aok || !bok {
		return false
	}
	return pa.IsUser == pb.IsUser
}

// Merge folds b into a, concatenating content and advancing the timestamp.
// Callers must check CanMerge first.
func Merge(a, b *Event) {
	pa := a.Payload.(MessagePayload)
	pb := b.Payload.(MessagePayload)
	pa.Content += pb.Content
	a.Payload = pa
	a.Timestamp = b.Timestamp
}

// Package protocol defines the Agent Client Protocol (ACP) v1 message types
// exchanged between the supervisor (host) and agent subprocesses. Field names
// follow the ACP wire format (camelCase JSON).
package protocol

import "encoding/json"

// ProtocolVersion is the ACP protocol version the host speaks.
const ProtocolVersion = 1

// Methods the host calls on the agent.
const (
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionCancel  = "session/cancel"
	MethodSessionSetMode = "session/set_mode"
)

// Methods the agent calls on the host.
const (
	MethodSessionUpdate            = "session/update"
	MethodSessionRequestPermission = "session/request_permission"
)

// Implementation identifies a peer implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeRequest starts the ACP handshake.
type InitializeRequest struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      *Implementation    `json:"clientInfo,omitempty"`
	Capabilities    ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// ClientCapabilities advertises what the host supports.
type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs,omitempty"`
}

// FileSystemCapability describes host-side file access support.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResponse is the agent's half of the handshake.
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// AgentCapabilities declares what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities,omitempty"`
	MCPCapabilities    MCPCapabilities    `json:"mcpCapabilities,omitempty"`
}

// PromptCapabilities declares which content block types prompts may carry.
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// MCPCapabilities declares which MCP transports the agent accepts.
type MCPCapabilities struct {
	HTTP bool `json:"http,omitempty"`
	SSE  bool `json:"sse,omitempty"`
}

// NewSessionRequest creates a session rooted at a working directory.
type NewSessionRequest struct {
	Cwd        string            `json:"cwd"`
	MCPServers []json.RawMessage `json:"mcpServers"`
}

// NewSessionResponse returns the agent-assigned session id and optional modes.
type NewSessionResponse struct {
	SessionID     string            `json:"sessionId"`
	Modes         *SessionModeState `json:"modes,omitempty"`
	ConfigOptions json.RawMessage   `json:"configOptions,omitempty"`
}

// SessionModeState describes the modes a session can operate in.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// SessionMode is one selectable agent mode (e.g. "ask", "code").
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ContentBlock is a prompt or message content fragment. Only text blocks are
// produced by the supervisor; other types pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptRequest streams one user turn into a session.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons returned by session/prompt.
const (
	StopReasonEndTurn         = "end_turn"
	StopReasonMaxTokens       = "max_tokens"
	StopReasonMaxTurnRequests = "max_turn_requests"
	StopReasonRefusal         = "refusal"
	StopReasonCancelled       = "cancelled"
)

// PromptResponse carries the overall stop reason for the turn.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// CancelNotification asks the agent to stop the in-flight turn. The prompt
// call itself resolves with StopReasonCancelled.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// SetModeRequest switches the session's current mode.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModeResponse is empty on success.
type SetModeResponse struct{}

// SessionNotification is the params shape of session/update. Update is kept
// raw so unknown variants survive round-trips; DecodeUpdate types it.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// Session update discriminator values (the "sessionUpdate" field).
const (
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateCurrentModeUpdate       = "current_mode_update"
	UpdateAvailableCommandsUpdate = "available_commands_update"
	UpdateUsageUpdate             = "usage_update"
	UpdateConfigOptionsUpdate     = "available_config_options_update"
)

// UpdateKind extracts the "sessionUpdate" discriminator from a raw update.
func UpdateKind(update json.RawMessage) (string, error) {
	var head struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(update, &head); err != nil {
		return "", err
	}
	return head.SessionUpdate, nil
}

// MessageChunk is the payload of agent_message_chunk and agent_thought_chunk.
type MessageChunk struct {
	Content ContentBlock `json:"content"`
}

// ToolCall announces a tool invocation.
type ToolCall struct {
	ToolCallID string            `json:"toolCallId"`
	Title      string            `json:"title"`
	Kind       string            `json:"kind,omitempty"`
	Status     string            `json:"status,omitempty"`
	RawInput   json.RawMessage   `json:"rawInput,omitempty"`
	Content    []json.RawMessage `json:"content,omitempty"`
}

// Tool call status values.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// ToolCallUpdate reports progress or results for an earlier tool call. The
// content may embed structured terminal-exit or terminal-error records; it is
// passed through verbatim.
type ToolCallUpdate struct {
	ToolCallID string            `json:"toolCallId"`
	Title      *string           `json:"title,omitempty"`
	Kind       *string           `json:"kind,omitempty"`
	Status     *string           `json:"status,omitempty"`
	RawOutput  json.RawMessage   `json:"rawOutput,omitempty"`
	Content    []json.RawMessage `json:"content,omitempty"`
}

// PlanUpdate replaces the agent's visible plan.
type PlanUpdate struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one plan item.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CurrentModeUpdate reports a mode switch initiated by the agent.
type CurrentModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

// AvailableCommandsUpdate replaces the set of slash commands.
type AvailableCommandsUpdate struct {
	AvailableCommands []AvailableCommand `json:"availableCommands"`
}

// AvailableCommand is one agent-provided command.
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UsageUpdate reports context window and token usage.
type UsageUpdate struct {
	Used              int64    `json:"used"`
	Size              int64    `json:"size"`
	InputTokens       *int64   `json:"inputTokens,omitempty"`
	OutputTokens      *int64   `json:"outputTokens,omitempty"`
	TotalTokens       *int64   `json:"totalTokens,omitempty"`
	CachedReadTokens  *int64   `json:"cachedReadTokens,omitempty"`
	CachedWriteTokens *int64   `json:"cachedWriteTokens,omitempty"`
	Cost              *float64 `json:"cost,omitempty"`
}

// RequestPermissionRequest is the agent asking the host whether a tool call
// may proceed.
type RequestPermissionRequest struct {
	SessionID string                `json:"sessionId"`
	ToolCall  PermissionToolCallRef `json:"toolCall"`
	Options   []PermissionOption    `json:"options"`
}

// PermissionToolCallRef describes the tool call awaiting permission.
type PermissionToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      *string         `json:"title,omitempty"`
	Kind       *string         `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID    string `json:"optionId"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// RequestPermissionResponse resolves a permission request.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either selected (with an option id) or cancelled.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// Permission outcome values.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// SelectedOutcome builds a selected permission outcome.
func SelectedOutcome(optionID string) RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}}
}

// CancelledOutcome builds a cancelled permission outcome.
func CancelledOutcome() RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Outcome: OutcomeCancelled}}
}

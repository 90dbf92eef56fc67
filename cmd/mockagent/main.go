// Package main implements a mock ACP agent speaking newline-framed JSON-RPC
// over stdin/stdout. It generates scripted responses for manual end-to-end
// testing of the supervisor without a real agent CLI installed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/pkg/acp/jsonrpc"
	"github.com/agentview/agentview/pkg/acp/protocol"
)

type mockAgent struct {
	conn *jsonrpc.Conn

	mu        sync.Mutex
	nextSess  int
	cancelled map[string]bool
}

func main() {
	// Protocol frames own stdout; logs must go elsewhere.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: %v\n", err)
		os.Exit(1)
	}

	agent := &mockAgent{cancelled: make(map[string]bool)}
	conn := jsonrpc.NewConn(os.Stdout, os.Stdin, log)
	agent.conn = conn

	conn.Handle(protocol.MethodInitialize, agent.handleInitialize)
	conn.Handle(protocol.MethodSessionNew, agent.handleNewSession)
	conn.Handle(protocol.MethodSessionPrompt, agent.handlePrompt)
	conn.Handle(protocol.MethodSessionSetMode, agent.handleSetMode)
	conn.OnNotification(agent.handleNotification)

	done := make(chan struct{})
	conn.OnClose(func(err error) { close(done) })
	conn.Start(context.Background())
	<-done
}

func (a *mockAgent) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return protocol.InitializeResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		AgentInfo:       &protocol.Implementation{Name: "mockagent", Version: "0.1.0"},
		AgentCapabilities: protocol.AgentCapabilities{
			PromptCapabilities: protocol.PromptCapabilities{EmbeddedContext: true},
		},
	}, nil
}

func (a *mockAgent) handleNewSession(ctx context.Context, params json.RawMessage) (interface{}, error) {
	a.mu.Lock()
	a.nextSess++
	id := fmt.Sprintf("mock-sess-%d-%d", os.Getpid(), a.nextSess)
	a.mu.Unlock()

	return protocol.NewSessionResponse{
		SessionID: id,
		Modes: &protocol.SessionModeState{
			CurrentModeID: "ask",
			AvailableModes: []protocol.SessionMode{
				{ID: "ask", Name: "Ask"},
				{ID: "code", Name: "Code"},
			},
		},
	}, nil
}

func (a *mockAgent) handleSetMode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req protocol.SetModeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	a.update(req.SessionID, map[string]interface{}{
		"sessionUpdate": protocol.UpdateCurrentModeUpdate,
		"currentModeId": req.ModeID,
	})
	return protocol.SetModeResponse{}, nil
}

func (a *mockAgent) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionCancel {
		return
	}
	var note protocol.CancelNotification
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}
	a.mu.Lock()
	a.cancelled[note.SessionID] = true
	a.mu.Unlock()
}

// handlePrompt scripts a turn from the prompt text: "permission" runs a tool
// call gated on session/request_permission, "fail" refuses, anything else
// streams a thought and an echo split into chunks.
func (a *mockAgent) handlePrompt(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req protocol.PromptRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	delete(a.cancelled, req.SessionID)
	a.mu.Unlock()

	var text strings.Builder
	for _, block := range req.Prompt {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	prompt := strings.TrimSpace(text.String())

	switch {
	case strings.Contains(prompt, "fail"):
		return protocol.PromptResponse{StopReason: protocol.StopReasonRefusal}, nil
	case strings.Contains(prompt, "permission"):
		return a.permissionTurn(ctx, req.SessionID)
	default:
		return a.echoTurn(req.SessionID, prompt)
	}
}

func (a *mockAgent) echoTurn(sessionID, prompt string) (interface{}, error) {
	a.chunk(sessionID, protocol.UpdateAgentThoughtChunk, "Thinking about it.")

	reply := "You said: " + prompt
	for len(reply) > 0 {
		if a.isCancelled(sessionID) {
			return protocol.PromptResponse{StopReason: protocol.StopReasonCancelled}, nil
		}
		n := 8
		if n > len(reply) {
			n = len(reply)
		}
		a.chunk(sessionID, protocol.UpdateAgentMessageChunk, reply[:n])
		reply = reply[n:]
		time.Sleep(20 * time.Millisecond)
	}
	return protocol.PromptResponse{StopReason: protocol.StopReasonEndTurn}, nil
}

func (a *mockAgent) permissionTurn(ctx context.Context, sessionID string) (interface{}, error) {
	title := "Run ls -la"
	a.update(sessionID, map[string]interface{}{
		"sessionUpdate": protocol.UpdateToolCall,
		"toolCallId":    "tc-1",
		"title":         title,
		"kind":          "execute",
		"status":        protocol.ToolStatusPending,
	})

	var resp protocol.RequestPermissionResponse
	err := a.conn.Call(ctx, protocol.MethodSessionRequestPermission, protocol.RequestPermissionRequest{
		SessionID: sessionID,
		ToolCall:  protocol.PermissionToolCallRef{ToolCallID: "tc-1", Title: &title},
		Options: []protocol.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: protocol.PermissionAllowOnce},
			{OptionID: "reject", Name: "Reject", Kind: protocol.PermissionRejectOnce},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Outcome.Outcome != protocol.OutcomeSelected || resp.Outcome.OptionID != "allow" {
		a.update(sessionID, map[string]interface{}{
			"sessionUpdate": protocol.UpdateToolCallUpdate,
			"toolCallId":    "tc-1",
			"status":        protocol.ToolStatusFailed,
		})
		return protocol.PromptResponse{StopReason: protocol.StopReasonRefusal}, nil
	}

	a.update(sessionID, map[string]interface{}{
		"sessionUpdate": protocol.UpdateToolCallUpdate,
		"toolCallId":    "tc-1",
		"status":        protocol.ToolStatusCompleted,
	})
	a.chunk(sessionID, protocol.UpdateAgentMessageChunk, "Tool finished.")
	return protocol.PromptResponse{StopReason: protocol.StopReasonEndTurn}, nil
}

func (a *mockAgent) chunk(sessionID, kind, text string) {
	a.update(sessionID, map[string]interface{}{
		"sessionUpdate": kind,
		"content":       protocol.TextBlock(text),
	})
}

func (a *mockAgent) update(sessionID string, update map[string]interface{}) {
	raw, err := json.Marshal(update)
	if err != nil {
		return
	}
	a.conn.Notify(protocol.MethodSessionUpdate, protocol.SessionNotification{
		SessionID: sessionID,
		Update:    raw,
	})
}

func (a *mockAgent) isCancelled(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[sessionID]
}

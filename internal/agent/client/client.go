// Package client wraps one supervised agent subprocess: it spawns the child,
// runs the ACP handshake over stdio, and exposes session operations at the
// supervisor's abstraction level. Incoming session/update notifications are
// normalized into events and pumped to the session manager in arrival order.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/agent/registry"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/events"
	"github.com/agentview/agentview/pkg/acp/jsonrpc"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of a client (one child process).
type Status string

// Client statuses.
const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// eventBufferSize bounds the normalized-event pump. A full buffer applies
// backpressure to the transport read loop.
const eventBufferSize = 1024

// Hooks are the session manager's callbacks. OnEvent is invoked from a single
// goroutine per client, in arrival order. OnPermission blocks the agent's
// suspended JSON-RPC call until it returns. OnExit fires once when the
// transport dies, with the error that ended it (nil on clean shutdown).
type Hooks struct {
	OnEvent      func(ev *events.Event)
	OnPermission func(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)
	OnExit       func(clientID string, err error)
}

// Info is a read-only snapshot of a client.
type Info struct {
	ID           string                     `json:"id"`
	Kind         registry.Kind              `json:"kind"`
	Cwd          string                     `json:"cwd"`
	Status       Status                     `json:"status"`
	AgentInfo    *protocol.Implementation   `json:"agentInfo,omitempty"`
	Capabilities protocol.AgentCapabilities `json:"capabilities"`
	CreatedAt    time.Time                  `json:"createdAt"`
}

// SessionHandle is the result of opening an agent-side session. LocalID is the
// supervisor's stable session id; AgentID is what the child assigned, which
// changes across reconnects.
type SessionHandle struct {
	LocalID       string
	AgentID       string
	Modes         *protocol.SessionModeState
	ConfigOptions json.RawMessage
}

// Client supervises one agent child process.
type Client struct {
	id        string
	kind      registry.Kind
	cwd       string
	command   registry.Command
	stopGrace time.Duration
	createdAt time.Time

	hooks Hooks

	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *jsonrpc.Conn

	mu           sync.Mutex
	status       Status
	agentInfo    *protocol.Implementation
	capabilities protocol.AgentCapabilities
	localByAgent map[string]string
	agentByLocal map[string]string

	// evMu orders sends against the close in handleClose; a bare channel
	// close would race the transport read loop.
	evMu     sync.Mutex
	evClosed bool
	eventCh  chan *events.Event

	exited chan struct{}

	logger *logger.Logger
}

// New builds an unstarted client.
func New(kind registry.Kind, cwd string, command registry.Command, stopGrace time.Duration, hooks Hooks, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:           id,
		kind:         kind,
		cwd:          cwd,
		command:      command,
		stopGrace:    stopGrace,
		createdAt:    time.Now().UTC(),
		hooks:        hooks,
		status:       StatusStarting,
		localByAgent: make(map[string]string),
		agentByLocal: make(map[string]string),
		eventCh:      make(chan *events.Event, eventBufferSize),
		exited:       make(chan struct{}),
		logger: log.WithFields(
			zap.String("component", "agent-client"),
			zap.String("client_id", id),
			zap.String("kind", string(kind))),
	}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Kind returns the agent kind.
func (c *Client) Kind() registry.Kind { return c.kind }

// Cwd returns the canonical working directory.
func (c *Client) Cwd() string { return c.cwd }

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Running reports whether the transport is still alive.
func (c *Client) Running() bool {
	return c.conn != nil && c.conn.Running()
}

// Info returns a snapshot for API consumers.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.id,
		Kind:         c.kind,
		Cwd:          c.cwd,
		Status:       c.status,
		AgentInfo:    c.agentInfo,
		Capabilities: c.capabilities,
		CreatedAt:    c.createdAt,
	}
}

// Start spawns the child and performs the ACP initialize handshake. ctx bounds
// spawn plus handshake. On handshake failure the child is stopped and the
// client is left in status error.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.command.Path, c.command.Args...)
	cmd.Dir = c.cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.SpawnFailed(string(c.kind), err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.SpawnFailed(string(c.kind), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.SpawnFailed(string(c.kind), err)
	}

	if err := cmd.Start(); err != nil {
		return apperrors.SpawnFailed(string(c.kind), err)
	}
	c.cmd = cmd
	c.stdin = stdin

	go c.drainStderr(stderr)
	go c.waitExit()

	conn := jsonrpc.NewConn(stdin, stdout, c.logger)
	conn.Handle(protocol.MethodSessionRequestPermission, c.handlePermission)
	conn.OnNotification(c.handleNotification)
	conn.OnClose(c.handleClose)
	c.conn = conn

	go c.pumpEvents()

	// The read loop outlives the start context; its lifetime is the child's.
	conn.Start(context.Background())

	initReq := protocol.InitializeRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      &protocol.Implementation{Name: "agentview", Version: "1.0.0"},
	}
	var initResp protocol.InitializeResponse
	if err := conn.Call(ctx, protocol.MethodInitialize, initReq, &initResp); err != nil {
		c.setStatus(StatusError)
		stopCtx, cancel := context.WithTimeout(context.Background(), c.stopGrace)
		defer cancel()
		_ = c.Stop(stopCtx)
		return apperrors.InitializeFailed(string(c.kind), err)
	}

	c.mu.Lock()
	c.agentInfo = initResp.AgentInfo
	c.capabilities = initResp.AgentCapabilities
	c.status = StatusReady
	c.mu.Unlock()

	c.logger.Info("agent client ready",
		zap.String("cwd", c.cwd),
		zap.Int("protocol_version", initResp.ProtocolVersion))
	return nil
}

// CreateSession opens an agent-side session. A non-empty localID pins the
// supervisor-side id (reconnect); otherwise the agent-assigned id is adopted.
func (c *Client) CreateSession(ctx context.Context, cwd, localID string) (*SessionHandle, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = c.cwd
	}

	req := protocol.NewSessionRequest{Cwd: cwd, MCPServers: []json.RawMessage{}}
	var resp protocol.NewSessionResponse
	if err := c.conn.Call(ctx, protocol.MethodSessionNew, req, &resp); err != nil {
		return nil, c.callError("session/new failed", err)
	}

	if localID == "" {
		localID = resp.SessionID
	}
	c.mu.Lock()
	c.localByAgent[resp.SessionID] = localID
	c.agentByLocal[localID] = resp.SessionID
	c.mu.Unlock()

	return &SessionHandle{
		LocalID:       localID,
		AgentID:       resp.SessionID,
		Modes:         resp.Modes,
		ConfigOptions: resp.ConfigOptions,
	}, nil
}

// Prompt streams one user turn and blocks until the agent finishes it,
// returning the stop reason. Streaming updates arrive through OnEvent in the
// meantime.
func (c *Client) Prompt(ctx context.Context, localID string, blocks []protocol.ContentBlock) (string, error) {
	agentID, err := c.agentID(localID)
	if err != nil {
		return "", err
	}

	req := protocol.PromptRequest{SessionID: agentID, Prompt: blocks}
	var resp protocol.PromptResponse
	if err := c.conn.Call(ctx, protocol.MethodSessionPrompt, req, &resp); err != nil {
		return "", c.callError("session/prompt failed", err)
	}
	return resp.StopReason, nil
}

// Cancel asks the agent to stop the in-flight turn. The outstanding Prompt
// call resolves with a cancelled stop reason.
func (c *Client) Cancel(localID string) error {
	agentID, err := c.agentID(localID)
	if err != nil {
		return err
	}
	if err := c.conn.Notify(protocol.MethodSessionCancel, protocol.CancelNotification{SessionID: agentID}); err != nil {
		return c.callError("session/cancel failed", err)
	}
	return nil
}

// SetMode switches the session's mode.
func (c *Client) SetMode(ctx context.Context, localID, modeID string) error {
	agentID, err := c.agentID(localID)
	if err != nil {
		return err
	}
	req := protocol.SetModeRequest{SessionID: agentID, ModeID: modeID}
	var resp protocol.SetModeResponse
	if err := c.conn.Call(ctx, protocol.MethodSessionSetMode, req, &resp); err != nil {
		return c.callError("session/set_mode failed", err)
	}
	return nil
}

// ReleaseSession drops the id mapping for a deleted session.
func (c *Client) ReleaseSession(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agentID, ok := c.agentByLocal[localID]; ok {
		delete(c.localByAgent, agentID)
		delete(c.agentByLocal, localID)
	}
}

// SessionIDs returns the supervisor-side ids of sessions bound to this client.
func (c *Client) SessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.agentByLocal))
	for id := range c.agentByLocal {
		ids = append(ids, id)
	}
	return ids
}

/// Stop shuts the child down: close stdin, wait up to the grace period for a
// clean exit, then kill. Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusError {
		c.status = StatusStopped
	}
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	grace := c.stopGrace
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	select {
	case <-c.exited:
		return nil
	case <-time.After(grace):
	}

	c.logger.Warn("agent child did not exit in time, killing")
	_ = c.cmd.Process.Kill()
	<-c.exited
	return nil
}

func (c *Client) requireReady() error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != StatusReady || !c.Running() {
		return apperrors.ClientNotReady(c.id, string(status))
	}
	return nil
}

func (c *Client) agentID(localID string) (string, error) {
	if err := c.requireReady(); err != nil {
		return "", err
	}
	c.mu.Lock()
	agentID, ok := c.agentByLocal[localID]
	c.mu.Unlock()
	if !ok {
		return "", apperrors.NotFound("session", localID)
	}
	return agentID, nil
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Client) callError(msg string, err error) error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return apperrors.ProtocolError(msg, err)
	}
	if errors.Is(err, jsonrpc.ErrConnClosed) {
		return apperrors.TransportError(msg, err)
	}
	return apperrors.Wrap(err, msg)
}

// handleNotification runs on the transport read loop; it only classifies and
// enqueues, the pump goroutine does the slow work.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionUpdate {
		c.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}

	var n protocol.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		c.logger.Warn("undecodable session/update", zap.Error(err))
		return
	}
	n.SessionID = c.localSessionID(n.SessionID)

	ev, err := events.Normalize(c.id, n, time.Now().UTC())
	if err != nil {
		c.logger.Warn("unnormalizable session/update",
			zap.String("session_id", n.SessionID), zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		// Transport already closed; the update loses its race with shutdown.
		return
	}
	c.eventCh <- ev
}

func (c *Client) localSessionID(agentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if localID, ok := c.localByAgent[agentID]; ok {
		return localID
	}
	return agentID
}

// pumpEvents delivers normalized events to the manager one at a time,
// preserving per-session order.
func (c *Client) pumpEvents() {
	for ev := range c.eventCh {
		if c.hooks.OnEvent != nil {
			c.hooks.OnEvent(ev)
		}
	}
}

// handlePermission parks the agent's request on the manager until a user
// decision arrives.
func (c *Client) handlePermission(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req protocol.RequestPermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	req.SessionID = c.localSessionID(req.SessionID)

	if c.hooks.OnPermission == nil {
		return protocol.CancelledOutcome(), nil
	}
	resp, err := c.hooks.OnPermission(ctx, req)
	if err != nil {
		return protocol.CancelledOutcome(), nil
	}
	return resp, nil
}

// handleClose fires once when the transport dies.
func (c *Client) handleClose(err error) {
	c.mu.Lock()
	switch {
	case err != nil:
		c.status = StatusError
	case c.status != StatusError:
		c.status = StatusStopped
	}
	c.mu.Unlock()

	c.evMu.Lock()
	if !c.evClosed {
		c.evClosed = true
		close(c.eventCh)
	}
	c.evMu.Unlock()

	if err != nil {
		c.logger.Warn("agent transport closed", zap.Error(err))
	} else {
		c.logger.Info("agent transport closed")
	}

	if c.hooks.OnExit != nil {
		c.hooks.OnExit(c.id, err)
	}
}

func (c *Client) waitExit() {
	err := c.cmd.Wait()
	if err != nil {
		c.logger.Debug("agent child exited", zap.Error(err))
	}
	close(c.exited)
}

func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

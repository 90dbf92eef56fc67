package session

import (
	"context"
	"time"

	"github.com/agentview/agentview/internal/agent/client"
	"github.com/agentview/agentview/internal/agent/registry"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/pathutil"
	"github.com/agentview/agentview/internal/events"
	"github.com/agentview/agentview/internal/store"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"go.uber.org/zap"
)

// View is session metadata plus the derived activity flag.
type View struct {
	store.Session
	IsActive bool `json:"isActive"`
}

// promptTerminal is the status set that rejects further prompts. A completed
// session accepts follow-up turns; error and killed do not.
func promptTerminal(status store.Status) bool {
	return status == store.StatusError || status == store.StatusKilled
}

func (m *Manager) view(sess *store.Session) *View {
	m.mu.RLock()
	cl, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()

	active := ok && cl.Status() == client.StatusReady && !sess.Status.Terminal()
	return &View{Session: *sess, IsActive: active}
}

// CreateSession opens a new session on a ready client and persists it with
// status idle. cwd defaults to the client's working directory.
func (m *Manager) CreateSession(ctx context.Context, clientID, cwd string) (*View, error) {
	m.mu.RLock()
	cl, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("client", clientID)
	}
	if cl.Status() != client.StatusReady {
		return nil, apperrors.ClientNotReady(clientID, string(cl.Status()))
	}

	if cwd != "" {
		canonical, err := pathutil.Canonicalize(cwd)
		if err != nil {
			return nil, apperrors.BadRequest("invalid session working directory")
		}
		cwd = canonical
	} else {
		cwd = cl.Cwd()
	}

	handle, err := cl.CreateSession(ctx, cwd, "")
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:            handle.LocalID,
		ClientID:      clientID,
		Kind:          string(cl.Kind()),
		Cwd:           cwd,
		Status:        store.StatusIdle,
		ConfigOptions: handle.ConfigOptions,
	}
	if handle.Modes != nil {
		sess.AvailableModes = handle.Modes.AvailableModes
		sess.CurrentModeID = handle.Modes.CurrentModeID
	}
	if err := m.store.SaveSession(sess); err != nil {
		cl.ReleaseSession(handle.LocalID)
		return nil, err
	}

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("client_id", clientID))
	return m.view(sess), nil
}

// SendMessage enqueues one prompt turn. The synthetic user message event is
// emitted before the call; the turn's complete event follows asynchronously
// when the agent finishes.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string, attachments []protocol.ContentBlock) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if promptTerminal(sess.Status) {
		return apperrors.SessionTerminal(sessionID, string(sess.Status))
	}

	m.mu.RLock()
	cl, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.ClientNotReady(sess.ClientID, "gone")
	}
	if cl.Status() != client.StatusReady || !cl.Running() {
		return apperrors.ClientNotReady(sess.ClientID, string(cl.Status()))
	}

	blocks := make([]protocol.ContentBlock, 0, len(attachments)+1)
	if text != "" {
		blocks = append(blocks, protocol.TextBlock(text))
	}
	blocks = append(blocks, attachments...)
	if len(blocks) == 0 {
		return apperrors.BadRequest("message is empty")
	}

	m.handleEvent(events.NewUserMessage(sess.ClientID, sessionID, text, time.Now().UTC()))
	if err := m.store.UpdateStatus(sessionID, store.StatusRunning); err != nil {
		return err
	}

	m.promptMu.Lock()
	m.inFlight[sessionID] = struct{}{}
	m.promptMu.Unlock()

	go m.runPrompt(cl, sess.ClientID, sessionID, blocks)
	return nil
}

// runPrompt drives one turn to completion on its own goroutine. The prompt
// call has no deadline; turns end when the agent stops or is cancelled.
func (m *Manager) runPrompt(cl ClientAPI, clientID, sessionID string, blocks []protocol.ContentBlock) {
	defer func() {
		m.promptMu.Lock()
		delete(m.inFlight, sessionID)
		m.promptMu.Unlock()
	}()

	stopReason, err := cl.Prompt(context.Background(), sessionID, blocks)
	if err != nil {
		m.logger.Warn("prompt failed",
			zap.String("session_id", sessionID), zap.Error(err))
		m.handleEvent(events.NewError(clientID, sessionID,
			apperrors.Code(err), err.Error(), time.Now().UTC()))
		return
	}

	m.handleEvent(events.NewComplete(clientID, sessionID, stopReason, time.Now().UTC()))
}

// CancelSession cancels the in-flight prompt, if any. The outstanding prompt
// resolves with a cancelled stop reason; with no prompt outstanding this is a
// no-op.
func (m *Manager) CancelSession(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	m.promptMu.Lock()
	_, outstanding := m.inFlight[sessionID]
	m.promptMu.Unlock()
	if !outstanding {
		return nil
	}

	m.mu.RLock()
	cl, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return cl.Cancel(sessionID)
}

// RenameSession sets the user-visible name.
func (m *Manager) RenameSession(sessionID, name string) (*View, error) {
	if err := m.store.UpdateName(sessionID, name); err != nil {
		return nil, err
	}
	return m.GetSession(sessionID)
}

// SetProjectContext associates the session with a project and worktree for UI
// grouping. Worktree management itself is out of scope here.
func (m *Manager) SetProjectContext(sessionID, projectID, worktreeID, branch string) (*View, error) {
	if err := m.store.UpdateProjectContext(sessionID, projectID, worktreeID, branch); err != nil {
		return nil, err
	}
	return m.GetSession(sessionID)
}

// SetMode switches the session's agent mode, persists it, and emits a
// mode-change event.
func (m *Manager) SetMode(ctx context.Context, sessionID, modeID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	cl, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.ClientNotReady(sess.ClientID, "gone")
	}

	if err := cl.SetMode(ctx, sessionID, modeID); err != nil {
		return err
	}

	m.handleEvent(&events.Event{
		Type:      events.TypeModeChange,
		ClientID:  sess.ClientID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   events.ModeChangePayload{ModeID: modeID},
	})
	return nil
}

// DeleteSession removes the session everywhere: pending approvals are
// auto-denied, the coalesce buffer is dropped, metadata and events deleted.
func (m *Manager) DeleteSession(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	m.broker.ExpireSession(sessionID)

	m.mu.RLock()
	cl, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()
	if ok {
		cl.ReleaseSession(sessionID)
	}

	if err := m.store.DeleteSession(sessionID); err != nil {
		return err
	}
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// ReconnectSession reattaches a session whose owning client is gone: a new
// client for the same kind and cwd is found or spawned, a fresh agent-side
// session is opened under the stable supervisor-side id, and the session goes
// back to idle. Historical events are untouched.
func (m *Manager) ReconnectSession(ctx context.Context, sessionID string) (*View, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing, ok := m.clients[sess.ClientID]
	m.mu.RUnlock()
	if ok && existing.Status() == client.StatusReady && existing.Running() {
		return m.view(sess), nil
	}

	// Spawning can take a while; surface it in the session status, and put
	// the old status back if the reconnect falls through.
	prev := sess.Status
	if err := m.store.UpdateStatus(sessionID, store.StatusStarting); err != nil {
		return nil, err
	}
	revert := func() { _ = m.store.UpdateStatus(sessionID, prev) }

	info, err := m.FindOrSpawnClient(ctx, registry.Kind(sess.Kind), sess.Cwd)
	if err != nil {
		revert()
		return nil, err
	}
	m.mu.RLock()
	cl := m.clients[info.ID]
	m.mu.RUnlock()
	if cl == nil {
		revert()
		return nil, apperrors.ClientNotReady(info.ID, "gone")
	}

	handle, err := cl.CreateSession(ctx, sess.Cwd, sessionID)
	if err != nil {
		revert()
		return nil, err
	}

	sess.ClientID = cl.ID()
	sess.Status = store.StatusIdle
	sess.ConfigOptions = handle.ConfigOptions
	if handle.Modes != nil {
		sess.AvailableModes = handle.Modes.AvailableModes
		sess.CurrentModeID = handle.Modes.CurrentModeID
	}
	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}

	m.logger.Info("session reconnected",
		zap.String("session_id", sessionID),
		zap.String("client_id", cl.ID()))
	return m.view(sess), nil
}

// GetSession returns one session view.
func (m *Manager) GetSession(sessionID string) (*View, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.view(sess), nil
}

// ListSessions returns session views newest-first, optionally filtered by
// owning client.
func (m *Manager) ListSessions(clientID string) ([]*View, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(sessions))
	for _, sess := range sessions {
		if clientID != "" && sess.ClientID != clientID {
			continue
		}
		views = append(views, m.view(sess))
	}
	return views, nil
}

// GetSessionEvents returns the tail of the session's event log in
// chronological order.
func (m *Manager) GetSessionEvents(sessionID string, maxN int) ([]*events.Event, error) {
	if _, err := m.store.GetSession(sessionID); err != nil {
		return nil, err
	}
	return m.store.TailEvents(sessionID, maxN)
}

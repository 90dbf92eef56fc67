package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentview/agentview/internal/approval"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/events"
	"github.com/agentview/agentview/internal/store"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// emit appends one event to the durable log and fans it out, with no status
// side effects. Append failures are routed through the disk-error path.
func (m *Manager) emit(ev *events.Event) {
	if err := m.store.AppendEvent(ev); err != nil {
		m.handleWriteError(ev.SessionID, err)
		return
	}
	m.hub.PublishEvent(ev)
}

// handleEvent is the single entry point for every normalized event: agent
// updates arriving through the client pump and the manager's own synthetic
// events. It persists, fans out, and derives session status and metadata.
func (m *Manager) handleEvent(ev *events.Event) {
	m.emit(ev)

	switch ev.Type {
	case events.TypeModeChange:
		p := ev.Payload.(events.ModeChangePayload)
		if err := m.store.UpdateMode(ev.SessionID, p.ModeID); err != nil {
			m.logger.Warn("failed to persist mode change",
				zap.String("session_id", ev.SessionID), zap.Error(err))
		}

	case events.TypeConfigUpdate:
		p := ev.Payload.(events.ConfigUpdatePayload)
		if err := m.store.UpdateConfigOptions(ev.SessionID, p.Options); err != nil {
			m.logger.Warn("failed to persist config options",
				zap.String("session_id", ev.SessionID), zap.Error(err))
		}

	case events.TypeComplete:
		// A cancelled turn leaves the session ready for the next prompt.
		status := store.StatusCompleted
		if p, ok := ev.Payload.(events.CompletePayload); ok && p.StopReason == protocol.StopReasonCancelled {
			status = store.StatusIdle
		}
		m.transition(ev.SessionID, status)

	case events.TypeError:
		m.transition(ev.SessionID, store.StatusError)
		m.broker.ExpireSession(ev.SessionID)
	}
}

// transition updates a session's status unless it is already terminal.
func (m *Manager) transition(sessionID string, status store.Status) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return
	}
	if sess.Status.Terminal() && sess.Status != store.StatusCompleted {
		return
	}
	if err := m.store.UpdateStatus(sessionID, status); err != nil {
		m.logger.Warn("failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)), zap.Error(err))
	}
}

// handlePermission services an inbound session/request_permission: it parks
// the agent's call on the broker until a user decision (or expiry) resolves
// it. Runs on its own goroutine per request.
func (m *Manager) handlePermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	sess, err := m.store.GetSession(req.SessionID)
	if err != nil || promptTerminal(sess.Status) {
		return protocol.CancelledOutcome(), nil
	}

	toolCall := approval.ToolCallRef{
		ToolCallID: req.ToolCall.ToolCallID,
		RawInput:   req.ToolCall.RawInput,
	}
	if req.ToolCall.Title != nil {
		toolCall.Title = *req.ToolCall.Title
	}
	if req.ToolCall.Kind != nil {
		toolCall.Kind = *req.ToolCall.Kind
	}

	ar := &approval.Request{
		ID:        uuid.NewString(),
		ClientID:  sess.ClientID,
		SessionID: req.SessionID,
		ToolCall:  toolCall,
		Options:   req.Options,
		CreatedAt: time.Now().UTC(),
	}
	m.broker.Create(ar)

	res, err := m.broker.Wait(ctx, ar.ID)
	if err != nil {
		// Transport gone or request expired out from under us.
		return protocol.CancelledOutcome(), nil
	}
	if !res.Approved {
		return protocol.CancelledOutcome(), nil
	}
	return protocol.SelectedOutcome(res.OptionID), nil
}

// handleApprovalCreated broadcasts a new approval and parks its session in
// waiting-approval.
func (m *Manager) handleApprovalCreated(req *approval.Request) {
	m.transition(req.SessionID, store.StatusWaitingApproval)
	m.hub.PublishApproval(req)
}

// ListApprovals returns pending approvals in creation order.
func (m *Manager) ListApprovals() []*approval.Request {
	return m.broker.List()
}

// Approve resolves an approval with the chosen option and moves its session
// back to running.
func (m *Manager) Approve(approvalID, optionID string) error {
	req, err := m.broker.Approve(approvalID, optionID)
	if err != nil {
		return err
	}
	m.resumeAfterApproval(req)
	return nil
}

// Deny rejects an approval; the agent decides how to continue, so the session
// also returns to running until its next event says otherwise.
func (m *Manager) Deny(approvalID string) error {
	req, err := m.broker.Deny(approvalID)
	if err != nil {
		return err
	}
	m.resumeAfterApproval(req)
	return nil
}

func (m *Manager) resumeAfterApproval(req *approval.Request) {
	m.hub.PublishApproval(req)

	sess, err := m.store.GetSession(req.SessionID)
	if err != nil {
		return
	}
	if sess.Status == store.StatusWaitingApproval {
		m.transition(req.SessionID, store.StatusRunning)
	}
}

// handleClientExit runs once per client when its transport dies. A transport
// error emits an error event on every non-terminal owned session; in both
// cases those sessions flip to killed and their approvals expire.
func (m *Manager) handleClientExit(clientID string, transportErr error) {
	m.mu.RLock()
	cl, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.killSessions(cl, transportErr)
}

func (m *Manager) killSessions(cl ClientAPI, transportErr error) {
	for _, sessionID := range cl.SessionIDs() {
		sess, err := m.store.GetSession(sessionID)
		if err != nil || sess.Status.Terminal() {
			continue
		}

		if transportErr != nil {
			m.emit(events.NewError(cl.ID(), sessionID,
				apperrors.ErrCodeTransportError, transportErr.Error(), time.Now().UTC()))
		}
		if err := m.store.UpdateStatus(sessionID, store.StatusKilled); err != nil {
			m.logger.Warn("failed to mark session killed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		m.broker.ExpireSession(sessionID)
	}
}

// handleWriteError converts a failed event append into an error event for the
// affected session. The event is fanned out but not persisted; the disk is
// the thing that failed.
func (m *Manager) handleWriteError(sessionID string, writeErr error) {
	m.logger.Error("event append failed",
		zap.String("session_id", sessionID), zap.Error(writeErr))

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return
	}

	m.hub.PublishEvent(events.NewError(sess.ClientID, sessionID,
		apperrors.ErrCodeDiskError, writeErr.Error(), time.Now().UTC()))
	m.transition(sessionID, store.StatusError)
	m.broker.ExpireSession(sessionID)
}

// SessionConfigOptions re-exposes the raw agent config options blob for API
// consumers that render agent-specific settings.
func (m *Manager) SessionConfigOptions(sessionID string) (json.RawMessage, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.ConfigOptions, nil
}

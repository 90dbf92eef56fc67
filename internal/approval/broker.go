// Package approval brokers permission requests raised by agents. A request
// parks the agent's JSON-RPC session/request_permission call until a user
// decision (or expiry) resolves it; each request resolves exactly once.
package approval

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"go.uber.org/zap"
)

// Status of an approval request.
type Status string

// Approval statuses. Exactly one terminal resolution per request.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// ToolCallRef describes the tool call awaiting permission.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// Request is one outstanding (or resolved) permission prompt.
type Request struct {
	ID         string                      `json:"id"`
	ClientID   string                      `json:"clientId"`
	SessionID  string                      `json:"sessionId"`
	ToolCall   ToolCallRef                 `json:"toolCall"`
	Options    []protocol.PermissionOption `json:"options"`
	Status     Status                      `json:"status"`
	CreatedAt  time.Time                   `json:"createdAt"`
	ResolvedAt *time.Time                  `json:"resolvedAt,omitempty"`
}

// Resolution is the outcome delivered to the suspended ACP handler.
type Resolution struct {
	Approved bool
	OptionID string
}

type entry struct {
	req *Request
	ch  chan Resolution
	seq int64
}

// Broker holds pending approvals keyed by id. All state is serialized
// through the broker's own lock.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry
	nextSeq int64

	onCreate func(*Request)

	logger *logger.Logger
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		pending: make(map[string]*entry),
		logger:  log.WithFields(zap.String("component", "approval-broker")),
	}
}

// OnCreate registers a callback fired whenever a new approval is registered.
// The session manager uses it to broadcast the approval and flip the session
// to waiting-approval.
func (b *Broker) OnCreate(fn func(*Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCreate = fn
}

// Create registers a newly received approval and returns immediately. The
// suspended handler should follow up with Wait.
func (b *Broker) Create(req *Request) {
	req.Status = StatusPending

	b.mu.Lock()
	b.nextSeq++
	b.pending[req.ID] = &entry{
		req: req,
		ch:  make(chan Resolution, 1),
		seq: b.nextSeq,
	}
	fn := b.onCreate
	b.mu.Unlock()

	b.logger.Info("approval created",
		zap.String("approval_id", req.ID),
		zap.String("session_id", req.SessionID),
		zap.String("tool_call_id", req.ToolCall.ToolCallID))

	if fn != nil {
		fn(req)
	}
}

// Wait blocks until the request resolves or ctx is done. On ctx expiry the
// entry stays pending; the session manager expires it during cleanup.
func (b *Broker) Wait(ctx context.Context, approvalID string) (Resolution, error) {
	b.mu.Lock()
	e, ok := b.pending[approvalID]
	b.mu.Unlock()
	if !ok {
		return Resolution{}, apperrors.NotPending(approvalID)
	}

	select {
	case res := <-e.ch:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Approve resolves the request with the chosen option and unblocks the
// suspended handler. Returns NotPending if the id is unknown or already
// resolved.
func (b *Broker) Approve(approvalID, optionID string) (*Request, error) {
	return b.resolve(approvalID, StatusApproved, Resolution{Approved: true, OptionID: optionID})
}

// Deny rejects the request.
func (b *Broker) Deny(approvalID string) (*Request, error) {
	return b.resolve(approvalID, StatusRejected, Resolution{})
}

// Expire marks the request expired; used when its session terminates with
// the approval unresolved. Deny-equivalent for the suspended handler.
func (b *Broker) Expire(approvalID string) (*Request, error) {
	return b.resolve(approvalID, StatusExpired, Resolution{})
}

// ExpireSession expires every pending approval for a session and returns the
// expired requests.
func (b *Broker) ExpireSession(sessionID string) []*Request {
	b.mu.Lock()
	var ids []string
	for id, e := range b.pending {
		if e.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	var expired []*Request
	for _, id := range ids {
		if req, err := b.Expire(id); err == nil {
			expired = append(expired, req)
		}
	}
	return expired
}

func (b *Broker) resolve(approvalID string, status Status, res Resolution) (*Request, error) {
	b.mu.Lock()
	e, ok := b.pending[approvalID]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.NotPending(approvalID)
	}
	delete(b.pending, approvalID)

	now := time.Now().UTC()
	e.req.Status = status
	e.req.ResolvedAt = &now
	b.mu.Unlock()

	// Buffered channel: the send never blocks, and a handler that gave up
	// waiting simply never reads it.
	e.ch <- res

	b.logger.Info("approval resolved",
		zap.String("approval_id", approvalID),
		zap.String("status", string(status)))

	return e.req, nil
}

// List returns the pending approvals in creation order.
func (b *Broker) List() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]*entry, 0, len(b.pending))
	for _, e := range b.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*Request, len(entries))
	for i, e := range entries {
		out[i] = e.req
	}
	return out
}

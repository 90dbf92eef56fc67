// Package hub fans normalized events and approval prompts out to stream
// subscribers. Each subscriber owns a bounded buffer; slow consumers lose the
// oldest buffered envelopes and are told so via the lagged flag. Delivery
// preserves per-session publish order.
package hub

import (
	"sync"

	"github.com/agentview/agentview/internal/approval"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/events"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber envelope buffer.
const DefaultBufferSize = 256

// Envelope is one stream item: either an event or an approval prompt. Lagged
// marks the first envelope delivered after older ones were dropped.
type Envelope struct {
	Event    *events.Event     `json:"event,omitempty"`
	Approval *approval.Request `json:"approval,omitempty"`
	Lagged   bool              `json:"lagged,omitempty"`
}

func (e Envelope) sessionID() string {
	switch {
	case e.Event != nil:
		return e.Event.SessionID
	case e.Approval != nil:
		return e.Approval.SessionID
	}
	return ""
}

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	id        int64
	sessionID string
	ch        chan Envelope

	mu     sync.Mutex
	lagged bool
	closed bool

	hub *Hub
}

// Recv blocks until the next envelope arrives, returning ok=false once the
// subscription is detached. The lagged flag is stamped here, on the first
// envelope read after drops occurred; it is never set on later ones.
func (s *Subscription) Recv() (Envelope, bool) {
	env, ok := <-s.ch
	if !ok {
		return Envelope{}, false
	}
	s.mu.Lock()
	if s.lagged {
		env.Lagged = true
		s.lagged = false
	}
	s.mu.Unlock()
	return env, true
}

// Unsubscribe detaches the subscription; a blocked Recv returns ok=false.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.id)
}

// deliver enqueues without blocking the publisher. When the buffer is full the
// oldest envelope is discarded and the lagged bit is raised; Recv surfaces it
// on whichever envelope the subscriber reads next.
func (s *Subscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Hub is the in-process broadcast bus.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool

	bufSize int
	logger  *logger.Logger
}

// New creates a hub. bufSize <= 0 selects DefaultBufferSize.
func New(log *logger.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[int64]*Subscription),
		bufSize: bufSize,
		logger:  log.WithFields(zap.String("component", "hub")),
	}
}

// Subscribe attaches a subscriber. A non-empty sessionID restricts delivery to
// envelopes for that session.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		sessionID: sessionID,
		ch:        make(chan Envelope, h.bufSize),
		hub:       h,
	}
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub

	h.logger.Debug("subscriber attached",
		zap.Int64("subscription_id", sub.id),
		zap.String("session_filter", sessionID),
		zap.Int("subscribers", len(h.subs)))
	return sub
}

// PublishEvent broadcasts an event to matching subscribers.
func (h *Hub) PublishEvent(ev *events.Event) {
	h.publish(Envelope{Event: ev})
}

// PublishApproval broadcasts an approval prompt to matching subscribers.
func (h *Hub) PublishApproval(req *approval.Request) {
	h.publish(Envelope{Approval: req})
}

func (h *Hub) publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != env.sessionID() {
			continue
		}
		sub.deliver(env)
	}
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches all subscribers and closes their channels. Later publishes
// are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[int64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

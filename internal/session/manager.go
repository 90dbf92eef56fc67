// Package session hosts the process-wide session manager: the registry of
// agent clients and sessions, and the orchestration between the ACP clients,
// the durable store, the approval broker, and the pub/sub hub.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/agent/client"
	"github.com/agentview/agentview/internal/agent/registry"
	"github.com/agentview/agentview/internal/approval"
	"github.com/agentview/agentview/internal/common/config"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/common/pathutil"
	"github.com/agentview/agentview/internal/hub"
	"github.com/agentview/agentview/internal/store"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ClientAPI is the slice of the agent client the manager depends on. Tests
// substitute a fake implementation so no child processes are spawned.
type ClientAPI interface {
	ID() string
	Kind() registry.Kind
	Cwd() string
	Status() client.Status
	Running() bool
	Info() client.Info
	Start(ctx context.Context) error
	CreateSession(ctx context.Context, cwd, localID string) (*client.SessionHandle, error)
	Prompt(ctx context.Context, localID string, blocks []protocol.ContentBlock) (string, error)
	Cancel(localID string) error
	SetMode(ctx context.Context, localID, modeID string) error
	ReleaseSession(localID string)
	SessionIDs() []string
	Stop(ctx context.Context) error
}

// ClientFactory builds an unstarted client for a kind and canonical cwd.
type ClientFactory func(kind registry.Kind, cwd string, hooks client.Hooks) (ClientAPI, error)

// Manager owns the client and session maps. All map mutations go through its
// operations; readers get snapshots.
type Manager struct {
	agentCfg config.AgentConfig

	store    *store.Store
	hub      *hub.Hub
	broker   *approval.Broker
	registry *registry.Registry
	factory  ClientFactory

	mu      sync.RWMutex
	clients map[string]ClientAPI

	spawnGroup singleflight.Group

	promptMu sync.Mutex
	inFlight map[string]struct{}

	logger *logger.Logger
}

// NewManager wires the manager into the store, hub, and broker. A nil factory
// selects the real subprocess-backed client.
func NewManager(agentCfg config.AgentConfig, st *store.Store, h *hub.Hub, br *approval.Broker, factory ClientFactory, log *logger.Logger) *Manager {
	m := &Manager{
		agentCfg: agentCfg,
		store:    st,
		hub:      h,
		broker:   br,
		registry: registry.New(agentCfg),
		factory:  factory,
		clients:  make(map[string]ClientAPI),
		inFlight: make(map[string]struct{}),
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
	if m.factory == nil {
		m.factory = func(kind registry.Kind, cwd string, hooks client.Hooks) (ClientAPI, error) {
			cmd, err := m.registry.Command(kind)
			if err != nil {
				return nil, err
			}
			return client.New(kind, cwd, cmd, agentCfg.StopGraceDuration(), hooks, log), nil
		}
	}

	st.SetOnWriteError(m.handleWriteError)
	br.OnCreate(m.handleApprovalCreated)
	return m
}

// FindOrSpawnClient returns a ready client for the canonical (kind, cwd) key,
// spawning one if none exists. Concurrent calls for the same key coalesce onto
// a single in-flight spawn.
func (m *Manager) FindOrSpawnClient(ctx context.Context, kind registry.Kind, cwd string) (client.Info, error) {
	canonical, err := pathutil.Canonicalize(cwd)
	if err != nil {
		return client.Info{}, apperrors.BadRequest(fmt.Sprintf("invalid working directory '%s'", cwd))
	}

	key := string(kind) + "|" + canonical
	v, err, _ := m.spawnGroup.Do(key, func() (interface{}, error) {
		if cl := m.findReady(kind, canonical); cl != nil {
			return cl, nil
		}
		return m.spawn(ctx, kind, canonical)
	})
	if err != nil {
		return client.Info{}, err
	}
	return v.(ClientAPI).Info(), nil
}

// SpawnClient always starts a new client, bypassing reuse. An existing ready
// client for the same key is left untouched.
func (m *Manager) SpawnClient(ctx context.Context, kind registry.Kind, cwd string) (client.Info, error) {
	canonical, err := pathutil.Canonicalize(cwd)
	if err != nil {
		return client.Info{}, apperrors.BadRequest(fmt.Sprintf("invalid working directory '%s'", cwd))
	}
	cl, err := m.spawn(ctx, kind, canonical)
	if err != nil {
		return client.Info{}, err
	}
	return cl.Info(), nil
}

// findReady returns the newest ready client with a live transport for the key.
func (m *Manager) findReady(kind registry.Kind, canonical string) ClientAPI {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best ClientAPI
	var bestAt time.Time
	for _, cl := range m.clients {
		if cl.Kind() != kind || cl.Cwd() != canonical {
			continue
		}
		if cl.Status() != client.StatusReady || !cl.Running() {
			continue
		}
		if info := cl.Info(); best == nil || info.CreatedAt.After(bestAt) {
			best = cl
			bestAt = info.CreatedAt
		}
	}
	return best
}

// spawn creates, starts, and registers a client. Spawn failures register
// nothing; a client that spawned but failed the handshake is registered in
// status error so the failure is visible.
func (m *Manager) spawn(ctx context.Context, kind registry.Kind, canonical string) (ClientAPI, error) {
	cl, err := m.factory(kind, canonical, client.Hooks{
		OnEvent:      m.handleEvent,
		OnPermission: m.handlePermission,
		OnExit:       m.handleClientExit,
	})
	if err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, m.agentCfg.SpawnTimeoutDuration())
	defer cancel()

	if err := cl.Start(startCtx); err != nil {
		if apperrors.Code(err) == apperrors.ErrCodeInitializeFailed {
			m.mu.Lock()
			m.clients[cl.ID()] = cl
			m.mu.Unlock()
		}
		return nil, err
	}

	m.mu.Lock()
	m.clients[cl.ID()] = cl
	m.mu.Unlock()

	m.logger.Info("client spawned",
		zap.String("client_id", cl.ID()),
		zap.String("kind", string(kind)),
		zap.String("cwd", canonical))
	return cl, nil
}

// StopClient gracefully shuts a client down and flips its non-terminal
// sessions to killed. Idempotent.
func (m *Manager) StopClient(ctx context.Context, clientID string) error {
	m.mu.Lock()
	cl, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := cl.Stop(ctx); err != nil {
		m.logger.Warn("client stop failed", zap.String("client_id", clientID), zap.Error(err))
	}
	m.killSessions(cl, nil)
	return nil
}

// GetClient returns a snapshot of one client.
func (m *Manager) GetClient(clientID string) (client.Info, error) {
	m.mu.RLock()
	cl, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return client.Info{}, apperrors.NotFound("client", clientID)
	}
	return cl.Info(), nil
}

// ListClients returns snapshots of all clients, newest-first.
func (m *Manager) ListClients() []client.Info {
	m.mu.RLock()
	infos := make([]client.Info, 0, len(m.clients))
	for _, cl := range m.clients {
		infos = append(infos, cl.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// CleanupStale sweeps sessions whose owning client is gone and whose status is
// non-terminal, flipping them to killed. Returns how many were swept.
func (m *Manager) CleanupStale() (int, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		m.mu.RLock()
		_, alive := m.clients[sess.ClientID]
		m.mu.RUnlock()
		if alive {
			continue
		}
		if err := m.store.UpdateStatus(sess.ID, store.StatusKilled); err != nil {
			m.logger.Warn("failed to mark stale session killed",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		m.broker.ExpireSession(sess.ID)
		swept++
	}
	return swept, nil
}

// Shutdown stops every client gracefully, then flushes and closes the store
// and detaches all subscribers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	clients := make([]ClientAPI, 0, len(m.clients))
	for _, cl := range m.clients {
		clients = append(clients, cl)
	}
	m.clients = make(map[string]ClientAPI)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cl := range clients {
		wg.Add(1)
		go func(cl ClientAPI) {
			defer wg.Done()
			if err := cl.Stop(ctx); err != nil {
				m.logger.Warn("client stop failed during shutdown",
					zap.String("client_id", cl.ID()), zap.Error(err))
			}
			m.killSessions(cl, nil)
		}(cl)
	}
	wg.Wait()

	if err := m.store.Close(); err != nil {
		m.logger.Warn("store close failed", zap.Error(err))
	}
	m.hub.Close()
	m.logger.Info("session manager shut down")
}

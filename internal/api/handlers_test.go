package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentview/agentview/internal/agent/client"
	"github.com/agentview/agentview/internal/agent/registry"
	"github.com/agentview/agentview/internal/approval"
	"github.com/agentview/agentview/internal/common/config"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/hub"
	"github.com/agentview/agentview/internal/session"
	"github.com/agentview/agentview/internal/store"
	"github.com/agentview/agentview/pkg/acp/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeClient satisfies session.ClientAPI so handler tests run without child
// processes.
type fakeClient struct {
	id    string
	kind  registry.Kind
	cwd   string
	hooks client.Hooks

	mu       sync.Mutex
	status   client.Status
	running  bool
	sessions map[string]string
	nextSess int

	promptFn func(sessionID string) (string, error)
}

func (f *fakeClient) ID() string          { return f.id }
func (f *fakeClient) Kind() registry.Kind { return f.kind }
func (f *fakeClient) Cwd() string         { return f.cwd }

func (f *fakeClient) Status() client.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeClient) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeClient) Info() client.Info {
	return client.Info{ID: f.id, Kind: f.kind, Cwd: f.cwd, Status: f.Status(), CreatedAt: time.Now().UTC()}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	f.status = client.StatusReady
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) CreateSession(ctx context.Context, cwd, localID string) (*client.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSess++
	agentID := fmt.Sprintf("%s-agent-%d", f.id, f.nextSess)
	if localID == "" {
		localID = agentID
	}
	f.sessions[localID] = agentID
	return &client.SessionHandle{
		LocalID: localID,
		AgentID: agentID,
		Modes: &protocol.SessionModeState{
			CurrentModeID:  "ask",
			AvailableModes: []protocol.SessionMode{{ID: "ask", Name: "Ask"}, {ID: "code", Name: "Code"}},
		},
	}, nil
}

func (f *fakeClient) Prompt(ctx context.Context, localID string, blocks []protocol.ContentBlock) (string, error) {
	if f.promptFn != nil {
		return f.promptFn(localID)
	}
	return protocol.StopReasonEndTurn, nil
}

func (f *fakeClient) Cancel(localID string) error                             { return nil }
func (f *fakeClient) SetMode(ctx context.Context, localID, modeID string) error { return nil }

func (f *fakeClient) ReleaseSession(localID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, localID)
}

func (f *fakeClient) SessionIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeClient) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.status = client.StatusStopped
	f.running = false
	f.mu.Unlock()
	return nil
}

type apiRig struct {
	router    *gin.Engine
	manager   *session.Manager
	hub       *hub.Hub
	configure func(*fakeClient)
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	log := newTestLogger(t)

	st, err := store.Open(config.StoreConfig{
		Dir:                t.TempDir(),
		MaxTailEvents:      20000,
		CoalesceWindowMs:   40,
		MetadataDebounceMs: 60,
	}, log)
	require.NoError(t, err)

	rig := &apiRig{hub: hub.New(log, 64)}
	broker := approval.NewBroker(log)

	factory := func(kind registry.Kind, cwd string, hooks client.Hooks) (session.ClientAPI, error) {
		f := &fakeClient{
			id:       uuid.NewString(),
			kind:     kind,
			cwd:      cwd,
			hooks:    hooks,
			status:   client.StatusStarting,
			sessions: make(map[string]string),
		}
		if rig.configure != nil {
			rig.configure(f)
		}
		return f, nil
	}

	rig.manager = session.NewManager(config.AgentConfig{SpawnTimeout: 5, StopGrace: 1}, st, rig.hub, broker, factory, log)
	t.Cleanup(func() { rig.manager.Shutdown(context.Background()) })

	rig.router = gin.New()
	NewHandler(rig.manager, rig.hub, log).RegisterRoutes(rig.router)
	return rig
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func (r *apiRig) spawnClient(t *testing.T, cwd string) string {
	t.Helper()
	w := r.do(t, http.MethodPost, "/api/v1/clients", gin.H{"kind": "gemini", "cwd": cwd})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info client.Info
	decode(t, w, &info)
	return info.ID
}

func (r *apiRig) createSession(t *testing.T, clientID string) string {
	t.Helper()
	w := r.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"clientId": clientID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view session.View
	decode(t, w, &view)
	return view.ID
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)
	w := rig.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSpawnClientReusesByDefault(t *testing.T) {
	rig := newAPIRig(t)
	dir := t.TempDir()

	first := rig.spawnClient(t, dir)
	second := rig.spawnClient(t, dir)
	assert.Equal(t, first, second)

	reuse := false
	w := rig.do(t, http.MethodPost, "/api/v1/clients", SpawnClientRequest{Kind: "gemini", Cwd: dir, Reuse: &reuse})
	require.Equal(t, http.StatusCreated, w.Code)
	var info client.Info
	decode(t, w, &info)
	assert.NotEqual(t, first, info.ID)
}

func TestSpawnClientValidation(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodPost, "/api/v1/clients", gin.H{"kind": "gemini"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = rig.do(t, http.MethodPost, "/api/v1/clients", gin.H{"kind": "not-an-agent", "cwd": t.TempDir()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, w, &body)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	rig := newAPIRig(t)
	clientID := rig.spawnClient(t, t.TempDir())
	sessionID := rig.createSession(t, clientID)

	w := rig.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", gin.H{"text": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		var view session.View
		resp := rig.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		decode(t, resp, &view)
		return view.Status == store.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	w = rig.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var evBody struct {
		Events []json.RawMessage `json:"events"`
	}
	decode(t, w, &evBody)
	assert.Len(t, evBody.Events, 2) // user message + complete

	w = rig.do(t, http.MethodPatch, "/api/v1/sessions/"+sessionID, gin.H{"name": "renamed", "projectId": "proj-1", "worktreeBranch": "main"})
	require.Equal(t, http.StatusOK, w.Code)
	var view session.View
	decode(t, w, &view)
	assert.Equal(t, "renamed", view.Name)
	assert.Equal(t, "proj-1", view.ProjectID)
	assert.Equal(t, "main", view.WorktreeBranch)

	w = rig.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = rig.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsMaxValidation(t *testing.T) {
	rig := newAPIRig(t)
	clientID := rig.spawnClient(t, t.TempDir())
	sessionID := rig.createSession(t, clientID)

	w := rig.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/events?max=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	rig.configure = func(f *fakeClient) {
		f.promptFn = func(sessionID string) (string, error) {
			resp, err := f.hooks.OnPermission(context.Background(), protocol.RequestPermissionRequest{
				SessionID: f.sessions[sessionID],
				ToolCall:  protocol.PermissionToolCallRef{ToolCallID: "tc-1"},
				Options: []protocol.PermissionOption{
					{OptionID: "allow", Name: "Allow", Kind: protocol.PermissionAllowOnce},
					{OptionID: "deny", Name: "Deny", Kind: protocol.PermissionRejectOnce},
				},
			})
			if err != nil {
				return "", err
			}
			if resp.Outcome.Outcome != protocol.OutcomeSelected {
				return protocol.StopReasonRefusal, nil
			}
			return protocol.StopReasonEndTurn, nil
		}
	}

	clientID := rig.spawnClient(t, t.TempDir())
	sessionID := rig.createSession(t, clientID)

	w := rig.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", gin.H{"text": "run the tool"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var approvalID string
	require.Eventually(t, func() bool {
		var body struct {
			Approvals []*approval.Request `json:"approvals"`
		}
		resp := rig.do(t, http.MethodGet, "/api/v1/approvals", nil)
		decode(t, resp, &body)
		if len(body.Approvals) != 1 {
			return false
		}
		approvalID = body.Approvals[0].ID
		return true
	}, 2*time.Second, 20*time.Millisecond)

	w = rig.do(t, http.MethodPost, "/api/v1/approvals/"+approvalID+"/approve", gin.H{"optionId": "allow"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		var view session.View
		resp := rig.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		decode(t, resp, &view)
		return view.Status == store.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	// Already resolved.
	w = rig.do(t, http.MethodPost, "/api/v1/approvals/"+approvalID+"/deny", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// Package api exposes the supervisor over HTTP: REST handlers for client,
// session, and approval operations, plus a WebSocket event stream.
package api

import (
	"net/http"
	"strconv"

	"github.com/agentview/agentview/internal/agent/registry"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/hub"
	"github.com/agentview/agentview/internal/session"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler holds the HTTP handlers for the supervisor API.
type Handler struct {
	manager *session.Manager
	hub     *hub.Hub
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(m *session.Manager, h *hub.Hub, log *logger.Logger) *Handler {
	return &Handler{
		manager: m,
		hub:     h,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts all endpoints under /api/v1.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/clients", h.ListClients)
		v1.POST("/clients", h.SpawnClient)
		v1.GET("/clients/:clientId", h.GetClient)
		v1.DELETE("/clients/:clientId", h.StopClient)
		v1.POST("/clients/cleanup", h.CleanupStale)

		v1.GET("/sessions", h.ListSessions)
		v1.POST("/sessions", h.CreateSession)
		v1.GET("/sessions/:sessionId", h.GetSession)
		v1.PATCH("/sessions/:sessionId", h.UpdateSession)
		v1.DELETE("/sessions/:sessionId", h.DeleteSession)
		v1.POST("/sessions/:sessionId/messages", h.SendMessage)
		v1.POST("/sessions/:sessionId/cancel", h.CancelSession)
		v1.POST("/sessions/:sessionId/mode", h.SetMode)
		v1.POST("/sessions/:sessionId/reconnect", h.ReconnectSession)
		v1.GET("/sessions/:sessionId/events", h.GetSessionEvents)

		v1.GET("/approvals", h.ListApprovals)
		v1.POST("/approvals/:approvalId/approve", h.Approve)
		v1.POST("/approvals/:approvalId/deny", h.Deny)

		v1.GET("/stream", h.Stream)
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": gin.H{
		"code":    apperrors.Code(err),
		"message": err.Error(),
	}})
}

// SpawnClientRequest selects the agent kind and working directory. Reuse
// defaults to true (find-or-spawn); false forces a fresh child.
type SpawnClientRequest struct {
	Kind  string `json:"kind" binding:"required"`
	Cwd   string `json:"cwd" binding:"required"`
	Reuse *bool  `json:"reuse,omitempty"`
}

// SpawnClient finds or spawns a client.
// POST /api/v1/clients
func (h *Handler) SpawnClient(c *gin.Context) {
	var req SpawnClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	kind, err := registry.ParseKind(req.Kind)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if req.Reuse != nil && !*req.Reuse {
		info, err := h.manager.SpawnClient(c.Request.Context(), kind, req.Cwd)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
		return
	}

	info, err := h.manager.FindOrSpawnClient(c.Request.Context(), kind, req.Cwd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListClients returns all clients newest-first.
// GET /api/v1/clients
func (h *Handler) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.manager.ListClients()})
}

// GetClient returns one client.
// GET /api/v1/clients/:clientId
func (h *Handler) GetClient(c *gin.Context) {
	info, err := h.manager.GetClient(c.Param("clientId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// StopClient gracefully stops a client.
// DELETE /api/v1/clients/:clientId
func (h *Handler) StopClient(c *gin.Context) {
	if err := h.manager.StopClient(c.Request.Context(), c.Param("clientId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "client stopped"})
}

// CleanupStale sweeps sessions whose owning client is gone.
// POST /api/v1/clients/cleanup
func (h *Handler) CleanupStale(c *gin.Context) {
	swept, err := h.manager.CleanupStale()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}

// CreateSessionRequest opens a session on an existing client.
type CreateSessionRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	Cwd      string `json:"cwd,omitempty"`
}

// CreateSession creates a session.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	view, err := h.manager.CreateSession(c.Request.Context(), req.ClientID, req.Cwd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListSessions returns sessions newest-first, optionally scoped to a client.
// GET /api/v1/sessions?clientId=
func (h *Handler) ListSessions(c *gin.Context) {
	views, err := h.manager.ListSessions(c.Query("clientId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// GetSession returns one session.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	view, err := h.manager.GetSession(c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SendMessageRequest is one prompt turn.
type SendMessageRequest struct {
	Text        string                  `json:"text"`
	Attachments []protocol.ContentBlock `json:"attachments,omitempty"`
}

// SendMessage enqueues a prompt turn; events stream out asynchronously.
// POST /api/v1/sessions/:sessionId/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.manager.SendMessage(c.Request.Context(), c.Param("sessionId"), req.Text, req.Attachments); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "prompt enqueued"})
}

// CancelSession cancels the in-flight prompt, if any.
// POST /api/v1/sessions/:sessionId/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	if err := h.manager.CancelSession(c.Param("sessionId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancel requested"})
}

// UpdateSessionRequest carries metadata edits: the user-visible name and the
// project/worktree association. Absent fields are left untouched.
type UpdateSessionRequest struct {
	Name           *string `json:"name,omitempty"`
	ProjectID      *string `json:"projectId,omitempty"`
	WorktreeID     *string `json:"worktreeId,omitempty"`
	WorktreeBranch *string `json:"worktreeBranch,omitempty"`
}

// UpdateSession renames a session and/or updates its project context.
// PATCH /api/v1/sessions/:sessionId
func (h *Handler) UpdateSession(c *gin.Context) {
	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	sessionID := c.Param("sessionId")

	view, err := h.manager.GetSession(sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if req.Name != nil {
		if view, err = h.manager.RenameSession(sessionID, *req.Name); err != nil {
			h.respondError(c, err)
			return
		}
	}
	if req.ProjectID != nil || req.WorktreeID != nil || req.WorktreeBranch != nil {
		projectID := view.ProjectID
		worktreeID := view.WorktreeID
		branch := view.WorktreeBranch
		if req.ProjectID != nil {
			projectID = *req.ProjectID
		}
		if req.WorktreeID != nil {
			worktreeID = *req.WorktreeID
		}
		if req.WorktreeBranch != nil {
			branch = *req.WorktreeBranch
		}
		if view, err = h.manager.SetProjectContext(sessionID, projectID, worktreeID, branch); err != nil {
			h.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, view)
}

// SetModeRequest switches the session's agent mode.
type SetModeRequest struct {
	ModeID string `json:"modeId" binding:"required"`
}

// SetMode switches the session mode.
// POST /api/v1/sessions/:sessionId/mode
func (h *Handler) SetMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.manager.SetMode(c.Request.Context(), c.Param("sessionId"), req.ModeID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "mode updated"})
}

// DeleteSession removes a session, its events, and its pending approvals.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.DeleteSession(c.Param("sessionId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// ReconnectSession reattaches a session to a fresh client.
// POST /api/v1/sessions/:sessionId/reconnect
func (h *Handler) ReconnectSession(c *gin.Context) {
	view, err := h.manager.ReconnectSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetSessionEvents returns the tail of the session's event log.
// GET /api/v1/sessions/:sessionId/events?max=
func (h *Handler) GetSessionEvents(c *gin.Context) {
	maxN := 0
	if raw := c.Query("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(c, apperrors.BadRequest("max must be a non-negative integer"))
			return
		}
		maxN = n
	}

	evs, err := h.manager.GetSessionEvents(c.Param("sessionId"), maxN)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// ListApprovals returns pending approvals in creation order.
// GET /api/v1/approvals
func (h *Handler) ListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": h.manager.ListApprovals()})
}

// ApproveRequest selects the permission option to grant.
type ApproveRequest struct {
	OptionID string `json:"optionId" binding:"required"`
}

// Approve grants a pending approval.
// POST /api/v1/approvals/:approvalId/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.manager.Approve(c.Param("approvalId"), req.OptionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "approved"})
}

// Deny rejects a pending approval.
// POST /api/v1/approvals/:approvalId/deny
func (h *Handler) Deny(c *gin.Context) {
	if err := h.manager.Deny(c.Param("approvalId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "denied"})
}

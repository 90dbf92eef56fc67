package store

import (
	"encoding/json"
	"time"

	"github.com/agentview/agentview/pkg/acp/protocol"
)

// Status is a session's lifecycle status.
type Status string

// Session statuses. Transitions are monotone into the terminal set.
const (
	StatusIdle            Status = "idle"
	StatusStarting        Status = "starting"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting-approval"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusKilled          Status = "killed"
)

// Terminal reports whether the status accepts no further prompts.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusKilled
}

// Session is the persisted metadata for one agent conversation.
type Session struct {
	ID             string                 `json:"id"`
	ClientID       string                 `json:"clientId"`
	Kind           string                 `json:"kind"`
	Cwd            string                 `json:"cwd"`
	Name           string                 `json:"name,omitempty"`
	Status         Status                 `json:"status"`
	AvailableModes []protocol.SessionMode `json:"availableModes,omitempty"`
	CurrentModeID  string                 `json:"currentModeId,omitempty"`
	ConfigOptions  json.RawMessage        `json:"configOptions,omitempty"`
	ProjectID      string                 `json:"projectId,omitempty"`
	WorktreeID     string                 `json:"worktreeId,omitempty"`
	WorktreeBranch string                 `json:"worktreeBranch,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// sessionRow is the flat sqlite row shape; JSON columns are stored as text.
type sessionRow struct {
	ID             string    `db:"id"`
	ClientID       string    `db:"client_id"`
	Kind           string    `db:"kind"`
	Cwd            string    `db:"cwd"`
	Name           string    `db:"name"`
	Status         string    `db:"status"`
	AvailableModes string    `db:"available_modes"`
	CurrentModeID  string    `db:"current_mode_id"`
	ConfigOptions  string    `db:"config_options"`
	ProjectID      string    `db:"project_id"`
	WorktreeID     string    `db:"worktree_id"`
	WorktreeBranch string    `db:"worktree_branch"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func toRow(s *Session) (*sessionRow, error) {
	modes := "[]"
	if len(s.AvailableModes) > 0 {
		data, err := json.Marshal(s.AvailableModes)
		if err != nil {
			return nil, err
		}
		modes = string(data)
	}
	return &sessionRow{
		ID:             s.ID,
		ClientID:       s.ClientID,
		Kind:           s.Kind,
		Cwd:            s.Cwd,
		Name:           s.Name,
		Status:         string(s.Status),
		AvailableModes: modes,
		CurrentModeID:  s.CurrentModeID,
		ConfigOptions:  string(s.ConfigOptions),
		ProjectID:      s.ProjectID,
		WorktreeID:     s.WorktreeID,
		WorktreeBranch: s.WorktreeBranch,
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
	}, nil
}

func fromRow(r *sessionRow) (*Session, error) {
	s := &Session{
		ID:             r.ID,
		ClientID:       r.ClientID,
		Kind:           r.Kind,
		Cwd:            r.Cwd,
		Name:           r.Name,
		Status:         Status(r.Status),
		CurrentModeID:  r.CurrentModeID,
		ProjectID:      r.ProjectID,
		WorktreeID:     r.WorktreeID,
		WorktreeBranch: r.WorktreeBranch,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.AvailableModes != "" && r.AvailableModes != "[]" {
		if err := json.Unmarshal([]byte(r.AvailableModes), &s.AvailableModes); err != nil {
			return nil, err
		}
	}
	if r.ConfigOptions != "" {
		s.ConfigOptions = json.RawMessage(r.ConfigOptions)
	}
	return s, nil
}

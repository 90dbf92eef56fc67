// Package store is the durable session store: session metadata in a single
// sqlite file, events in one append-only JSONL file per session. Streaming
// text chunks are coalesced in memory before hitting disk.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/common/config"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/events"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	metadataFile = "agentview.db"
	eventsSubdir = "events"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	cwd             TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	available_modes TEXT NOT NULL DEFAULT '[]',
	current_mode_id TEXT NOT NULL DEFAULT '',
	config_options  TEXT NOT NULL DEFAULT '',
	project_id      TEXT NOT NULL DEFAULT '',
	worktree_id     TEXT NOT NULL DEFAULT '',
	worktree_branch TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_client_id ON sessions(client_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// WriteErrorFunc is notified when an asynchronous (timer-driven) event flush
// fails. The session manager converts these into error events.
type WriteErrorFunc func(sessionID string, err error)

// Store owns the metadata database and the per-session event logs.
type Store struct {
	db        *sqlx.DB
	dir       string
	eventsDir string

	maxTail  int
	window   time.Duration
	debounce time.Duration

	mu      sync.Mutex
	buffers map[string]*coalesceBuffer
	touches map[string]*time.Timer
	gen     uint64
	closed  bool

	onWriteError WriteErrorFunc

	logger *logger.Logger
}

// Open creates the store directory if needed, migrates any legacy layout, and
// opens the metadata database.
func Open(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = ".agent-store"
	}
	eventsDir := filepath.Join(dir, eventsSubdir)
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, apperrors.DiskError("failed to create store directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(dir, metadataFile))
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.DiskError("failed to open metadata database", err)
	}
	// One writer at a time keeps sqlite happy under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.DiskError("failed to initialize schema", err)
	}

	s := &Store{
		db:        db,
		dir:       dir,
		eventsDir: eventsDir,
		maxTail:   cfg.MaxTailEvents,
		window:    cfg.CoalesceWindow(),
		debounce:  cfg.MetadataDebounce(),
		buffers:   make(map[string]*coalesceBuffer),
		touches:   make(map[string]*time.Timer),
		logger:    log.WithFields(zap.String("component", "store")),
	}
	if s.maxTail <= 0 {
		s.maxTail = 20000
	}
	if s.window <= 0 {
		s.window = 500 * time.Millisecond
	}
	if s.debounce <= 0 {
		s.debounce = 2 * time.Second
	}

	if err := s.migrateLegacy(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetOnWriteError registers the async write failure callback.
func (s *Store) SetOnWriteError(fn WriteErrorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWriteError = fn
}

// Close flushes pending buffers and closes the database.
func (s *Store) Close() error {
	if err := s.FlushAll(); err != nil {
		s.logger.Warn("flush on close failed", zap.Error(err))
	}

	s.mu.Lock()
	s.closed = true
	for id, t := range s.touches {
		t.Stop()
		delete(s.touches, id)
	}
	s.mu.Unlock()

	return s.db.Close()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// EventFilePath returns the JSONL path for a session.
func (s *Store) EventFilePath(sessionID string) string {
	return filepath.Join(s.eventsDir, sessionID+".jsonl")
}

// SaveSession upserts session metadata. Optional initial events are written
// to the session's log as one block before the metadata row, so a crash in
// between never leaves a visible session without its initial events.
func (s *Store) SaveSession(sess *Session, initial ...*events.Event) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = time.Now().UTC()

	row, err := toRow(sess)
	if err != nil {
		return apperrors.InternalError("failed to encode session metadata", err)
	}

	if len(initial) > 0 {
		s.mu.Lock()
		err := s.appendBlock(sess.ID, initial)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}

	_, err = s.db.NamedExec(`
		INSERT INTO sessions (id, client_id, kind, cwd, name, status,
			available_modes, current_mode_id, config_options,
			project_id, worktree_id, worktree_branch, created_at, updated_at)
		VALUES (:id, :client_id, :kind, :cwd, :name, :status,
			:available_modes, :current_mode_id, :config_options,
			:project_id, :worktree_id, :worktree_branch, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			kind = excluded.kind,
			cwd = excluded.cwd,
			name = excluded.name,
			status = excluded.status,
			available_modes = excluded.available_modes,
			current_mode_id = excluded.current_mode_id,
			config_options = excluded.config_options,
			project_id = excluded.project_id,
			worktree_id = excluded.worktree_id,
			worktree_branch = excluded.worktree_branch,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return apperrors.DiskError("failed to save session", err)
	}
	return nil
}

// GetSession loads one session's metadata.
func (s *Store) GetSession(id string) (*Session, error) {
	var row sessionRow
	if err := s.db.Get(&row, `SELECT * FROM sessions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.DiskError("failed to load session", err)
	}
	return fromRow(&row)
}

// ListSessions returns all sessions newest-first.
func (s *Store) ListSessions() ([]*Session, error) {
	var rows []sessionRow
	if err := s.db.Select(&rows, `SELECT * FROM sessions ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, apperrors.DiskError("failed to list sessions", err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable session row",
				zap.String("session_id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// UpdateStatus sets the session status. Supersedes any pending debounced
// updated_at touch.
func (s *Store) UpdateStatus(id string, status Status) error {
	s.cancelTouch(id)
	return s.exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		"failed to update session status", string(status), time.Now().UTC(), id)
}

// UpdateName sets the user-editable session name.
func (s *Store) UpdateName(id, name string) error {
	return s.exec(`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		"failed to update session name", name, time.Now().UTC(), id)
}

// UpdateMode sets the current mode id.
func (s *Store) UpdateMode(id, modeID string) error {
	return s.exec(`UPDATE sessions SET current_mode_id = ?, updated_at = ? WHERE id = ?`,
		"failed to update session mode", modeID, time.Now().UTC(), id)
}

// UpdateModes replaces the mode state (available modes and current mode).
func (s *Store) UpdateModes(id string, modes *protocol.SessionModeState) error {
	avail := "[]"
	current := ""
	if modes != nil {
		data, err := json.Marshal(modes.AvailableModes)
		if err != nil {
			return apperrors.InternalError("failed to encode session modes", err)
		}
		avail = string(data)
		current = modes.CurrentModeID
	}
	return s.exec(`UPDATE sessions SET available_modes = ?, current_mode_id = ?, updated_at = ? WHERE id = ?`,
		"failed to update session modes", avail, current, time.Now().UTC(), id)
}

// UpdateConfigOptions replaces the raw agent config options blob.
func (s *Store) UpdateConfigOptions(id string, opts json.RawMessage) error {
	return s.exec(`UPDATE sessions SET config_options = ?, updated_at = ? WHERE id = ?`,
		"failed to update session config options", string(opts), time.Now().UTC(), id)
}

// UpdateProjectContext sets the project/worktree association.
func (s *Store) UpdateProjectContext(id, projectID, worktreeID, branch string) error {
	return s.exec(`UPDATE sessions SET project_id = ?, worktree_id = ?, worktree_branch = ?, updated_at = ? WHERE id = ?`,
		"failed to update session project context", projectID, worktreeID, branch, time.Now().UTC(), id)
}

// DeleteSession removes metadata and the event file. Any pending coalesce
// buffer for the session is discarded, not flushed.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	if b, ok := s.buffers[id]; ok {
		b.timer.Stop()
		delete(s.buffers, id)
	}
	s.mu.Unlock()
	s.cancelTouch(id)

	if err := s.exec(`DELETE FROM sessions WHERE id = ?`, "failed to delete session", id); err != nil {
		return err
	}
	if err := os.Remove(s.EventFilePath(id)); err != nil && !os.IsNotExist(err) {
		return apperrors.DiskError("failed to remove event file", err)
	}
	return nil
}

func (s *Store) exec(query, failMsg string, args ...interface{}) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return apperrors.DiskError(failMsg, err)
	}
	return nil
}

// scheduleTouch arranges a debounced updated_at bump after event appends.
func (s *Store) scheduleTouch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.touches[id]; ok {
		t.Reset(s.debounce)
		return
	}
	s.touches[id] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.touches, id)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err := s.exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
			"failed to touch session", time.Now().UTC(), id); err != nil {
			s.logger.Warn("debounced metadata touch failed",
				zap.String("session_id", id), zap.Error(err))
		}
	})
}

func (s *Store) cancelTouch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.touches[id]; ok {
		t.Stop()
		delete(s.touches, id)
	}
}

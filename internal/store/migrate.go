package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/events"
	"go.uber.org/zap"
)

// legacySession is the old single-file layout: one sessions/<id>.json per
// session holding metadata and the full event history together.
type legacySession struct {
	Session
	Events []*events.Event `json:"events,omitempty"`
}

// migrateLegacy moves any sessions/<id>.json files into the relational store
// and per-session JSONL logs, then renames the directory to sessions.bak.
// Runs once; a renamed directory is never revisited.
func (s *Store) migrateLegacy() error {
	legacyDir := filepath.Join(s.dir, "sessions")
	info, err := os.Stat(legacyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.DiskError("failed to stat legacy sessions directory", err)
	}
	if !info.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(legacyDir)
	if err != nil {
		return apperrors.DiskError("failed to read legacy sessions directory", err)
	}

	migrated := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(legacyDir, entry.Name())
		if err := s.migrateLegacyFile(path, strings.TrimSuffix(entry.Name(), ".json")); err != nil {
			s.logger.Warn("skipping unmigratable legacy session file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		migrated++
	}

	backup := filepath.Join(s.dir, "sessions.bak")
	if _, err := os.Stat(backup); err == nil {
		backup = fmt.Sprintf("%s.%d", backup, time.Now().UnixNano())
	}
	if err := os.Rename(legacyDir, backup); err != nil {
		return apperrors.DiskError("failed to move legacy sessions directory aside", err)
	}

	s.logger.Info("migrated legacy session store",
		zap.Int("sessions", migrated),
		zap.String("backup", backup))
	return nil
}

func (s *Store) migrateLegacyFile(path, fallbackID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var legacy legacySession
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if legacy.ID == "" {
		legacy.ID = fallbackID
	}
	if legacy.Status == "" {
		legacy.Status = StatusKilled
	}

	if err := s.SaveSession(&legacy.Session); err != nil {
		return err
	}

	// Only materialize the event log once; a JSONL that already exists wins.
	if _, err := os.Stat(s.EventFilePath(legacy.ID)); err == nil || len(legacy.Events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendBlock(legacy.ID, legacy.Events)
}

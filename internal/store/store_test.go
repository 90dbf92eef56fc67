package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentview/agentview/internal/common/config"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/events"
	"github.com/agentview/agentview/pkg/acp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Dir:                t.TempDir(),
		MaxTailEvents:      20000,
		CoalesceWindowMs:   40,
		MetadataDebounceMs: 60,
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id string) *Session {
	return &Session{
		ID:       id,
		ClientID: "client-1",
		Kind:     "gemini",
		Cwd:      "/tmp/proj",
		Status:   StatusIdle,
	}
}

func messageEvent(sessionID, content string, isUser bool) *events.Event {
	return &events.Event{
		Type:      events.TypeMessage,
		ClientID:  "client-1",
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   events.MessagePayload{Content: content, IsUser: isUser},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	sess := newSession("s1")
	sess.Name = "refactor parser"
	sess.AvailableModes = []protocol.SessionMode{{ID: "ask", Name: "Ask"}, {ID: "code", Name: "Code"}}
	sess.CurrentModeID = "ask"
	sess.ConfigOptions = json.RawMessage(`{"model":"fast"}`)
	sess.ProjectID = "p1"
	sess.WorktreeID = "w1"
	sess.WorktreeBranch = "feature/x"
	require.NoError(t, s.SaveSession(sess))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ClientID, got.ClientID)
	assert.Equal(t, sess.Kind, got.Kind)
	assert.Equal(t, sess.Name, got.Name)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Equal(t, sess.AvailableModes, got.AvailableModes)
	assert.Equal(t, "ask", got.CurrentModeID)
	assert.JSONEq(t, `{"model":"fast"}`, string(got.ConfigOptions))
	assert.Equal(t, "feature/x", got.WorktreeBranch)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveSessionWritesInitialEventsBeforeMetadata(t *testing.T) {
	s := openTestStore(t)

	sess := newSession("s1")
	require.NoError(t, s.SaveSession(sess,
		messageEvent("s1", "open the project", true),
		messageEvent("s1", "on it", false)))

	// The log block must already be durable by the time the row is visible.
	data, err := os.ReadFile(s.EventFilePath("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte{'\n'}))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)

	evs, err := s.TailEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "open the project", evs[0].Payload.(events.MessagePayload).Content)
	assert.Equal(t, "on it", evs[1].Payload.(events.MessagePayload).Content)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		sess := newSession(fmt.Sprintf("s%d", i))
		sess.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveSession(sess))
	}

	list, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, "s0", list[2].ID)
}

func TestMetadataUpdates(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	require.NoError(t, s.UpdateStatus("s1", StatusRunning))
	require.NoError(t, s.UpdateName("s1", "renamed"))
	require.NoError(t, s.UpdateMode("s1", "code"))
	require.NoError(t, s.UpdateProjectContext("s1", "p1", "w1", "main"))
	require.NoError(t, s.UpdateModes("s1", &protocol.SessionModeState{
		CurrentModeID:  "plan",
		AvailableModes: []protocol.SessionMode{{ID: "plan", Name: "Plan"}},
	}))
	require.NoError(t, s.UpdateConfigOptions("s1", json.RawMessage(`{"a":1}`)))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "plan", got.CurrentModeID)
	assert.Equal(t, "main", got.WorktreeBranch)
	require.Len(t, got.AvailableModes, 1)
	assert.JSONEq(t, `{"a":1}`, string(got.ConfigOptions))
}

func TestAppendAndTailDirectWrite(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	ev := &events.Event{
		Type:      events.TypeComplete,
		ClientID:  "client-1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Payload:   events.CompletePayload{StopReason: protocol.StopReasonEndTurn},
	}
	require.NoError(t, s.AppendEvent(ev))

	tail, err := s.TailEvents("s1", 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, events.TypeComplete, tail[0].Type)
	assert.Equal(t, protocol.StopReasonEndTurn, tail[0].Payload.(events.CompletePayload).StopReason)
}

func TestStreamedChunksCoalesce(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	for _, chunk := range []string{"Hel", "lo,", " wor", "ld!"} {
		require.NoError(t, s.AppendEvent(messageEvent("s1", chunk, false)))
	}
	require.NoError(t, s.AppendEvent(&events.Event{
		Type:      events.TypeComplete,
		ClientID:  "client-1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Payload:   events.CompletePayload{StopReason: protocol.StopReasonEndTurn},
	}))

	tail, err := s.TailEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, events.TypeMessage, tail[0].Type)
	assert.Equal(t, "Hello, world!", tail[0].Payload.(events.MessagePayload).Content)
	assert.Equal(t, events.TypeComplete, tail[1].Type)
}

func TestUserAndAgentChunksDoNotMerge(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	require.NoError(t, s.AppendEvent(messageEvent("s1", "do the thing", true)))
	require.NoError(t, s.AppendEvent(messageEvent("s1", "on it", false)))
	require.NoError(t, s.Flush("s1"))

	tail, err := s.TailEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.True(t, tail[0].Payload.(events.MessagePayload).IsUser)
	assert.False(t, tail[1].Payload.(events.MessagePayload).IsUser)
}

func TestCoalesceTimerFlushes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	require.NoError(t, s.AppendEvent(messageEvent("s1", "hi", false)))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.EventFilePath("s1"))
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond, "coalesce timer never flushed")
}

func TestTailSkipsCorruptTrailingLine(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(&events.Event{
			Type:      events.TypeToolCall,
			ClientID:  "client-1",
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			Payload:   events.ToolCallPayload{ToolCallID: fmt.Sprintf("tc-%d", i), Status: "pending"},
		}))
	}

	// Simulate a crash mid-write.
	f, err := os.OpenFile(s.EventFilePath("s1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"tool-call","clientId":"cl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tail, err := s.TailEvents("s1", 100)
	require.NoError(t, err)
	require.Len(t, tail, 5)
	assert.Equal(t, "tc-4", tail[4].Payload.(events.ToolCallPayload).ToolCallID)
}

func TestTailMaxN(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	for i := 0; i < 50; i++ {
		require.NoError(t, s.AppendEvent(&events.Event{
			Type:      events.TypeToolCall,
			ClientID:  "client-1",
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			Payload:   events.ToolCallPayload{ToolCallID: fmt.Sprintf("tc-%d", i)},
		}))
	}

	tail, err := s.TailEvents("s1", 10)
	require.NoError(t, err)
	require.Len(t, tail, 10)
	assert.Equal(t, "tc-40", tail[0].Payload.(events.ToolCallPayload).ToolCallID)
	assert.Equal(t, "tc-49", tail[9].Payload.(events.ToolCallPayload).ToolCallID)
}

func TestUnknownEventSurvivesTail(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	require.NoError(t, s.AppendEvent(&events.Event{
		Type:      events.TypeUnknown,
		ClientID:  "client-1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Payload:   events.UnknownPayload{RawType: "future_variant", Raw: json.RawMessage(`{"x":1}`)},
	}))

	tail, err := s.TailEvents("s1", 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, events.TypeUnknown, tail[0].Type)
	p := tail[0].Payload.(events.UnknownPayload)
	assert.Equal(t, "future_variant", p.RawType)
	assert.JSONEq(t, `{"x":1}`, string(p.Raw))
}

func TestDeleteSessionDiscardsBufferAndFiles(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))

	require.NoError(t, s.AppendEvent(messageEvent("s1", "pending", false)))
	require.NoError(t, s.DeleteSession("s1"))

	_, err := s.GetSession("s1")
	assert.True(t, apperrors.IsNotFound(err))

	// The buffered chunk must not surface after deletion.
	require.NoError(t, s.FlushAll())
	_, err = os.Stat(s.EventFilePath("s1"))
	assert.True(t, os.IsNotExist(err))

	tail, err := s.TailEvents("s1", 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestFlushAll(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(newSession("s1")))
	require.NoError(t, s.SaveSession(newSession("s2")))

	require.NoError(t, s.AppendEvent(messageEvent("s1", "a", false)))
	require.NoError(t, s.AppendEvent(messageEvent("s2", "b", false)))
	require.NoError(t, s.FlushAll())

	for _, id := range []string{"s1", "s2"} {
		tail, err := s.TailEvents(id, 0)
		require.NoError(t, err)
		require.Len(t, tail, 1)
	}
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))

	legacy := map[string]interface{}{
		"id":       "old-1",
		"clientId": "client-9",
		"kind":     "claude-code",
		"cwd":      "/tmp/old",
		"name":     "legacy run",
		"status":   "completed",
		"events": []map[string]interface{}{
			{"type": "message", "clientId": "client-9", "sessionId": "old-1",
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				"payload":   map[string]interface{}{"content": "hello"}},
			{"type": "complete", "clientId": "client-9", "sessionId": "old-1",
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				"payload":   map[string]interface{}{"stopReason": "end_turn"}},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "old-1.json"), data, 0o644))

	s, err := Open(config.StoreConfig{Dir: dir, MaxTailEvents: 100, CoalesceWindowMs: 40, MetadataDebounceMs: 60}, testLogger(t))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetSession("old-1")
	require.NoError(t, err)
	assert.Equal(t, "client-9", got.ClientID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "legacy run", got.Name)

	tail, err := s.TailEvents("old-1", 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "hello", tail[0].Payload.(events.MessagePayload).Content)

	_, err = os.Stat(legacyDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "sessions.bak"))
	assert.NoError(t, err)
}

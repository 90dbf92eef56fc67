package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentview/agentview/internal/agent/registry"
	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/common/logger"
	"github.com/agentview/agentview/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func chunkParams(t *testing.T, sessionID, text string) json.RawMessage {
	t.Helper()
	params, err := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"update": map[string]interface{}{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": text},
		},
	})
	require.NoError(t, err)
	return params
}

func TestUpdatesAfterTransportCloseAreDropped(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []*events.Event
	)
	c := New(registry.KindGemini, "/tmp/p", registry.Command{Path: "true"}, time.Second,
		Hooks{
			OnEvent: func(ev *events.Event) {
				mu.Lock()
				delivered = append(delivered, ev)
				mu.Unlock()
			},
			OnExit: func(string, error) {},
		}, testLogger(t))
	go c.pumpEvents()

	c.handleNotification("session/update", chunkParams(t, "s1", "before close"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 10*time.Millisecond)

	c.handleClose(nil)
	assert.Equal(t, StatusStopped, c.Status())

	// The read loop can still be mid-notification when the transport dies;
	// this must be a silent drop, not a send on a closed channel.
	c.handleNotification("session/update", chunkParams(t, "s1", "after close"))
	c.handleClose(nil) // idempotent

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "before close", delivered[0].Payload.(events.MessagePayload).Content)
}

func TestConcurrentUpdatesRacingTransportClose(t *testing.T) {
	c := New(registry.KindGemini, "/tmp/p", registry.Command{Path: "true"}, time.Second,
		Hooks{OnEvent: func(*events.Event) {}}, testLogger(t))
	go c.pumpEvents()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.handleNotification("session/update",
					chunkParams(t, "s1", fmt.Sprintf("g%d-%d", n, j)))
			}
		}(i)
	}
	c.handleClose(nil)
	wg.Wait()
}

func TestStartReportsSpawnFailure(t *testing.T) {
	c := New(registry.KindGemini, t.TempDir(),
		registry.Command{Path: "/nonexistent/agent-binary"}, time.Second,
		Hooks{}, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSpawnFailed, apperrors.Code(err))
}

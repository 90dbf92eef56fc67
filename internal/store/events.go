package store

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	apperrors "github.com/agentview/agentview/internal/common/errors"
	"github.com/agentview/agentview/internal/events"
	"go.uber.org/zap"
)

// tailChunkSize is the read granularity for backwards tail scans.
const tailChunkSize = 64 * 1024

// coalesceBuffer holds at most one pending mergeable event per session. gen
// guards the flush timer against racing a newer buffer for the same session.
type coalesceBuffer struct {
	ev    *events.Event
	timer *time.Timer
	gen   uint64
}

// AppendEvent appends one event to the session's log. Streaming text chunks
// are merged in memory and flushed after the coalesce window; any other event
// flushes the pending buffer first and is written through immediately.
// Synchronous write failures are returned; timer-driven flush failures go to
// the OnWriteError callback.
func (s *Store) AppendEvent(ev *events.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.DiskError("store is closed", nil)
	}

	sid := ev.SessionID
	b := s.buffers[sid]

	if b != nil && events.CanMerge(b.ev, ev) {
		events.Merge(b.ev, ev)
		b.timer.Reset(s.window)
		s.mu.Unlock()
		s.scheduleTouch(sid)
		return nil
	}

	var flushErr error
	if b != nil {
		b.timer.Stop()
		delete(s.buffers, sid)
		flushErr = s.writeLocked(b.ev)
	}

	if mergeable(ev) {
		s.gen++
		nb := &coalesceBuffer{ev: ev, gen: s.gen}
		nb.timer = time.AfterFunc(s.window, func() { s.flushExpired(sid, nb.gen) })
		s.buffers[sid] = nb
		s.mu.Unlock()
		s.scheduleTouch(sid)
		return flushErr
	}

	writeErr := s.writeLocked(ev)
	s.mu.Unlock()
	s.scheduleTouch(sid)

	if flushErr != nil {
		return flushErr
	}
	return writeErr
}

func mergeable(ev *events.Event) bool {
	return ev.Type == events.TypeMessage || ev.Type == events.TypeThinking
}

// Flush forces the session's pending buffer to disk.
func (s *Store) Flush(sessionID string) error {
	s.mu.Lock()
	b, ok := s.buffers[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	b.timer.Stop()
	delete(s.buffers, sessionID)
	err := s.writeLocked(b.ev)
	s.mu.Unlock()
	return err
}

// FlushAll flushes every pending buffer. Called on graceful shutdown.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	var firstErr error
	for sid, b := range s.buffers {
		b.timer.Stop()
		delete(s.buffers, sid)
		if err := s.writeLocked(b.ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()
	return firstErr
}

// flushExpired is the coalesce timer callback. The generation check drops
// stale timers that lost a race with a newer buffer.
func (s *Store) flushExpired(sessionID string, gen uint64) {
	s.mu.Lock()
	b, ok := s.buffers[sessionID]
	if !ok || b.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.buffers, sessionID)
	err := s.writeLocked(b.ev)
	fn := s.onWriteError
	s.mu.Unlock()

	if err != nil && fn != nil {
		fn(sessionID, err)
	}
}

// writeLocked appends one JSONL line. Caller holds s.mu, which makes the
// store the file's single writer; the write itself is O_APPEND-atomic.
func (s *Store) writeLocked(ev *events.Event) error {
	return s.appendBlock(ev.SessionID, []*events.Event{ev})
}

// appendBlock marshals evs into one buffer and appends it with a single
// write call, so the block lands atomically or not at all.
func (s *Store) appendBlock(sessionID string, evs []*events.Event) error {
	var data []byte
	for _, ev := range evs {
		line, err := json.Marshal(ev)
		if err != nil {
			return apperrors.InternalError("failed to encode event", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	f, err := os.OpenFile(s.EventFilePath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.DiskError("failed to open event file", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return apperrors.DiskError("failed to append event", err)
	}
	return nil
}

// TailEvents returns up to maxN most recent events in chronological order.
// The file is scanned backwards in fixed-size chunks; corrupt lines (for
// example a partial last line after a crash) are skipped with a warning.
func (s *Store) TailEvents(sessionID string, maxN int) ([]*events.Event, error) {
	if maxN <= 0 || maxN > s.maxTail {
		maxN = s.maxTail
	}

	// Surface what is buffered but not yet on disk.
	if err := s.Flush(sessionID); err != nil {
		return nil, err
	}

	f, err := os.Open(s.EventFilePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.DiskError("failed to open event file", err)
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, maxN)
	if err != nil {
		return nil, apperrors.DiskError("failed to read event file tail", err)
	}

	out := make([]*events.Event, 0, len(lines))
	for _, line := range lines {
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("skipping corrupt event line",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// tailLines collects the last maxN newline-separated lines of f, reading
// backwards in tailChunkSize chunks, and returns them in file order. A final
// unterminated fragment counts as a line; empty lines are skipped.
func tailLines(f *os.File, maxN int) ([][]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var (
		lines  [][]byte
		carry  []byte
		offset = info.Size()
		buf    = make([]byte, tailChunkSize)
	)

	for offset > 0 && len(lines) < maxN {
		n := int64(tailChunkSize)
		if offset < n {
			n = offset
		}
		offset -= n
		if _, err := f.ReadAt(buf[:n], offset); err != nil && err != io.EOF {
			return nil, err
		}

		data := make([]byte, 0, int(n)+len(carry))
		data = append(data, buf[:n]...)
		data = append(data, carry...)

		for len(lines) < maxN {
			i := bytes.LastIndexByte(data, '\n')
			if i < 0 {
				break
			}
			if line := data[i+1:]; len(line) > 0 {
				lines = append(lines, append([]byte(nil), line...))
			}
			data = data[:i]
		}
		carry = append([]byte(nil), data...)
	}

	if offset == 0 && len(carry) > 0 && len(lines) < maxN {
		lines = append(lines, carry)
	}

	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

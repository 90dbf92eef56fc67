// Package jsonrpc implements bidirectional JSON-RPC 2.0 over newline-delimited
// JSON frames, as used by the Agent Client Protocol over child stdio. Either
// peer may issue requests; inbound requests are dispatched to registered
// handlers, inbound responses are correlated against a pending-call table.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/agentview/agentview/internal/common/logger"
	"go.uber.org/zap"
)

// ErrConnClosed is returned for calls issued against (or interrupted by) a
// closed connection.
var ErrConnClosed = errors.New("jsonrpc: connection closed")

// HandlerFunc handles an inbound request from the peer. The returned value is
// marshaled as the JSON-RPC result; a returned error becomes a JSON-RPC error
// response. Handlers run on their own goroutine and may issue outbound calls.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationFunc receives inbound notifications. It runs on the read loop
// goroutine and must not block.
type NotificationFunc func(method string, params json.RawMessage)

// CloseFunc is invoked once when the connection stops reading, with the error
// that ended it (nil on clean EOF after Close).
type CloseFunc func(err error)

// Conn is a bidirectional JSON-RPC 2.0 connection over a byte stream pair.
type Conn struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc
	onNotify  NotificationFunc
	onClose   CloseFunc

	running atomic.Bool
	done    chan struct{}
	once    sync.Once

	logger *logger.Logger
}

// NewConn creates a connection over the given streams. Call Start to begin
// reading.
func NewConn(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Conn {
	return &Conn{
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[int64]chan *Response),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
		logger:   log.WithFields(zap.String("component", "jsonrpc-conn")),
	}
}

// Handle registers a handler for an inbound request method. Must be called
// before Start.
func (c *Conn) Handle(method string, h HandlerFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[method] = h
}

// OnNotification registers the handler for inbound notifications. Must be
// called before Start.
func (c *Conn) OnNotification(fn NotificationFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onNotify = fn
}

// OnClose registers a callback invoked once when the read loop exits.
func (c *Conn) OnClose(fn CloseFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onClose = fn
}

// Start begins reading frames from the peer.
func (c *Conn) Start(ctx context.Context) {
	c.running.Store(true)
	go c.readLoop(ctx)
}

// Running reports whether the connection is still reading.
func (c *Conn) Running() bool {
	return c.running.Load()
}

// Close stops the connection. Pending calls fail with ErrConnClosed.
func (c *Conn) Close() {
	c.shutdown(nil)
}

// Call sends a request and waits for the correlated response. There is no
// transport-level timeout; the caller bounds the wait through ctx. On
// cancellation the pending id is abandoned and a late response is dropped.
// A JSON-RPC error response is returned as an *Error.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := c.requestID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &Request{JSONRPC: Version, ID: id, Method: method, Params: paramsJSON}
	if err := c.send(req); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return c.send(&Notification{JSONRPC: Version, Method: method, Params: paramsJSON})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// send writes one complete frame. Writes are serialized so concurrent senders
// never interleave bytes within a line.
func (c *Conn) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.running.Load() {
		return ErrConnClosed
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	reader := bufio.NewReaderSize(c.stdout, 64*1024)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				c.dispatchLine(ctx, line)
			}
			if errors.Is(err, io.EOF) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		if len(line) <= 1 {
			continue
		}
		if !c.dispatchLine(ctx, line) {
			c.shutdown(fmt.Errorf("malformed frame: %.200s", line))
			return
		}
	}
}

// dispatchLine parses and routes one frame. Returns false when the line is
// not valid JSON-RPC.
func (c *Conn) dispatchLine(ctx context.Context, line []byte) bool {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Warn("received unparseable frame", zap.ByteString("data", line))
		return false
	}

	switch {
	case f.isRequest():
		c.dispatchRequest(ctx, &f)
	case f.isResponse():
		c.dispatchResponse(&f)
	case f.isNotification():
		c.handlerMu.RLock()
		fn := c.onNotify
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(f.Method, f.Params)
		}
	default:
		c.logger.Warn("received frame of unknown shape", zap.ByteString("data", line))
		return false
	}
	return true
}

// dispatchRequest runs the handler on its own goroutine so that the read loop
// keeps draining frames and the handler may issue outbound calls re-entrantly.
func (c *Conn) dispatchRequest(ctx context.Context, f *frame) {
	c.handlerMu.RLock()
	handler, ok := c.handlers[f.Method]
	c.handlerMu.RUnlock()

	if !ok {
		c.logger.Warn("no handler for inbound request", zap.String("method", f.Method))
		c.reply(f.ID, nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + f.Method})
		return
	}

	go func() {
		result, err := handler(ctx, f.Params)
		if err != nil {
			c.reply(f.ID, nil, &Error{Code: CodeInternalError, Message: err.Error()})
			return
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			c.reply(f.ID, nil, &Error{Code: CodeInternalError, Message: "marshal result: " + err.Error()})
			return
		}
		c.reply(f.ID, resultJSON, nil)
	}()
}

func (c *Conn) reply(id json.RawMessage, result json.RawMessage, rpcErr *Error) {
	resp := &Response{JSONRPC: Version, ID: id, Result: result, Error: rpcErr}
	if err := c.send(resp); err != nil {
		c.logger.Warn("failed to send response", zap.Error(err))
	}
}

func (c *Conn) dispatchResponse(f *frame) {
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		c.logger.Warn("response with non-numeric id", zap.ByteString("id", f.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		// Cancelled or unknown call; drop the late response.
		c.logger.Debug("dropping response for unknown request id", zap.Int64("id", id))
		return
	}
	ch <- &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
}

// shutdown marks the connection stopped, releases waiters, and fires OnClose
// exactly once.
func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.running.Store(false)
		close(c.done)

		c.mu.Lock()
		c.pending = make(map[int64]chan *Response)
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("connection closed", zap.Error(err))
		}

		c.handlerMu.RLock()
		fn := c.onClose
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
}

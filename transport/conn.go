// Package transport carries protocol frames over a duplex byte stream. A Conn
// multiplexes many concurrent request/response exchanges onto one stream; a
// Server accepts inbound streams and hands each one to the application.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolgate/protocol"
)

// DefaultTimeout bounds SendAndWait when neither the caller nor the
// connection supplies a timeout.
const DefaultTimeout = 30 * time.Second

// pongWriteTimeout bounds the keepalive reply so a peer that stops reading
// cannot hold the write side indefinitely.
const pongWriteTimeout = 5 * time.Second

var (
	// ErrNotConnected is returned when sending on a closed connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout is returned when a frame cannot be written, or no correlated
	// response arrives, before the deadline.
	ErrTimeout = errors.New("transport: timed out waiting for response")
	// ErrDisconnected is returned to callers waiting when the connection closes.
	ErrDisconnected = errors.New("transport: connection closed")
	// ErrDuplicateCallID is returned when a message id is already awaiting a response.
	ErrDuplicateCallID = errors.New("transport: call id already pending")
)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// Timeout is the default SendAndWait timeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

type reply struct {
	msg protocol.Message
	err error
}

// Conn is one live duplex connection. A single read loop owns all reads;
// writes are serialized so every frame reaches the stream intact. Writers
// queue on a one-slot semaphore so waiting for the write side honours the
// same deadline as the write itself.
type Conn struct {
	id      string
	rw      io.ReadWriteCloser
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	writeSem chan struct{}

	mu      sync.Mutex
	pending map[string]chan reply
	closed  bool

	done      chan struct{}
	startOnce sync.Once
	lastSeen  atomic.Int64
}

// NewConn wraps rw. The read loop does not run until Start is called.
func NewConn(rw io.ReadWriteCloser, opts ConnOptions) *Conn {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		id:       id,
		rw:       rw,
		timeout:  opts.Timeout,
		logger:   logger.With("conn_id", id),
		now:      opts.Now,
		writeSem: make(chan struct{}, 1),
		pending:  make(map[string]chan reply),
		done:     make(chan struct{}),
	}
	c.lastSeen.Store(opts.Now().UnixNano())
	return c
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string { return c.id }

// Start launches the read loop. Calling it more than once has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Connected reports whether the connection is still open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// LastActivity returns the time the most recent frame was read.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// PendingCount returns the number of calls awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send writes one frame. The write is bounded by ctx's deadline, if any. A
// write failure closes the connection.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	var deadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	return c.send(ctx, msg, deadline)
}

func (c *Conn) send(ctx context.Context, msg protocol.Message, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	n, err := c.writeFrame(ctx, frame, deadline)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected), !c.Connected():
		return ErrNotConnected
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		if n > 0 {
			// The stream now ends mid-frame.
			c.logger.Warn("transport: write timed out mid-frame, closing connection", "written", n, "size", len(frame))
			_ = c.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrTimeout
	default:
		// A partial frame may already be on the wire.
		c.logger.Warn("transport: write failed, closing connection", "error", err)
		_ = c.Close()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
}

// writeFrame writes frame once it holds the write side. A zero deadline
// waits as long as ctx allows.
func (c *Conn) writeFrame(ctx context.Context, frame []byte, deadline time.Time) (int, error) {
	if err := c.acquireWrite(ctx, deadline); err != nil {
		return 0, err
	}
	defer func() { <-c.writeSem }()

	if !deadline.IsZero() {
		if wd, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = wd.SetWriteDeadline(deadline)
			defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
		}
	}
	return c.rw.Write(frame)
}

func (c *Conn) acquireWrite(ctx context.Context, deadline time.Time) error {
	select {
	case c.writeSem <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c.writeSem <- struct{}{}:
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

// SendAndWait sends msg and blocks until the response correlated with msg.ID
// arrives, the timeout elapses, the connection closes, or ctx is cancelled.
// A zero timeout uses the connection default. The timeout covers the write as
// well as the wait, so a peer that stops reading still yields ErrTimeout. The
// pending entry for msg.ID is gone when SendAndWait returns, whatever the
// outcome.
func (c *Conn) SendAndWait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	expires := time.Now().Add(timeout)
	writeDeadline := expires
	if dl, ok := ctx.Deadline(); ok && dl.Before(writeDeadline) {
		writeDeadline = dl
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Message{}, ErrNotConnected
	}
	if _, exists := c.pending[msg.ID]; exists {
		c.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrDuplicateCallID, msg.ID)
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.send(ctx, msg, writeDeadline); err != nil {
		// The send outcome wins over a close that raced it.
		_, _ = c.abandon(msg.ID, ch, err)
		return protocol.Message{}, err
	}

	timer := time.NewTimer(time.Until(expires))
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		return c.abandon(msg.ID, ch, ErrTimeout)
	case <-ctx.Done():
		return c.abandon(msg.ID, ch, ctx.Err())
	case <-c.done:
		return c.abandon(msg.ID, ch, ErrDisconnected)
	}
}

// abandon removes the pending entry on the waiter's side. When another party
// already removed it, that party has delivered (or is about to deliver) the
// outcome on ch, and that outcome wins.
func (c *Conn) abandon(id string, ch chan reply, err error) (protocol.Message, error) {
	c.mu.Lock()
	if cur, ok := c.pending[id]; ok && cur == ch {
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Message{}, err
	}
	c.mu.Unlock()
	r := <-ch
	return r.msg, r.err
}

// Ping sends a keepalive probe without waiting for the answer.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Send(ctx, protocol.NewPing())
}

// Close shuts the connection down and fails every pending call with
// ErrDisconnected. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	err := c.rw.Close()
	for _, ch := range pending {
		ch <- reply{err: ErrDisconnected}
	}
	if len(pending) > 0 {
		c.logger.Debug("transport: failed pending calls on close", "count", len(pending))
	}
	close(c.done)
	return err
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()

	for {
		msg, err := protocol.ReadMessage(c.rw)
		if err != nil {
			switch {
			case !c.Connected(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				c.logger.Debug("transport: read loop stopped", "error", err)
			default:
				c.logger.Warn("transport: read failed, closing connection", "error", err, "code", protocol.ErrorCode(err))
			}
			return
		}
		c.lastSeen.Store(c.now().UnixNano())
		c.handle(msg)
	}
}

func (c *Conn) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		// Replying off the read loop keeps responses flowing while a slow
		// writer holds the write side.
		go c.pong()
	case protocol.TypePong:
		c.logger.Debug("transport: pong received", "msg_id", msg.ID)
	case protocol.TypeToolResult, protocol.TypeError:
		callID := msg.CallID()
		if callID == "" {
			c.logger.Warn("transport: uncorrelated message dropped", "type", msg.Type, "msg_id", msg.ID)
			return
		}
		if !c.resolve(callID, msg) {
			c.logger.Warn("transport: response for unknown call dropped", "type", msg.Type, "call_id", callID)
		}
	default:
		c.logger.Warn("transport: unsupported message type dropped", "type", msg.Type, "msg_id", msg.ID)
	}
}

func (c *Conn) resolve(callID string, msg protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply{msg: msg}
	return true
}

func (c *Conn) pong() {
	err := c.send(context.Background(), protocol.NewPong(), time.Now().Add(pongWriteTimeout))
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("transport: pong failed", "error", err)
	}
}

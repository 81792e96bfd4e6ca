package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolgate/protocol"
	"github.com/petal-labs/toolgate/transport"
)

// PipeAdapterConfig configures a PipeAdapter.
type PipeAdapterConfig struct {
	// Name defaults to AdapterRevit.
	Name string
	// Timeout bounds each call; zero uses the connection default.
	Timeout time.Duration
	Logger  *slog.Logger
}

// PipeAdapter forwards tool calls to the remote peer over the connection the
// transport server handed it. It holds at most one connection; a newer
// connection replaces the older one.
type PipeAdapter struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.RWMutex
	conn *transport.Conn
}

// NewPipeAdapter creates a pipe adapter with no connection.
func NewPipeAdapter(cfg PipeAdapterConfig) *PipeAdapter {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = AdapterRevit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeAdapter{name: name, timeout: cfg.Timeout, logger: logger.With("adapter", name)}
}

func (p *PipeAdapter) Name() string { return p.name }

// SetConn installs conn as the active connection.
func (p *PipeAdapter) SetConn(conn *transport.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

// ClearConn drops conn if it is still the active connection. It reports
// whether anything was cleared.
func (p *PipeAdapter) ClearConn(conn *transport.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn != conn {
		return false
	}
	p.conn = nil
	return true
}

// Conn returns the active connection, or nil.
func (p *PipeAdapter) Conn() *transport.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// Available reports whether a live connection is held.
func (p *PipeAdapter) Available(ctx context.Context) bool {
	conn := p.Conn()
	return conn != nil && conn.Connected()
}

// Execute sends toolName to the remote peer. The handler is not run: the peer
// owns the implementation of pipe-backed tools.
func (p *PipeAdapter) Execute(ctx context.Context, toolName string, args map[string]any, handler Handler) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool: pipe adapter panicked", "tool", toolName, "panic", r)
			res = Fail(CodeHandlerError, fmt.Sprintf("pipe adapter panicked: %v", r))
		}
	}()
	return p.Call(ctx, toolName, args)
}

// Call sends one tool_call and maps the peer's answer, or the transport
// failure, to a Result.
func (p *PipeAdapter) Call(ctx context.Context, toolName string, args map[string]any) Result {
	conn := p.Conn()
	if conn == nil {
		return Fail(CodeAdapterNotAvailable, "remote peer is not connected")
	}

	msg, err := protocol.NewToolCall(toolName, args)
	if err != nil {
		return Fail(CodeInvalidPayload, err.Error())
	}

	resp, err := conn.SendAndWait(ctx, msg, p.timeout)
	if err != nil {
		return p.failTransport(conn, toolName, err)
	}

	switch resp.Type {
	case protocol.TypeToolResult:
		payload, err := resp.DecodeToolResult()
		if err != nil {
			return Fail(CodeInvalidPayload, err.Error())
		}
		if payload.Success {
			return OK(payload.Data)
		}
		code, message := CodeRevitAPIError, "remote peer reported an unknown error"
		if payload.Error != nil {
			if strings.TrimSpace(payload.Error.Code) != "" {
				code = payload.Error.Code
			}
			if strings.TrimSpace(payload.Error.Message) != "" {
				message = payload.Error.Message
			}
		}
		return Fail(code, message)
	case protocol.TypeError:
		payload, err := resp.DecodeError()
		if err != nil {
			return Fail(CodeInvalidPayload, err.Error())
		}
		code := payload.Code
		if strings.TrimSpace(code) == "" {
			code = CodeRevitAPIError
		}
		return Fail(code, payload.Message)
	default:
		return Fail(CodeProtocolError, fmt.Sprintf("unexpected response type %q", resp.Type))
	}
}

func (p *PipeAdapter) failTransport(conn *transport.Conn, toolName string, err error) Result {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		p.logger.Warn("tool: remote call timed out", "tool", toolName)
		return Fail(CodePipeTimeout, "remote peer did not respond in time")
	case errors.Is(err, transport.ErrDisconnected):
		p.ClearConn(conn)
		return Fail(CodePipeDisconnected, "lost connection to remote peer")
	case errors.Is(err, transport.ErrNotConnected):
		p.ClearConn(conn)
		return Fail(CodeNotConnected, "remote peer connection is closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Fail(CodeInvocationFailed, err.Error())
	}
	if code := protocol.ErrorCode(err); code != "" {
		return Fail(code, err.Error())
	}
	return Fail(CodeInvocationFailed, err.Error())
}

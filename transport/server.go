package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultAcceptBackoff = time.Second

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("transport: server closed")

// ServerConfig configures a Server.
type ServerConfig struct {
	// Network is the listener network; "unix" when empty.
	Network string
	// Address is the socket path or host:port to listen on.
	Address string
	// Timeout is the default SendAndWait timeout for accepted connections.
	Timeout time.Duration
	// AcceptBackoff is the pause after a failed Accept. Defaults to 1s.
	AcceptBackoff time.Duration
	// OnConnect runs after a connection joins the live set, before its read loop starts.
	OnConnect func(*Conn)
	// OnDisconnect runs after a connection leaves the live set.
	OnDisconnect func(*Conn)
	Logger       *slog.Logger
}

// Server accepts inbound streams and manages their connection lifecycle.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    []*Conn
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a transport server.
func NewServer(cfg ServerConfig) *Server {
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "unix"
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = defaultAcceptBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Close is called. A stale unix socket file is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Address)
	if addr == "" {
		return errors.New("transport: listen address is required")
	}
	if s.cfg.Network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("transport: remove stale socket %q: %w", addr, err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.cfg.Network, addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s %q: %w", s.cfg.Network, addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, ln is closed, or
// Close is called. Every connection it accepted is closed before it returns,
// and the server cannot be reused afterwards.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = s.Close() }()

	s.logger.Info("transport: listening", "network", ln.Addr().Network(), "address", ln.Addr().String())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || s.isClosed() {
				return nil
			}
			s.logger.Warn("transport: accept failed", "error", err, "backoff", s.cfg.AcceptBackoff)
			timer := time.NewTimer(s.cfg.AcceptBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		s.wg.Add(1)
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()

	conn := NewConn(nc, ConnOptions{Timeout: s.cfg.Timeout, Logger: s.logger})
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	s.logger.Info("transport: peer connected", "conn_id", conn.ID())
	s.runHook("connect", s.cfg.OnConnect, conn)

	conn.Start()
	<-conn.Done()

	s.untrack(conn)
	s.logger.Info("transport: peer disconnected", "conn_id", conn.ID())
	s.runHook("disconnect", s.cfg.OnDisconnect, conn)
}

func (s *Server) runHook(name string, hook func(*Conn), conn *Conn) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transport: hook panicked", "hook", name, "conn_id", conn.ID(), "panic", r)
		}
	}()
	hook(conn)
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns = append(s.conns, conn)
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connections returns a snapshot of the live connections in accept order.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every live connection, and waits for their
// lifecycle goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	for _, conn := range s.Connections() {
		_ = conn.Close()
	}
	s.wg.Wait()
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// KeepaliveConfig configures a Keepalive.
type KeepaliveConfig struct {
	// Interval is the time between keepalive sweeps.
	Interval time.Duration
	// Timeout is the grace period, on top of Interval, a silent peer is allowed
	// before its connection is closed.
	Timeout time.Duration
	// Connections returns the connections to probe, typically Server.Connections.
	Connections func() []*Conn
	// OnIdleClose, if set, receives the number of connections a sweep closed.
	OnIdleClose func(closed int)
	Now         func() time.Time
	Logger      *slog.Logger
}

// Keepalive pings live connections on a fixed schedule and closes the ones
// whose peer has gone silent.
type Keepalive struct {
	cfg    KeepaliveConfig
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewKeepalive creates a keepalive sweeper.
func NewKeepalive(cfg KeepaliveConfig) (*Keepalive, error) {
	if cfg.Connections == nil {
		return nil, errors.New("transport: keepalive connection source is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPingInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPingTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{cfg: cfg, logger: logger}, nil
}

// Start schedules the sweep every Interval. Calling Start twice has no effect.
func (k *Keepalive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(k.cfg.Interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), k.cfg.Timeout)
		defer cancel()
		k.RunOnce(ctx)
	}))
	c.Start()
	k.cron = c
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunOnce performs a single sweep. It returns the number of connections it
// closed for silence.
func (k *Keepalive) RunOnce(ctx context.Context) int {
	deadline := k.cfg.Interval + k.cfg.Timeout
	now := k.cfg.Now()
	closed := 0
	for _, conn := range k.cfg.Connections() {
		if !conn.Connected() {
			continue
		}
		if idle := now.Sub(conn.LastActivity()); idle > deadline {
			k.logger.Warn("transport: peer silent, closing connection",
				"conn_id", conn.ID(), "idle", idle.Round(time.Millisecond))
			_ = conn.Close()
			closed++
			continue
		}
		if err := conn.Ping(ctx); err != nil {
			k.logger.Warn("transport: keepalive ping failed", "conn_id", conn.ID(), "error", err)
		}
	}
	if closed > 0 && k.cfg.OnIdleClose != nil {
		k.cfg.OnIdleClose(closed)
	}
	return closed
}

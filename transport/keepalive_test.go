package transport

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/toolgate/protocol"
)

func TestKeepaliveRequiresConnectionSource(t *testing.T) {
	if _, err := NewKeepalive(KeepaliveConfig{}); err == nil {
		t.Fatal("NewKeepalive() error = nil, want non-nil")
	}
}

func TestKeepalivePingsActivePeers(t *testing.T) {
	clock := newFakeClock()
	conn, peer := newTestConn(t, ConnOptions{Now: clock.Now})

	ka, err := NewKeepalive(KeepaliveConfig{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Connections: func() []*Conn { return []*Conn{conn} },
		Now:         clock.Now,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewKeepalive() error = %v", err)
	}

	clock.Advance(20 * time.Second)
	done := make(chan int, 1)
	go func() { done <- ka.RunOnce(context.Background()) }()

	ping := readFrame(t, peer)
	if ping.Type != protocol.TypePing {
		t.Fatalf("frame type = %s, want ping", ping.Type)
	}
	if closed := <-done; closed != 0 {
		t.Fatalf("RunOnce() closed = %d, want 0", closed)
	}
	if !conn.Connected() {
		t.Fatal("Connected() = false, want true")
	}
}

func TestKeepaliveClosesSilentPeers(t *testing.T) {
	clock := newFakeClock()
	conn, _ := newTestConn(t, ConnOptions{Now: clock.Now})

	var reported []int
	ka, err := NewKeepalive(KeepaliveConfig{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Connections: func() []*Conn { return []*Conn{conn} },
		OnIdleClose: func(n int) { reported = append(reported, n) },
		Now:         clock.Now,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewKeepalive() error = %v", err)
	}

	clock.Advance(41 * time.Second)
	if closed := ka.RunOnce(context.Background()); closed != 1 {
		t.Fatalf("RunOnce() closed = %d, want 1", closed)
	}
	if conn.Connected() {
		t.Fatal("Connected() = true, want false after silent period")
	}
	if closed := ka.RunOnce(context.Background()); closed != 0 {
		t.Fatalf("second RunOnce() closed = %d, want 0", closed)
	}
	if len(reported) != 1 || reported[0] != 1 {
		t.Fatalf("OnIdleClose calls = %v, want [1]", reported)
	}
}

func TestKeepaliveScheduleSendsPing(t *testing.T) {
	conn, peer := newTestConn(t, ConnOptions{})

	ka, err := NewKeepalive(KeepaliveConfig{
		Interval:    time.Second,
		Timeout:     time.Second,
		Connections: func() []*Conn { return []*Conn{conn} },
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewKeepalive() error = %v", err)
	}
	ka.Start()
	ka.Start()
	defer ka.Stop()

	_ = peer.SetReadDeadline(time.Now().Add(4 * time.Second))
	msg, err := protocol.ReadMessage(peer)
	if err != nil {
		t.Fatalf("peer ReadMessage() error = %v", err)
	}
	if msg.Type != protocol.TypePing {
		t.Fatalf("frame type = %s, want ping", msg.Type)
	}
}

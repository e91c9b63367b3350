package conn

import (
	"testing"
	"time"
)

func TestIdleReaperEvictsExpiredConnections(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer client.Close()

	mgr := NewManager()
	c := New(server, Options{})
	c.Start()
	mgr.Add(c)

	// Force the connection to look long idle without waiting out a real
	// timeout window.
	c.lastActiveMs = nowMillis() - (60 * 1000)

	reaper := &IdleReaper{mgr: mgr, timeout: 10 * time.Millisecond}
	reaper.sweep()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected idle connection to be closed by sweep, state = %v", c.State())
	}
}

func TestIdleReaperLeavesActiveConnectionsAlone(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer client.Close()

	mgr := NewManager()
	c := New(server, Options{})
	c.Start()
	defer c.Close()
	mgr.Add(c)

	reaper := &IdleReaper{mgr: mgr, timeout: time.Hour}
	reaper.sweep()

	if c.State() == StateClosed {
		t.Fatalf("active connection should not be evicted")
	}
}

func TestIdleReaperStartStop(t *testing.T) {
	mgr := NewManager()
	reaper := NewIdleReaper(mgr, time.Minute)
	reaper.Start()
	reaper.Stop()
}

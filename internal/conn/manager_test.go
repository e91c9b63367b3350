package conn

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerAddRemoveCount(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer client.Close()

	mgr := NewManager()
	c := New(server, Options{})
	mgr.Add(c)
	if mgr.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", mgr.Count())
	}
	mgr.Remove(c)
	if mgr.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", mgr.Count())
	}
}

func TestManagerForEachSnapshotsUnderLock(t *testing.T) {
	mgr := NewManager()
	var conns []*Connection
	var raws []net.Conn
	for i := 0; i < 3; i++ {
		server, client := newLoopbackPair(t)
		defer client.Close()
		raws = append(raws, server)
		c := New(server, Options{})
		conns = append(conns, c)
		mgr.Add(c)
	}

	var visited int32
	mgr.ForEach(func(c *Connection) {
		atomic.AddInt32(&visited, 1)
		// Mutating the registry from within the callback must not deadlock,
		// proving ForEach released the lock before invoking fn.
		mgr.Add(c)
	})
	if visited != 3 {
		t.Fatalf("visited = %d, want 3", visited)
	}
}

func TestManagerCloseAllClosesEveryConnection(t *testing.T) {
	mgr := NewManager()
	for i := 0; i < 3; i++ {
		server, client := newLoopbackPair(t)
		defer client.Close()
		c := New(server, Options{})
		c.Start()
		mgr.Add(c)
	}

	mgr.CloseAll()

	deadline := time.Now().Add(2 * time.Second)
	mgr.ForEach(func(c *Connection) {
		for c.State() != StateClosed && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if c.State() != StateClosed {
			t.Fatalf("connection did not reach Closed state")
		}
	})
}

package overload

import (
	"testing"

	"github.com/coreflux/tcpgate/internal/metrics"
)

type fakeConn struct{ paused bool }

func (f *fakeConn) IsReadPaused() bool { return f.paused }

func TestTryEnterEnforcesInflightCap(t *testing.T) {
	m := metrics.NewRegistry()
	c := New(Config{MaxInflight: 2}, m)

	if !c.TryEnter() || !c.TryEnter() {
		t.Fatal("expected first two entries to be admitted")
	}
	if c.TryEnter() {
		t.Fatal("expected third entry to be rejected")
	}
	if m.InflightRejectsTotal.Value() != 1 {
		t.Fatalf("InflightRejectsTotal = %d, want 1", m.InflightRejectsTotal.Value())
	}
}

func TestLeaveFreesInflightSlot(t *testing.T) {
	c := New(Config{MaxInflight: 1}, nil)
	if !c.TryEnter() {
		t.Fatal("expected first entry to be admitted")
	}
	if c.TryEnter() {
		t.Fatal("expected second entry to be rejected while first is inflight")
	}
	c.Leave()
	if !c.TryEnter() {
		t.Fatal("expected entry to be admitted after Leave frees the slot")
	}
}

func TestTryEnterUnlimitedWhenZero(t *testing.T) {
	c := New(Config{MaxInflight: 0}, nil)
	for i := 0; i < 1000; i++ {
		if !c.TryEnter() {
			t.Fatal("MaxInflight=0 should mean unlimited")
		}
	}
}

func TestShouldShedDropsLowPriorityWhenConnPaused(t *testing.T) {
	c := New(Config{
		RejectLowPriority:   true,
		LowPriorityMsgTypes: map[uint16]bool{5: true},
	}, nil)

	if !c.ShouldShed(&fakeConn{paused: true}, 5, 0) {
		t.Fatal("expected low-priority frame on a paused connection to be shed")
	}
}

func TestShouldShedNeverDropsAlwaysAllowTypes(t *testing.T) {
	c := New(Config{
		RejectLowPriority:   true,
		LowPriorityMsgTypes: map[uint16]bool{5: true},
		AlwaysAllowMsgTypes: map[uint16]bool{5: true},
	}, nil)

	if c.ShouldShed(&fakeConn{paused: true}, 5, 1000) {
		t.Fatal("always-allow types must never be shed")
	}
}

func TestShouldShedTriggersOnGlobalBackpressureThreshold(t *testing.T) {
	c := New(Config{
		RejectLowPriority:      true,
		LowPriorityMsgTypes:    map[uint16]bool{5: true},
		BackpressureThreshold:  100,
	}, nil)

	if c.ShouldShed(&fakeConn{paused: false}, 5, 50) {
		t.Fatal("should not shed below the global threshold on an unpaused connection")
	}
	if !c.ShouldShed(&fakeConn{paused: false}, 5, 200) {
		t.Fatal("should shed once the global threshold is exceeded")
	}
}

func TestShouldShedDisabledByDefault(t *testing.T) {
	c := New(Config{LowPriorityMsgTypes: map[uint16]bool{5: true}}, nil)
	if c.ShouldShed(&fakeConn{paused: true}, 5, 1000) {
		t.Fatal("shedding must be off unless RejectLowPriority is set")
	}
}

package flowtable

import (
	"net"
	"testing"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
)

func TestTouchCreatesAndUpdatesPacketCounter(t *testing.T) {
	tbl := New()
	k := endpoint.New(net.ParseIP("10.0.0.1"), 52341)

	f1, created := tbl.Touch(k, 9001)
	if !created {
		t.Fatalf("expected first Touch to create the flow")
	}
	if f1.Packets != 1 {
		t.Fatalf("expected packet counter 1, got %d", f1.Packets)
	}

	f2, created := tbl.Touch(k, 9001)
	if created {
		t.Fatalf("expected second Touch to reuse the flow")
	}
	if f2.Packets != 2 {
		t.Fatalf("expected packet counter 2, got %d", f2.Packets)
	}
	if !f2.LastActivity.After(f1.LastActivity) && !f2.LastActivity.Equal(f1.LastActivity) {
		t.Fatalf("expected LastActivity to advance or hold")
	}
}

func TestEvictRemovesFlow(t *testing.T) {
	tbl := New()
	k := endpoint.New(net.ParseIP("10.0.0.1"), 1)
	tbl.Touch(k, 9000)
	tbl.Evict(k)

	if _, ok := tbl.Get(k); ok {
		t.Fatalf("expected flow to be absent after evict")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got %d", tbl.Len())
	}
}

func TestResetClearsAllFlows(t *testing.T) {
	tbl := New()
	k1 := endpoint.New(net.ParseIP("10.0.0.1"), 1)
	k2 := endpoint.New(net.ParseIP("10.0.0.1"), 2)
	tbl.Touch(k1, 1)
	tbl.Touch(k2, 2)

	evicted := tbl.Reset()
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evicted keys, got %d", len(evicted))
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty after reset, got %d", tbl.Len())
	}
}

func TestSweepEvictsOnlyIdleFlows(t *testing.T) {
	tbl := New()
	fresh := endpoint.New(net.ParseIP("10.0.0.1"), 1)
	stale := endpoint.New(net.ParseIP("10.0.0.1"), 2)

	tbl.Touch(fresh, 1)
	tbl.Touch(stale, 2)

	// Backdate the stale flow's activity past the idle threshold.
	tbl.mu.Lock()
	tbl.flows[stale].LastActivity = time.Now().Add(-IdleTimeout - time.Second)
	tbl.mu.Unlock()

	evicted := tbl.Sweep(time.Now())
	if len(evicted) != 1 || evicted[0] != stale {
		t.Fatalf("expected only the stale flow to be evicted, got %v", evicted)
	}
	if _, ok := tbl.Get(fresh); !ok {
		t.Fatalf("expected fresh flow to survive the sweep")
	}
	if _, ok := tbl.Get(stale); ok {
		t.Fatalf("expected stale flow to be gone after sweep")
	}
}

func TestSweepLeavesActiveFlowsUntouched(t *testing.T) {
	tbl := New()
	k := endpoint.New(net.ParseIP("10.0.0.1"), 1)
	tbl.Touch(k, 1)

	evicted := tbl.Sweep(time.Now())
	if len(evicted) != 0 {
		t.Fatalf("expected no evictions, got %v", evicted)
	}
}

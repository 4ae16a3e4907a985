package sockpool

import (
	"net"
	"testing"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
)

func TestAcquireForIsIdempotentAndBijective(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k1 := endpoint.New(net.ParseIP("10.0.0.1"), 52341)
	k2 := endpoint.New(net.ParseIP("10.0.0.1"), 52342)

	c1, port1, err := p.AcquireFor(k1)
	if err != nil {
		t.Fatalf("acquire k1: %v", err)
	}
	c2, port2, err := p.AcquireFor(k2)
	if err != nil {
		t.Fatalf("acquire k2: %v", err)
	}
	if port1 == port2 {
		t.Fatalf("expected distinct local ports for distinct flow keys, got %d twice", port1)
	}
	if c1 == c2 {
		t.Fatalf("expected distinct sockets for distinct flow keys")
	}

	// Re-acquiring the same key must return the same socket.
	c1Again, port1Again, err := p.AcquireFor(k1)
	if err != nil {
		t.Fatalf("re-acquire k1: %v", err)
	}
	if c1Again != c1 || port1Again != port1 {
		t.Fatalf("expected AcquireFor to be idempotent for an existing key")
	}

	gotKey1, ok := p.LookupByPort(port1)
	if !ok || gotKey1 != k1 {
		t.Fatalf("LookupByPort(%d) = %v, %v; want %v, true", port1, gotKey1, ok, k1)
	}
	gotKey2, ok := p.LookupByPort(port2)
	if !ok || gotKey2 != k2 {
		t.Fatalf("LookupByPort(%d) = %v, %v; want %v, true", port2, gotKey2, ok, k2)
	}

	if p.Len() != 2 {
		t.Fatalf("expected 2 pooled sockets, got %d", p.Len())
	}
}

func TestEvictRemovesBothIndices(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k := endpoint.New(net.ParseIP("10.0.0.1"), 52341)
	_, port, err := p.AcquireFor(k)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.Evict(k)

	if _, ok := p.LookupByPort(port); ok {
		t.Fatalf("expected port index to be cleared after evict")
	}
	if p.Len() != 0 {
		t.Fatalf("expected pool to be empty after evict, got %d", p.Len())
	}
}

func TestIncomingDeliversDatagramsFromAnySocket(t *testing.T) {
	p := New(net.IPv4zero)
	defer p.Close()

	k1 := endpoint.New(net.ParseIP("127.0.0.1"), 1)
	k2 := endpoint.New(net.ParseIP("127.0.0.1"), 2)

	conn1, port1, err := p.AcquireFor(k1)
	if err != nil {
		t.Fatalf("acquire k1: %v", err)
	}
	_, port2, err := p.AcquireFor(k2)
	if err != nil {
		t.Fatalf("acquire k2: %v", err)
	}
	_ = conn1

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port1})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sender.Close()
	if _, err := sender.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case dg := <-p.Incoming():
		if dg.Port != port1 {
			t.Fatalf("expected datagram from port %d, got %d", port1, dg.Port)
		}
		if string(dg.Data) != "ping" {
			t.Fatalf("expected payload %q, got %q", "ping", dg.Data)
		}
		dg.Release()
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}

	if port2 == port1 {
		t.Fatalf("expected distinct ports")
	}
}

func TestCloseEvictsEverything(t *testing.T) {
	p := New(net.IPv4zero)

	for i := 1; i <= 3; i++ {
		k := endpoint.New(net.ParseIP("10.0.0.1"), i)
		if _, _, err := p.AcquireFor(k); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if p.Len() != 3 {
		t.Fatalf("expected 3 pooled sockets, got %d", p.Len())
	}

	p.Close()

	if p.Len() != 0 {
		t.Fatalf("expected pool to be empty after Close, got %d", p.Len())
	}

	if _, _, err := p.AcquireFor(endpoint.New(net.ParseIP("10.0.0.1"), 9)); err == nil {
		t.Fatalf("expected AcquireFor on closed pool to fail")
	}
}

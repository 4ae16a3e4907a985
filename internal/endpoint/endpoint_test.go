package endpoint

import (
	"net"
	"testing"
)

func TestNewIPv4MappedRoundTrip(t *testing.T) {
	ip := net.ParseIP("192.0.2.10")
	e := New(ip, 9000)

	got := e.UDPAddr()
	if got.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", got.Port)
	}
	if !got.IP.Equal(ip) {
		t.Fatalf("expected ip %s, got %s", ip, got.IP)
	}
}

func TestNewIPv6RoundTrip(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	e := New(ip, 53)

	got := e.UDPAddr()
	if !got.IP.Equal(ip) {
		t.Fatalf("expected ip %s, got %s", ip, got.IP)
	}
	if got.Port != 53 {
		t.Fatalf("expected port 53, got %d", got.Port)
	}
}

func TestDistinctEndpointsAreDistinctKeys(t *testing.T) {
	a := New(net.ParseIP("10.0.0.1"), 52341)
	b := New(net.ParseIP("10.0.0.1"), 52342)
	c := New(net.ParseIP("10.0.0.2"), 52341)

	if a == b {
		t.Fatalf("endpoints differing only by port must not compare equal")
	}
	if a == c {
		t.Fatalf("endpoints differing only by ip must not compare equal")
	}
}

func TestFromUDPAddrNil(t *testing.T) {
	e := FromUDPAddr(nil)
	if !e.IsZero() {
		t.Fatalf("expected zero endpoint for nil addr")
	}
}

func TestIsZero(t *testing.T) {
	var e Endpoint
	if !e.IsZero() {
		t.Fatalf("expected zero-value endpoint to be zero")
	}
	e = New(net.ParseIP("127.0.0.1"), 1)
	if e.IsZero() {
		t.Fatalf("expected non-zero endpoint")
	}
}

// Package endpoint holds the value types used to identify a UDP peer
// across the tunnel: an (IP, port) pair and the flow it keys.
package endpoint

import (
	"net"
)

// Endpoint is an (IP, port) pair, normalized to a 16-byte IP so that IPv4
// and IPv6 peers share one wire representation and one map key type.
type Endpoint struct {
	IP   [16]byte
	Port uint16
}

// New builds an Endpoint from a net.IP and port, normalizing IPv4 addresses
// into the ::ffff:a.b.c.d IPv4-mapped IPv6 form.
func New(ip net.IP, port int) Endpoint {
	var e Endpoint
	e.Port = uint16(port)
	if ip4 := ip.To4(); ip4 != nil {
		copy(e.IP[10:12], []byte{0xff, 0xff})
		copy(e.IP[12:16], ip4)
		return e
	}
	if ip16 := ip.To16(); ip16 != nil {
		copy(e.IP[:], ip16)
	}
	return e
}

// FromUDPAddr builds an Endpoint from a resolved *net.UDPAddr.
func FromUDPAddr(a *net.UDPAddr) Endpoint {
	if a == nil {
		return Endpoint{}
	}
	return New(a.IP, a.Port)
}

// IsZero reports whether e carries no address information at all.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// UDPAddr renders the endpoint back into a *net.UDPAddr suitable for
// net.UDPConn.WriteToUDP / DialUDP.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 16)
	copy(ip, e.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(e.Port)}
}

func (e Endpoint) String() string {
	return e.UDPAddr().String()
}

// FlowKey is the lookup key for a Flow: the remote UDP peer's endpoint
// relative to whichever side of the tunnel is asking.
type FlowKey = Endpoint

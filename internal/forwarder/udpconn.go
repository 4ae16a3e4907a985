package forwarder

import (
	"net"

	"github.com/nicktdot/udp-over-tcp/internal/pkg/buffer"
)

// udpRead is one datagram read off a single, shared UDP socket (used by the
// connect role, and by the listen role when udp-bind is not "auto").
type udpRead struct {
	addr *net.UDPAddr
	data []byte
	buf  *[]byte
}

func (r udpRead) release() {
	if r.buf != nil {
		buffer.Put(r.buf)
	}
}

// readSingleSocket feeds every datagram read from conn onto out, until conn
// is closed or stop is closed.
func readSingleSocket(conn *net.UDPConn, out chan<- udpRead, stop <-chan struct{}) {
	for {
		bufp := buffer.Get()
		n, addr, err := conn.ReadFromUDP(*bufp)
		if err != nil {
			buffer.Put(bufp)
			return
		}
		r := udpRead{addr: addr, data: (*bufp)[:n], buf: bufp}
		select {
		case out <- r:
		case <-stop:
			buffer.Put(bufp)
			return
		}
	}
}

// Package sockpool implements the UDP socket pool (§4.2): it owns the set
// of UDP sockets currently in use by one side of the tunnel, keyed both by
// the remote FlowKey that caused the socket to be created and by the
// socket's own locally-bound port, so that a reply arriving on a pooled
// socket can be attributed back to the FlowKey that requested it.
//
// Go has no direct equivalent of a single-threaded readiness-poll loop over
// an arbitrary number of sockets, so each pooled socket gets its own reader
// goroutine that forwards whatever it reads onto one shared channel; the
// Forwarder's event loop drains that channel exactly as it would an
// iter_ready() readiness set, one datagram handled per wakeup.
package sockpool

import (
	"fmt"
	"net"
	"sync"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
	"github.com/nicktdot/udp-over-tcp/internal/flog"
	"github.com/nicktdot/udp-over-tcp/internal/pkg/buffer"
)

// Datagram is one UDP read surfaced from any pooled socket.
type Datagram struct {
	Port int    // local port the socket that produced this read is bound to
	Data []byte // aliases a pooled buffer; valid until the caller returns it with Release
	buf  *[]byte
}

// Release returns the Datagram's backing buffer to the pool. Callers must
// call it once they are done with Data.
func (d Datagram) Release() {
	if d.buf != nil {
		buffer.Put(d.buf)
	}
}

// entry is one pooled socket.
type entry struct {
	key       endpoint.FlowKey
	conn      *net.UDPConn
	localPort int
	stop      chan struct{} // closed to unblock a readLoop stuck delivering
	done      chan struct{}
}

// Pool owns a set of per-flow UDP sockets, keyed both by FlowKey and by
// local port.
type Pool struct {
	bindIP   net.IP
	incoming chan Datagram

	mu     sync.Mutex
	byKey  map[endpoint.FlowKey]*entry
	byPort map[int]*entry
	closed bool
}

// New creates an empty Pool. bindIP is the address new per-flow sockets are
// bound to (§9 Open Question: follows the operator-supplied bind address,
// defaulting to 0.0.0.0 when bindIP is nil).
func New(bindIP net.IP) *Pool {
	return &Pool{
		bindIP:   bindIP,
		incoming: make(chan Datagram, 256),
		byKey:    make(map[endpoint.FlowKey]*entry),
		byPort:   make(map[int]*entry),
	}
}

// Incoming is the fan-in channel of datagrams read off any pooled socket.
// The Forwarder selects on this alongside the TCP session and its timers.
func (p *Pool) Incoming() <-chan Datagram {
	return p.incoming
}

// AcquireFor returns the socket for key, creating a fresh OS-assigned-port
// UDP socket bound to bindIP:0 if none exists yet. Two distinct FlowKeys
// always receive two distinct sockets.
func (p *Pool) AcquireFor(key endpoint.FlowKey) (*net.UDPConn, int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, fmt.Errorf("sockpool: acquire on closed pool")
	}
	if e, ok := p.byKey[key]; ok {
		p.mu.Unlock()
		return e.conn, e.localPort, nil
	}
	p.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: 0})
	if err != nil {
		flog.Warnf("sockpool: no ephemeral port available for flow %s: %v", key, err)
		return nil, 0, fmt.Errorf("sockpool: no ephemeral port available: %w", err)
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	e := &entry{key: key, conn: conn, localPort: localPort, stop: make(chan struct{}), done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, 0, fmt.Errorf("sockpool: acquire on closed pool")
	}
	// AcquireFor is called from the single Forwarder goroutine, so no
	// concurrent creator can race us between the unlock above and here.
	p.byKey[key] = e
	p.byPort[localPort] = e
	p.mu.Unlock()

	go p.readLoop(e)

	return conn, localPort, nil
}

// LookupByPort returns the FlowKey of the socket bound to the given local
// port, if any is currently pooled.
func (p *Pool) LookupByPort(port int) (endpoint.FlowKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byPort[port]
	if !ok {
		return endpoint.FlowKey{}, false
	}
	return e.key, true
}

// Evict drops the pool entry for key and closes its socket. Safe to call
// for a key that is not present.
func (p *Pool) Evict(key endpoint.FlowKey) {
	p.mu.Lock()
	e, ok := p.byKey[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byKey, key)
	delete(p.byPort, e.localPort)
	p.mu.Unlock()

	close(e.stop)
	e.conn.Close()
	<-e.done
}

// Len reports how many sockets are currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

// Close evicts every pooled socket. Used on Session reset (§3: "All Flows
// and pool entries are destroyed atomically with respect to tunnel
// reconnection").
func (p *Pool) Close() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.byKey))
	for _, e := range p.byKey {
		entries = append(entries, e)
	}
	p.byKey = make(map[endpoint.FlowKey]*entry)
	p.byPort = make(map[int]*entry)
	p.closed = true
	p.mu.Unlock()

	for _, e := range entries {
		close(e.stop)
		e.conn.Close()
		<-e.done
	}
}

func (p *Pool) readLoop(e *entry) {
	defer close(e.done)
	for {
		bufp := buffer.Get()
		n, err := e.conn.Read(*bufp)
		if err != nil {
			buffer.Put(bufp)
			return
		}
		dg := Datagram{Port: e.localPort, Data: (*bufp)[:n], buf: bufp}
		select {
		case p.incoming <- dg:
		case <-e.stop:
			buffer.Put(bufp)
			return
		}
	}
}

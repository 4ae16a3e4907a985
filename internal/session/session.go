// Package session implements the tunnel Session (§4.4): the state wrapped
// around one TCP connection — a lazy, finite sequence of decoded frames on
// the read side, and a write half that the Forwarder is the sole caller of.
package session

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
	"github.com/nicktdot/udp-over-tcp/internal/frame"
)

// Result is one read-side event: either a decoded Frame, or a terminal
// error that ends the Session's read sequence.
type Result struct {
	Frame frame.Frame
	Err   error
}

// Session wraps one TCP connection's framing state. The Forwarder is the
// sole owner of a Session: it is the only goroutine that calls WriteFrame,
// which is why WriteFrame needs no internal lock (§9: "single-threaded
// implementations get it for free"). The read side runs on its own
// goroutine so the Forwarder's event loop can select on frame arrival
// alongside UDP readiness and timers.
type Session struct {
	conn    net.Conn
	results chan Result
	closed  atomic.Bool
}

// New wraps conn and starts decoding frames from it in the background.
func New(conn net.Conn) *Session {
	s := &Session{
		conn:    conn,
		results: make(chan Result, 1),
	}
	go s.readLoop()
	return s
}

// Results is the channel of decoded frames (or the terminal error) read off
// the connection. It is closed after the terminal Result is delivered.
func (s *Session) Results() <-chan Result {
	return s.results
}

// RemoteAddr reports the address of the peer on the other end of the
// tunnel, for logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// WriteFrame encodes and writes one frame to the connection. Must only be
// called from the Forwarder's single event-loop goroutine.
func (s *Session) WriteFrame(src endpoint.Endpoint, payload []byte) error {
	return frame.Encode(s.conn, src, payload)
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) readLoop() {
	defer close(s.results)

	buf := make([]byte, frame.MaxPayload)
	for {
		f, err := frame.Decode(s.conn, buf)
		if err != nil {
			s.results <- Result{Err: fmt.Errorf("session: read: %w", err)}
			return
		}
		// Copy out of the shared scratch buffer: the caller may hold this
		// Frame across the next Decode call.
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		s.results <- Result{Frame: frame.Frame{Source: f.Source, Payload: payload}}
	}
}

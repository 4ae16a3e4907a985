package forwarder

import (
	"context"
	"net"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
	"github.com/nicktdot/udp-over-tcp/internal/flog"
	"github.com/nicktdot/udp-over-tcp/internal/flowtable"
	"github.com/nicktdot/udp-over-tcp/internal/frame"
	"github.com/nicktdot/udp-over-tcp/internal/session"
)

// runConnect implements the connect role's outer loop (§4.4, §9): dial the
// listen side, serve the connection until it drops, then redial after a
// fixed backoff. Only one Session is ever live per Forwarder.
func (f *Forwarder) runConnect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := net.Dial("tcp", f.cfg.TCPAddr)
		if err != nil {
			flog.Warnf("connect to %s failed: %v; retrying in %s", f.cfg.TCPAddr, err, reconnectDelay)
			if !sleepOrDone(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		flog.Infof("connected to %s", f.cfg.TCPAddr)
		f.serveConnectSession(ctx, conn)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		flog.Infof("tunnel connection lost, reconnecting in %s", reconnectDelay)
		if !sleepOrDone(ctx, reconnectDelay) {
			return nil
		}
	}
}

// serveConnectSession drives one dialed connection's event loop until it
// terminates, then returns so runConnect can redial. Every Flow is scoped
// to this one Session; the single UDP socket is rebuilt on each reconnect
// (§3: flows and pool state are destroyed atomically with reconnection).
func (f *Forwarder) serveConnectSession(ctx context.Context, conn net.Conn) {
	udpConn, err := net.ListenUDP("udp", f.cfg.UDPBindAddr)
	if err != nil {
		flog.Errorf("udp-bind %s: %v", f.cfg.UDPBindAddr, err)
		conn.Close()
		return
	}
	defer udpConn.Close()

	sess := session.New(conn)
	defer sess.Close()

	table := flowtable.New()

	incoming := make(chan udpRead, 64)
	stop := make(chan struct{})
	go readSingleSocket(udpConn, incoming, stop)
	defer close(stop)

	sweep := time.NewTicker(flowtable.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case res, ok := <-sess.Results():
			if !ok {
				return
			}
			if res.Err != nil {
				flog.Warnf("tcp session ended: %v", res.Err)
				return
			}
			f.handleConnectFrame(udpConn, table, res.Frame)

		case ur, ok := <-incoming:
			if !ok {
				continue
			}
			if !f.handleConnectDatagram(sess, table, ur) {
				return
			}

		case t := <-sweep.C:
			evicted := table.Sweep(t)
			for _, key := range evicted {
				flog.Debugf("evicted idle flow %s", key)
			}
		}
	}
}

// handleConnectFrame applies one TCP-decoded frame (a UDP datagram relayed
// from the listen side) to the local UDP destination. In auto mode the
// destination port comes from the frame's declared source; in fixed mode
// it is the operator-configured destination, used literally (SPEC_FULL.md
// Part E decision 3: fixed mode is a static port-forward, not a per-client
// lookup).
func (f *Forwarder) handleConnectFrame(udpConn *net.UDPConn, table *flowtable.Table, fr frame.Frame) {
	var dest *net.UDPAddr
	if f.cfg.UDPSendtoAuto {
		dest = &net.UDPAddr{IP: f.cfg.UDPSendtoIP, Port: int(fr.Source.Port)}
	} else {
		dest = f.cfg.UDPSendtoAddr
	}

	flow, created := table.Touch(fr.Source, int(fr.Source.Port))
	if created {
		f.flowEstablished(udpConn.LocalAddr(), fr.Source)
	}
	if _, err := udpConn.WriteToUDP(fr.Payload, dest); err != nil {
		flog.Warnf("connect: udp send to %s failed: %v", dest, err)
		return
	}
	f.datagramForwarded(flow, udpConn.LocalAddr(), dest, len(fr.Payload))
}

// handleConnectDatagram forwards a datagram from a local UDP client, read
// off the single UDP socket, across the tunnel, tagged with the source that
// produced it. Returns
// false if the session should be torn down.
func (f *Forwarder) handleConnectDatagram(sess *session.Session, table *flowtable.Table, ur udpRead) bool {
	defer ur.release()

	src := endpoint.FromUDPAddr(ur.addr)
	flow, created := table.Touch(src, ur.addr.Port)
	if created {
		f.flowEstablished(ur.addr, src)
	}
	if err := sess.WriteFrame(src, ur.data); err != nil {
		flog.Warnf("connect: tcp write failed: %v", err)
		return false
	}
	f.datagramForwarded(flow, src, sess.RemoteAddr(), len(ur.data))
	return true
}

// sleepOrDone sleeps for d, returning false early if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

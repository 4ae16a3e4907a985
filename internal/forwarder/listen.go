package forwarder

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
	"github.com/nicktdot/udp-over-tcp/internal/flog"
	"github.com/nicktdot/udp-over-tcp/internal/flowtable"
	"github.com/nicktdot/udp-over-tcp/internal/frame"
	"github.com/nicktdot/udp-over-tcp/internal/session"
	"github.com/nicktdot/udp-over-tcp/internal/sockpool"
)

// runListen implements the listen role's outer loop (§4.4, §4.5): accept one
// TCP connection at a time and serve it to completion before accepting the
// next. Only one Session is ever live per Forwarder.
func (f *Forwarder) runListen(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("forwarder: listen on %s: %w", f.cfg.TCPAddr, err)
	}
	defer ln.Close()
	flog.Infof("listening for tcp on %s", f.cfg.TCPAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				flog.Errorf("accept: %v", err)
				continue
			}
		}

		flog.Infof("accepted tcp connection from %s", conn.RemoteAddr())
		f.serveListenSession(ctx, conn)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// serveListenSession drives one accepted connection's event loop until it
// terminates, then returns so runListen can accept the next one. Every Flow
// and pooled socket created here is scoped to this one Session (§3).
func (f *Forwarder) serveListenSession(ctx context.Context, conn net.Conn) {
	sess := session.New(conn)
	defer sess.Close()

	table := flowtable.New()

	var pool *sockpool.Pool
	var single *net.UDPConn
	var singleIncoming chan udpRead
	stop := make(chan struct{})

	if f.cfg.UDPBindAuto {
		pool = sockpool.New(f.cfg.UDPBindIP)
		defer pool.Close()
	} else {
		c, err := net.ListenUDP("udp", f.cfg.UDPBindAddr)
		if err != nil {
			flog.Errorf("udp-bind %s: %v", f.cfg.UDPBindAddr, err)
			return
		}
		single = c
		defer single.Close()
		singleIncoming = make(chan udpRead, 64)
		go readSingleSocket(single, singleIncoming, stop)
		defer close(stop)
	}

	sweep := time.NewTicker(flowtable.SweepInterval)
	defer sweep.Stop()

	// lastFlow tags reply datagrams when udp-bind is fixed: with exactly
	// one shared socket there is no port to recover a FlowKey from, so the
	// most recently touched flow stands in for it (SPEC_FULL.md Part E
	// decision 4).
	var lastFlow endpoint.FlowKey
	var haveLastFlow bool

	var poolIncoming <-chan sockpool.Datagram
	if pool != nil {
		poolIncoming = pool.Incoming()
	}

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
			if !f.handleListenFrame(pool, single, table, res.Frame, &lastFlow, &haveLastFlow) {
				return
			}

		case dg, ok := <-poolIncoming:
			if !ok {
				continue
			}
			if !f.handleListenPooledDatagram(sess, pool, table, dg) {
				return
			}

		case ur, ok := <-singleIncoming:
			if !ok {
				continue
			}
			if !f.handleListenSingleDatagram(sess, single, table, ur, lastFlow, haveLastFlow) {
				return
			}

		case t := <-sweep.C:
			evicted := table.Sweep(t)
			for _, key := range evicted {
				if pool != nil {
					pool.Evict(key)
				}
				flog.Debugf("evicted idle flow %s", key)
			}
		}
	}
}

// handleListenFrame applies one TCP-decoded frame (a UDP datagram that
// arrived on the connect side) to the listen side's local UDP destination.
// Returns false if the session should be torn down.
func (f *Forwarder) handleListenFrame(pool *sockpool.Pool, single *net.UDPConn, table *flowtable.Table, fr frame.Frame, lastFlow *endpoint.FlowKey, haveLastFlow *bool) bool {
	if pool != nil {
		conn, port, err := pool.AcquireFor(fr.Source)
		if err != nil {
			flog.Warnf("listen: dropping datagram, flow %s: %v", fr.Source, err)
			return true
		}
		flow, created := table.Touch(fr.Source, port)
		if created {
			f.flowEstablished(conn.LocalAddr(), fr.Source)
		}
		if _, err := conn.WriteToUDP(fr.Payload, f.cfg.UDPSendtoAddr); err != nil {
			flog.Warnf("listen: udp send to %s failed: %v", f.cfg.UDPSendtoAddr, err)
			return true
		}
		f.datagramForwarded(flow, conn.LocalAddr(), f.cfg.UDPSendtoAddr, len(fr.Payload))
		return true
	}

	flow, created := table.Touch(fr.Source, single.LocalAddr().(*net.UDPAddr).Port)
	if created {
		f.flowEstablished(single.LocalAddr(), fr.Source)
	}
	*lastFlow, *haveLastFlow = fr.Source, true
	if _, err := single.WriteToUDP(fr.Payload, f.cfg.UDPSendtoAddr); err != nil {
		flog.Warnf("listen: udp send to %s failed: %v", f.cfg.UDPSendtoAddr, err)
		return true
	}
	f.datagramForwarded(flow, single.LocalAddr(), f.cfg.UDPSendtoAddr, len(fr.Payload))
	return true
}

// handleListenPooledDatagram forwards a reply read off one of the pooled
// per-flow sockets back across the tunnel, tagged with the FlowKey the
// socket was acquired for.
func (f *Forwarder) handleListenPooledDatagram(sess *session.Session, pool *sockpool.Pool, table *flowtable.Table, dg sockpool.Datagram) bool {
	defer dg.Release()

	key, ok := pool.LookupByPort(dg.Port)
	if !ok {
		// The flow was evicted between the read completing and this
		// dispatch; nothing to attribute the reply to.
		return true
	}
	flow, _ := table.Touch(key, dg.Port)
	if err := sess.WriteFrame(key, dg.Data); err != nil {
		flog.Warnf("listen: tcp write failed: %v", err)
		return false
	}
	f.datagramForwarded(flow, key, sess.RemoteAddr(), len(dg.Data))
	return true
}

// handleListenSingleDatagram forwards a reply read off the single shared
// socket (udp-bind not "auto"), tagged with the most recently touched flow.
func (f *Forwarder) handleListenSingleDatagram(sess *session.Session, single *net.UDPConn, table *flowtable.Table, ur udpRead, lastFlow endpoint.FlowKey, haveLastFlow bool) bool {
	defer ur.release()

	if !haveLastFlow {
		flog.Debugf("listen: dropping reply with no known flow to attribute it to")
		return true
	}
	flow, _ := table.Touch(lastFlow, single.LocalAddr().(*net.UDPAddr).Port)
	if err := sess.WriteFrame(lastFlow, ur.data); err != nil {
		flog.Warnf("listen: tcp write failed: %v", err)
		return false
	}
	f.datagramForwarded(flow, lastFlow, sess.RemoteAddr(), len(ur.data))
	return true
}

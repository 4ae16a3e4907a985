// Package forwarder implements the event loop (§4.5): the central
// dispatcher that multiplexes readiness across the TCP session and every
// UDP socket in play, applies side-specific routing policy, and handles
// idle sweeps and reconnection.
package forwarder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/config"
	"github.com/nicktdot/udp-over-tcp/internal/flog"
	"github.com/nicktdot/udp-over-tcp/internal/flowtable"
)

// reconnectDelay is the fixed backoff between connect-role redial attempts
// (§4.4, §9: "a short delay (order of 1 second)").
const reconnectDelay = time.Second

// Forwarder runs one tunnel instance's event loop for its entire process
// lifetime, re-accepting or reconnecting across TCP failures as directed by
// its Config's Role.
type Forwarder struct {
	cfg *config.Config

	totalFlows   atomic.Uint64
	totalPackets atomic.Uint64
}

// New returns a Forwarder for the given, already-resolved Config.
func New(cfg *config.Config) *Forwarder {
	return &Forwarder{cfg: cfg}
}

// Run blocks until ctx is cancelled, driving either the listen-role
// accept/serve loop or the connect-role dial/reconnect loop. It returns
// early with an error if the role is unknown or the listen role cannot
// open its TCP listener.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.logSummary()

	switch f.cfg.Role {
	case config.RoleListen:
		return f.runListen(ctx)
	case config.RoleConnect:
		return f.runConnect(ctx)
	default:
		return fmt.Errorf("forwarder: unknown role %q", f.cfg.Role)
	}
}

func (f *Forwarder) logSummary() {
	flog.Infof("shutdown: %d flows seen, %d datagrams forwarded", f.totalFlows.Load(), f.totalPackets.Load())
}

// flowEstablished logs a verbose-level flow-establishment line (§6:
// "emit one line when a new flow is established, including both endpoints
// and the role").
func (f *Forwarder) flowEstablished(local, remote fmt.Stringer) {
	f.totalFlows.Add(1)
	if f.cfg.Verbose || f.cfg.Debug {
		flog.Infof("flow established (%s): local=%s remote=%s", f.cfg.Role, local, remote)
	}
}

// datagramForwarded logs a debug-level per-datagram line (§6: "one line per
// datagram with a per-flow packet sequence number, both endpoints, payload
// size, and role").
func (f *Forwarder) datagramForwarded(flow flowtable.Flow, local, remote fmt.Stringer, size int) {
	f.totalPackets.Add(1)
	if f.cfg.Debug {
		flog.Debugf("datagram (%s) seq=%d local=%s remote=%s size=%d", f.cfg.Role, flow.Packets, local, remote, size)
	}
}

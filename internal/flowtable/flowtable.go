// Package flowtable implements the Flow table (§4.3): for each side of the
// tunnel, the remote_peer -> Flow mapping used for reverse routing,
// activity tracking, and idle eviction.
package flowtable

import (
	"sync"
	"time"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
)

// IdleTimeout is the fixed, non-configurable eviction threshold from §4.3.
const IdleTimeout = 10 * time.Minute

// SweepInterval is how often the background sweeper checks for idle flows
// (§9 Open Question: a dedicated ticker, "order of seconds" per §4.3).
const SweepInterval = 30 * time.Second

// Flow is the logical association between one remote UDP peer and this
// side of the tunnel.
type Flow struct {
	Key          endpoint.FlowKey
	LocalPort    int // listen side: the pooled socket's port; connect side: last-seen client source port
	Packets      uint64
	LastActivity time.Time
}

// Table is the per-side flow table.
type Table struct {
	mu    sync.Mutex
	flows map[endpoint.FlowKey]*Flow
}

// New returns an empty Table.
func New() *Table {
	return &Table{flows: make(map[endpoint.FlowKey]*Flow)}
}

// Touch records activity for key, creating the Flow on first sight. It
// returns the Flow (with its packet counter already incremented for this
// call) and whether the Flow was newly created.
func (t *Table) Touch(key endpoint.FlowKey, localPort int) (flow Flow, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.flows[key]
	if !ok {
		f = &Flow{Key: key}
		t.flows[key] = f
		created = true
	}
	f.LocalPort = localPort
	f.Packets++
	f.LastActivity = time.Now()
	return *f, created
}

// Get returns a copy of the Flow for key, if present.
func (t *Table) Get(key endpoint.FlowKey) (Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[key]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Evict removes key from the table. Safe to call for a key that is not
// present.
func (t *Table) Evict(key endpoint.FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}

// Len reports how many flows are currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// Reset clears every flow from the table, returning the keys that were
// present. Used on Session reset (§3, §4.5 "TCP session termination").
func (t *Table) Reset() []endpoint.FlowKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]endpoint.FlowKey, 0, len(t.flows))
	for k := range t.flows {
		keys = append(keys, k)
	}
	t.flows = make(map[endpoint.FlowKey]*Flow)
	return keys
}

// Sweep evicts every Flow idle for at least IdleTimeout as of now, and
// returns their keys so the caller can release any associated resources
// (e.g. a pooled socket on the listen side).
func (t *Table) Sweep(now time.Time) []endpoint.FlowKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []endpoint.FlowKey
	for k, f := range t.flows {
		if now.Sub(f.LastActivity) >= IdleTimeout {
			evicted = append(evicted, k)
			delete(t.flows, k)
		}
	}
	return evicted
}

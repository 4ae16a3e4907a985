// Package buffer provides pooled byte buffers sized for UDP datagrams, so
// the forwarder's hot path (one buffer per read) does not allocate under
// steady traffic.
package buffer

import "sync"

// maxDatagram is the largest UDP datagram the wire protocol allows (§3).
const maxDatagram = 65507

// Pool hands out byte slices large enough to hold one full UDP datagram.
var Pool = sync.Pool{
	New: func() any {
		b := make([]byte, maxDatagram)
		return &b
	},
}

// Get returns a pooled buffer of size maxDatagram.
func Get() *[]byte {
	return Pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func Put(b *[]byte) {
	Pool.Put(b)
}

// Package frame implements the tunnel wire protocol: a length-prefixed
// frame carrying one UDP datagram plus the source endpoint it was seen on.
//
// Wire format, little-endian:
//
//	offset 0:   u32  payload_length
//	offset 4:   u16  source_port
//	offset 6:   u8[16]  source_ip   (IPv4 mapped into ::ffff:a.b.c.d, or zero)
//	offset 22:  u8[payload_length]  payload
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
)

// HeaderLen is the fixed size of a frame header, in bytes.
const HeaderLen = 22

// MaxPayload is the largest payload a Frame may carry: the maximum size of
// a UDP datagram.
const MaxPayload = 65507

// maxWireLength bounds payload_length as decoded off the wire before it is
// compared against MaxPayload; anything beyond this is clearly malformed
// and torn down without allocating a buffer for it.
const maxWireLength = 65535

// ErrOversizedPayload is returned when an encoder is asked to emit, or a
// decoder observes, a payload_length beyond what the protocol allows.
var ErrOversizedPayload = errors.New("frame: payload exceeds maximum datagram size")

// Frame is one decoded tunnel-protocol message.
type Frame struct {
	Source  endpoint.Endpoint
	Payload []byte
}

// Encode writes src and payload as a single frame to w. The header is
// always emitted as one contiguous write, per §4.1 ("Encoders must emit the
// full 22-byte header in a single contiguous write, followed by the
// payload").
func Encode(w io.Writer, src endpoint.Endpoint, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrOversizedPayload, len(payload))
	}

	var header [HeaderLen]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(header[4:6], src.Port)
	copy(header[6:22], src.IP[:])

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadHeader reads exactly HeaderLen bytes from r and returns the decoded
// source endpoint and declared payload length. It never reads the payload
// itself, so short reads on the underlying stream only ever suspend inside
// io.ReadFull and never deliver a partial frame upstream.
func ReadHeader(r io.Reader) (endpoint.Endpoint, uint32, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return endpoint.Endpoint{}, 0, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > maxWireLength {
		return endpoint.Endpoint{}, 0, fmt.Errorf("%w: declared length %d", ErrOversizedPayload, length)
	}

	var e endpoint.Endpoint
	e.Port = binary.LittleEndian.Uint16(header[4:6])
	copy(e.IP[:], header[6:22])

	return e, length, nil
}

// Decode reads one full frame (header + payload) from r, using buf as
// payload scratch space. buf must be at least MaxPayload bytes; Decode
// returns a Frame whose Payload aliases buf[:n] and is only valid until the
// next call to Decode with the same buf.
func Decode(r io.Reader, buf []byte) (Frame, error) {
	src, length, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}
	if int(length) > len(buf) {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds buffer", ErrOversizedPayload, length)
	}
	if length == 0 {
		return Frame{Source: src, Payload: buf[:0]}, nil
	}
	if _, err := io.ReadFull(r, buf[:length]); err != nil {
		return Frame{}, err
	}
	return Frame{Source: src, Payload: buf[:length]}, nil
}

package frame

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/nicktdot/udp-over-tcp/internal/endpoint"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		ip      string
		port    int
		payload []byte
	}{
		{"ipv4 small payload", "93.184.216.34", 443, []byte("hello")},
		{"ipv6 small payload", "::1", 8080, []byte("world")},
		{"empty payload", "192.0.2.1", 1, nil},
		{"max payload", "10.0.0.1", 9000, bytes.Repeat([]byte{0x42}, MaxPayload)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := endpoint.New(net.ParseIP(tc.ip), tc.port)

			var buf bytes.Buffer
			if err := Encode(&buf, src, tc.payload); err != nil {
				t.Fatalf("encode: %v", err)
			}

			scratch := make([]byte, MaxPayload)
			got, err := Decode(&buf, scratch)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Source != src {
				t.Fatalf("source mismatch: got %v want %v", got.Source, src)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Fatalf("payload mismatch: got %d bytes want %d bytes", len(got.Payload), len(tc.payload))
			}
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	src := endpoint.New(net.ParseIP("127.0.0.1"), 1)
	err := Encode(&buf, src, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatalf("expected error encoding oversized payload")
	}
}

func TestDecodeRejectsMalformedLength(t *testing.T) {
	var header [HeaderLen]byte
	// declared length of 200000 as little-endian u32
	header[0] = 0x40
	header[1] = 0x0d
	header[2] = 0x03
	header[3] = 0x00

	r := bytes.NewReader(header[:])
	scratch := make([]byte, MaxPayload)
	_, err := Decode(r, scratch)
	if err == nil {
		t.Fatalf("expected error decoding oversized declared length")
	}
}

// partialReader dribbles out data a few bytes at a time to exercise the
// strict io.ReadFull framing discipline.
type partialReader struct {
	data []byte
	pos  int
}

func (p *partialReader) Read(b []byte) (int, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	n := copy(b, p.data[p.pos:min(p.pos+3, len(p.data))])
	p.pos += n
	return n, nil
}

func TestDecodeSuspendsOnShortReads(t *testing.T) {
	src := endpoint.New(net.ParseIP("198.51.100.7"), 7000)
	var buf bytes.Buffer
	payload := []byte("fragmented across reads")
	if err := Encode(&buf, src, payload); err != nil {
		t.Fatalf("encode: %v", err)
	}

	pr := &partialReader{data: buf.Bytes()}
	scratch := make([]byte, MaxPayload)
	got, err := Decode(pr, scratch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch after fragmented read: %q", got.Payload)
	}
}

func TestReadHeaderEOF(t *testing.T) {
	_, _, err := ReadHeader(bytes.NewReader(nil))
	if err == nil {
		t.Fatalf("expected error reading header from empty stream")
	}
}

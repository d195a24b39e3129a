// Package ingest serves the host side of the pipeline over WebSocket.
//
// A client opens GET /v1/stream?sample_rate=48000&channels=2&codec=f32le and
// then sends binary messages, each a 12-byte [Header] followed by one chunk of
// interleaved PCM (or one Opus packet) in the session codec. The server answers
// with binary [TypeBlock] messages carrying the emitted audio in the same codec
// and a JSON text message per processed window.
package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants.
const (
	HeaderSize = 12
	Version    = 1
)

var magic = [2]byte{'C', 'S'}

// Message types.
const (
	// TypeAudio carries host audio from client to server.
	TypeAudio byte = 1

	// TypeBlock carries emitted audio from server to client.
	TypeBlock byte = 2
)

// ErrBadFrame is returned for binary messages that do not carry a valid header.
var ErrBadFrame = errors.New("ingest: malformed frame")

// Header prefixes every binary message.
type Header struct {
	Type byte

	// Timestamp is the host timestamp of the first frame in nanoseconds.
	Timestamp uint64
}

// AppendFrame appends the encoded header and payload to dst.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	dst = append(dst, magic[0], magic[1], Version, h.Type)
	dst = binary.BigEndian.AppendUint64(dst, h.Timestamp)
	return append(dst, payload...)
}

// ParseFrame splits a binary message into its header and payload. The payload
// aliases msg.
func ParseFrame(msg []byte) (Header, []byte, error) {
	if len(msg) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadFrame, len(msg))
	}
	if msg[0] != magic[0] || msg[1] != magic[1] {
		return Header{}, nil, fmt.Errorf("%w: bad magic %q", ErrBadFrame, msg[:2])
	}
	if msg[2] != Version {
		return Header{}, nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, msg[2])
	}
	h := Header{Type: msg[3], Timestamp: binary.BigEndian.Uint64(msg[4:HeaderSize])}
	return h, msg[HeaderSize:], nil
}

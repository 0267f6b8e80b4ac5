// Package protocol implements the length-prefixed binary framing for metabridge.
//
// It solves TCP's sticky packet problem with the simplest self-delimiting
// layout possible: a fixed 4-byte big-endian length header followed by exactly
// that many payload bytes. The receiver reads the header first to learn the
// payload length, then reads exactly that many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬────────────────┐
//	│ length  │   payload ...  │
//	│ uint32  │  length bytes  │
//	└─────────┴────────────────┘
//
// The payload is an opaque byte string; its interpretation (request vs
// response, serialization format) belongs to the codec and message layers.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderSize is the fixed size of the length prefix in bytes.
const HeaderSize = 4

// MaxFrameSize bounds a single payload. A length prefix beyond this is treated
// as stream corruption rather than an allocation request — a garbage header
// must not make the reader allocate gigabytes.
const MaxFrameSize = 64 << 20 // 64 MiB

// ErrProtocol reports a framing-level failure: a truncated header, a truncated
// payload, or a length prefix that exceeds MaxFrameSize. A connection that
// produced ErrProtocol has an unknown stream position and must be discarded,
// never returned to a pool.
var ErrProtocol = errors.New("protocol error")

// WriteFrame writes one complete frame (length prefix + payload) to w.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different requests will interleave and
// corrupt the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, len(payload), MaxFrameSize)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	// Combined write so header and payload hit the socket in one syscall
	// where the platform supports writev.
	buffers := net.Buffers{header, payload}
	if _, err := buffers.WriteTo(w); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one complete frame from r and returns its payload.
// io.ReadFull guarantees exactly N bytes are read, preventing partial reads.
//
// A clean EOF before any header byte is returned as io.EOF so callers can
// distinguish "peer closed between frames" from a frame torn mid-stream,
// which is reported as ErrProtocol.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame header: %w", ErrProtocol, err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrProtocol, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte frame payload: %w", ErrProtocol, length, err)
	}
	return payload, nil
}

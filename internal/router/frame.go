package router

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame body to guard against a
// misbehaving peer driving unbounded allocation.
const maxFrameBytes = 64 << 20 // 64 MiB

// writeFrame writes body behind a 4-byte big-endian length prefix. No
// example repo in the corpus vendors a ZeroMQ-style socket binding, so the
// router speaks this small length-prefixed codec directly over
// net.Conn/net.Listener instead.
func writeFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

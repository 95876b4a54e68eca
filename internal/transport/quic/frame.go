package quic

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a single frame can carry.
const MaxFrameSize = 1<<16 - 1

const frameHeaderSize = 2

// writeFrame writes payload prefixed with its big-endian uint16 length.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the maximum of %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("error reading frame body: %w", err)
	}
	return payload, nil
}

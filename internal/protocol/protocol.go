package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the length prefix preceding every frame on a byte stream.
// Wire format: [length:u32 LE][payload]
const HeaderSize = 4

// ReadFrame reads a single length-prefixed frame from the reader.
// Returns (nil, nil) on clean EOF during the header read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame. Header and payload go out in
// one Write so concurrent writers guarded by a mutex never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single wire frame's body length. A frame whose
// declared length exceeds this is a protocol error, not a resource limit to
// be negotiated.
const MaxFrameBytes = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds MaxFrameBytes.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameBytes)

// Encode writes one length-prefixed JSON frame to w: a 4-byte big-endian
// length header followed by the JSON body. The header+body pair is written
// as a single Write where possible so concurrent writers on the same
// connection cannot interleave partial frames.
func Encode(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode message: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed JSON frame from r and unmarshals it into
// a Message. A clean EOF on the length header (no bytes read at all) is
// returned verbatim as io.EOF so callers can distinguish a normal peer
// disconnect from a truncated frame or malformed body, both of which are
// reported as wrapped protocol errors.
func Decode(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal frame: %w", err)
	}
	return &msg, nil
}

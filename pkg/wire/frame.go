// Package wire implements the length-prefixed binary envelope used by the
// kernel's RPC switchboard, along with the opcode and value types carried
// inside it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameLength bounds the 4-byte length prefix to guard against a
// malicious or corrupt peer claiming an absurd body size.
const MaxFrameLength = 64 << 20 // 64MiB

// ErrFrameTooLarge is returned by Decode when a peer's length prefix exceeds
// MaxFrameLength.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")

// ErrShortFrame is returned by Decode when the connection is closed or
// errors out partway through a frame. Per the framing contract, this is
// always connection-fatal.
var ErrShortFrame = errors.New("wire: short read decoding frame")

// A Frame is one message: an ordered list of values, the first of which is
// always the opcode string (see Opcode).
type Frame []any

// Decode reads exactly one length-prefixed frame from r. Any error returned
// is connection-fatal: the caller must close the connection and discard any
// pending state for it.
func Decode(r io.Reader) (Frame, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}

	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}

	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	return f, nil
}

// Encode writes one length-prefixed frame to w. Any error returned is
// connection-fatal.
func Encode(w io.Writer, f Frame) error {
	body, err := msgpack.Marshal([]any(f))
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(body) > MaxFrameLength {
		return ErrFrameTooLarge
	}

	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(body)))

	if _, err := w.Write(lenbuf[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	return nil
}

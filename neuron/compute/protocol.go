package compute

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize is the maximum allowed frame size (50MB).
const MaxFrameSize = 50 * 1024 * 1024

// Bridge operations and reply statuses.
const (
	OpForward  = "fwd"
	OpBackward = "bwd"

	StatusOK  = "OK"
	StatusErr = "ERR"
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")

// ReadFrame reads a length-prefixed frame from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, MaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	return buf, nil
}

// WriteFrame writes a length-prefixed frame to the writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxUint32 {
		return fmt.Errorf("%w: length %d exceeds uint32 max", ErrFrameTooLarge, len(payload))
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	header := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(header, uint32(len(payload))) // #nosec G115 - bounds checked above
	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

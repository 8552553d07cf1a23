package frame

import (
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderSize is the size of the big-endian length prefix in front of every payload.
	HeaderSize = 4

	// DefaultMaxSize bounds a single payload when no limit is configured.
	DefaultMaxSize = 16 << 20
)

// Frame is one encoded image. Payload must not be modified once the frame
// has been handed to another stage.
type Frame struct {
	Seq      uint64
	Captured time.Time
	Payload  []byte
}

// New wraps payload in a Frame stamped with the current time.
func New(seq uint64, payload []byte) *Frame {
	return &Frame{Seq: seq, Captured: time.Now(), Payload: payload}
}

// Len returns the payload length.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Payload)
}

// ErrConnectionClosed reports that the peer closed the stream. It is the
// normal end-of-stream signal, not a failure.
var ErrConnectionClosed = errors.New("frame: connection closed")

// FramingError reports a length prefix that cannot be honoured. The
// connection it was read from is no longer usable.
type FramingError struct {
	Length uint32
	Max    uint32
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame: length %d exceeds maximum %d", e.Length, e.Max)
}

// ReadError wraps a socket error hit while assembling a header or payload.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("frame: read %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsAbnormal reports whether err ended a stream for a reason other than a
// clean close by the peer.
func IsAbnormal(err error) bool {
	return err != nil && !errors.Is(err, ErrConnectionClosed)
}

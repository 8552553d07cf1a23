package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DecodeHeader parses a length prefix.
func DecodeHeader(hdr []byte) (uint32, error) {
	if len(hdr) != HeaderSize {
		return 0, fmt.Errorf("frame: header must be %d bytes, got %d", HeaderSize, len(hdr))
	}
	return binary.BigEndian.Uint32(hdr), nil
}

// ReadFull fills buf from r, looping over short reads. A zero-byte read or
// EOF before buf is full yields ErrConnectionClosed; any other failure is
// returned as a *ReadError.
func ReadFull(r io.Reader, buf []byte) error {
	return readFull(r, buf, "payload")
}

func readFull(r io.Reader, buf []byte, op string) error {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if got == len(buf) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrConnectionClosed
			}
			return &ReadError{Op: op, Err: err}
		}
		if n == 0 {
			return ErrConnectionClosed
		}
	}
	return nil
}

// Reader decodes consecutive frames from a stream.
type Reader struct {
	r   io.Reader
	max uint32
	hdr [HeaderSize]byte
}

// NewReader returns a Reader that rejects payloads larger than max bytes.
// A max of zero selects DefaultMaxSize.
func NewReader(r io.Reader, max uint32) *Reader {
	if max == 0 {
		max = DefaultMaxSize
	}
	return &Reader{r: r, max: max}
}

// ReadHeader reads and validates the next length prefix.
func (fr *Reader) ReadHeader() (uint32, error) {
	if err := readFull(fr.r, fr.hdr[:], "header"); err != nil {
		return 0, err
	}
	n, _ := DecodeHeader(fr.hdr[:])
	if n > fr.max {
		return 0, &FramingError{Length: n, Max: fr.max}
	}
	return n, nil
}

// ReadBody reads exactly n payload bytes.
func (fr *Reader) ReadBody(n uint32) ([]byte, error) {
	body := make([]byte, n)
	if err := readFull(fr.r, body, "payload"); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadFrame reads one complete length-prefixed payload.
func (fr *Reader) ReadFrame() ([]byte, error) {
	n, err := fr.ReadHeader()
	if err != nil {
		return nil, err
	}
	return fr.ReadBody(n)
}

package frame

import (
	"encoding/binary"
	"io"
	"math"
)

// Encode returns the wire form of payload: a 4-byte big-endian length
// followed by the payload bytes verbatim.
func Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &FramingError{Length: math.MaxUint32, Max: math.MaxUint32}
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeHeader returns only the length prefix for n payload bytes.
func EncodeHeader(n int) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(n))
	return hdr
}

// Write encodes payload and writes it to w in a single call.
func Write(w io.Writer, payload []byte) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

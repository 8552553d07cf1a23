package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// ErrDecode reports a payload that is not a decodable image.
var ErrDecode = errors.New("capture: payload is not a decodable image")

// JPEG encodes images for the wire and decodes received payloads.
type JPEG struct {
	Quality int
}

func (c JPEG) Encode(img image.Image) ([]byte, error) {
	q := c.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c JPEG) Decode(payload []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Package display turns received payloads back into images and shows them.
package display

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"framecast/pkg/frame"
	"framecast/pkg/metrics"
)

// ErrDecode is returned for a frame whose payload is not an image. The
// frame is dropped; the stream continues.
var ErrDecode = errors.New("display: frame could not be decoded")

// Display shows decoded images. PollQuit reports whether the viewer asked
// to stop.
type Display interface {
	Show(img image.Image, title string) error
	PollQuit() bool
	Close() error
}

type Decoder interface {
	Decode(payload []byte) (image.Image, error)
}

// Sink decodes each frame and shows it on a Display.
type Sink struct {
	codec   Decoder
	display Display
	title   string
	Metrics *metrics.Collector
}

func NewSink(codec Decoder, display Display, title string) *Sink {
	return &Sink{codec: codec, display: display, title: title}
}

func (s *Sink) HandleFrame(f *frame.Frame) error {
	img, err := s.codec.Decode(f.Payload)
	if err != nil {
		s.Metrics.DecodeFailed()
		return fmt.Errorf("%w: seq %d: %v", ErrDecode, f.Seq, err)
	}
	return s.display.Show(img, s.title)
}

func (s *Sink) PollQuit() bool { return s.display.PollQuit() }

func (s *Sink) Close() error { return s.display.Close() }

// Headless discards images and only counts them.
type Headless struct {
	shown atomic.Uint64
}

func (h *Headless) Show(image.Image, string) error {
	h.shown.Add(1)
	return nil
}

func (h *Headless) PollQuit() bool { return false }
func (h *Headless) Close() error   { return nil }

// Shown returns the number of images received.
func (h *Headless) Shown() uint64 { return h.shown.Load() }

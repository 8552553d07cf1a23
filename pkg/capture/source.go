// Package capture provides frame sources and the JPEG codec that turns their
// images into payloads.
package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"time"
)

// ErrEndOfStream is returned by a Source that has no more frames.
var ErrEndOfStream = errors.New("capture: end of stream")

// Source produces raw images. Next blocks until a frame is ready, the
// source ends or ctx is done.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Pattern is a synthetic source that draws moving colour bars. Limit > 0
// ends the stream after that many frames.
type Pattern struct {
	Width, Height int
	Limit         int

	n int
}

// NewPattern returns a Pattern source of the given size.
func NewPattern(width, height int) *Pattern {
	return &Pattern{Width: width, Height: height}
}

var bars = []color.RGBA{
	{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
	{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {0, 0, 0, 255},
}

func (p *Pattern) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Limit > 0 && p.n >= p.Limit {
		return nil, ErrEndOfStream
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	barWidth := p.Width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for x := 0; x < p.Width; x++ {
		c := bars[((x+p.n*4)/barWidth)%len(bars)]
		for y := 0; y < p.Height; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	// A clock strip so consecutive frames differ visibly.
	tick := uint8(time.Now().UnixMilli() / 10)
	for x := 0; x < p.Width && x < 64; x++ {
		for y := 0; y < p.Height && y < 8; y++ {
			img.SetRGBA(x, y, color.RGBA{tick, tick, tick, 255})
		}
	}
	p.n++
	return img, nil
}

func (p *Pattern) Close() error { return nil }

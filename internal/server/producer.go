package server

import (
	"context"
	"errors"
	"fmt"
	"image"

	"framecast/internal"
	"framecast/pkg/capture"
	"framecast/pkg/frame"
)

// Encoder turns a captured image into a payload.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// PublishFunc receives every produced frame in capture order.
type PublishFunc func(ctx context.Context, f *frame.Frame) error

// Produce runs the capture loop: wait for the pacer, grab an image, encode
// it and publish it. It returns nil when the source ends or ctx is done.
// Frames that fail to encode are skipped.
func Produce(ctx context.Context, src capture.Source, codec Encoder, pacer Pacer, publish PublishFunc) error {
	var seq uint64
	for {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return nil
			}
		}
		img, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, capture.ErrEndOfStream):
				internal.Info("capture source ended", internal.Fields{internal.FieldCount: seq})
				return nil
			default:
				return fmt.Errorf("capture: %w", err)
			}
		}
		payload, err := codec.Encode(img)
		if err != nil {
			internal.Warn("encode failed, frame skipped", internal.Fields{internal.FieldError: err.Error()})
			continue
		}
		seq++
		if err := publish(ctx, frame.New(seq, payload)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// FFmpeg reads raw RGBA frames from an ffmpeg child process attached to a
// camera device.
type FFmpeg struct {
	Device        string
	Width, Height int
	FPS           float64

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout *bufio.Reader
	pipe   io.ReadCloser
}

// NewFFmpeg returns an unstarted ffmpeg source; the process starts on the
// first call to Next.
func NewFFmpeg(device string, width, height int, fps float64) *FFmpeg {
	return &FFmpeg{Device: device, Width: width, Height: height, FPS: fps}
}

func (f *FFmpeg) inputArgs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-i", f.Device}
	case "windows":
		return []string{"-f", "dshow", "-i", "video=" + f.Device}
	default:
		return []string{"-f", "v4l2", "-i", f.Device}
	}
}

// Args returns the ffmpeg command line used for the capture.
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error",
		"-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height)}
	if f.FPS > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(f.FPS, 'f', -1, 64))
	}
	args = append(args, f.inputArgs()...)
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", f.Width, f.Height),
		"-pix_fmt", "rgba", "-f", "rawvideo", "pipe:1")
	return args
}

func (f *FFmpeg) start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", f.Args()...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	f.cmd = cmd
	f.pipe = pipe
	f.stdout = bufio.NewReaderSize(pipe, f.Width*f.Height*4)
	return nil
}

func (f *FFmpeg) Next(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd == nil {
		if err := f.start(ctx); err != nil {
			return nil, err
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if _, err := io.ReadFull(f.stdout, img.Pix); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("read ffmpeg frame: %w", err)
	}
	return img, nil
}

func (f *FFmpeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd == nil {
		return nil
	}
	_ = f.pipe.Close()
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	_ = f.cmd.Wait()
	f.cmd = nil
	return nil
}

package record

import (
	"bufio"
	"os"

	"framecast/pkg/frame"
)

// fileSegment stores payloads back to back. JPEG payloads concatenated this
// way form an MJPEG stream that ffmpeg and most players read directly.
type fileSegment struct {
	f *os.File
	w *bufio.Writer
}

// OpenFile is the default Opener.
func OpenFile(path string) (SegmentWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSegment{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

func (s *fileSegment) WriteFrame(fr *frame.Frame) error {
	_, err := s.w.Write(fr.Payload)
	return err
}

func (s *fileSegment) Close() error {
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

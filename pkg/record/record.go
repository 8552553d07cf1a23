// Package record splits a frame stream into time-bounded segment files.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"framecast/pkg/frame"
	"framecast/pkg/metrics"
)

// ErrClosed is returned by HandleFrame after Close.
var ErrClosed = errors.New("record: recorder closed")

// SegmentWriter is one open segment.
type SegmentWriter interface {
	WriteFrame(f *frame.Frame) error
	Close() error
}

// Opener creates the backing store for a segment.
type Opener func(path string) (SegmentWriter, error)

type Options struct {
	Dir    string
	Prefix string
	// Ext is appended to every segment name, ".mjpeg" when empty.
	Ext   string
	Chunk time.Duration

	Now     func() time.Time
	Open    Opener
	Metrics *metrics.Collector
	// OnOpen, when set, is called with the lock held after each segment opens.
	OnOpen func(Segment)
}

// Segment describes one segment written during this run.
type Segment struct {
	Index  int
	Path   string
	Start  time.Time
	Frames int
}

// Recorder holds at most one open segment and rotates it once Chunk has
// elapsed since the segment started.
type Recorder struct {
	opts  Options
	runID string

	mu       sync.Mutex
	cur      SegmentWriter
	curStart time.Time
	segments []Segment
	closed   bool
}

func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Chunk <= 0 {
		return nil, fmt.Errorf("record: chunk duration must be positive, got %s", opts.Chunk)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prefix == "" {
		opts.Prefix = "segment"
	}
	if opts.Ext == "" {
		opts.Ext = ".mjpeg"
	}
	if opts.Open == nil {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("record: create %s: %w", opts.Dir, err)
		}
		opts.Open = OpenFile
	}
	return &Recorder{opts: opts, runID: uuid.NewString()[:8]}, nil
}

func (r *Recorder) segmentPath(index int) string {
	name := fmt.Sprintf("%s_%s_%04d%s", r.opts.Prefix, r.runID, index, r.opts.Ext)
	return filepath.Join(r.opts.Dir, name)
}

// HandleFrame writes f to the open segment, opening or rotating first when
// needed. The frame that triggers a rotation goes into the new segment.
func (r *Recorder) HandleFrame(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	now := r.opts.Now()
	if r.cur != nil && now.Sub(r.curStart) >= r.opts.Chunk {
		if err := r.closeCurrent(); err != nil {
			return err
		}
	}
	if r.cur == nil {
		if err := r.openNext(now); err != nil {
			return err
		}
	}
	if err := r.cur.WriteFrame(f); err != nil {
		return fmt.Errorf("record: write segment %d: %w", len(r.segments)-1, err)
	}
	r.segments[len(r.segments)-1].Frames++
	return nil
}

func (r *Recorder) openNext(now time.Time) error {
	index := len(r.segments)
	path := r.segmentPath(index)
	w, err := r.opts.Open(path)
	if err != nil {
		return fmt.Errorf("record: open %s: %w", path, err)
	}
	r.cur = w
	r.curStart = now
	seg := Segment{Index: index, Path: path, Start: now}
	r.segments = append(r.segments, seg)
	r.opts.Metrics.SegmentOpened()
	if r.opts.OnOpen != nil {
		r.opts.OnOpen(seg)
	}
	return nil
}

func (r *Recorder) closeCurrent() error {
	w := r.cur
	r.cur = nil
	if err := w.Close(); err != nil {
		return fmt.Errorf("record: close segment: %w", err)
	}
	return nil
}

// Close flushes and closes the open segment. Calling it twice is harmless.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur == nil {
		return nil
	}
	return r.closeCurrent()
}

// Segments returns the segments opened so far, oldest first.
func (r *Recorder) Segments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"framecast/internal"
	"framecast/pkg/frame"
	"framecast/pkg/metrics"
	"framecast/pkg/queue"
)

// ErrSessionDead is returned once a session has given up on its peer.
var ErrSessionDead = errors.New("server: session dead")

type SessionOptions struct {
	// Retries is the number of write attempts per frame.
	Retries     int
	Backoff     time.Duration
	SendTimeout time.Duration
}

// Session owns one peer connection and drains that peer's queue.
type Session struct {
	ID    string
	Peer  string
	conn  net.Conn
	queue *queue.Queue
	opts  SessionOptions
	stats *metrics.Collector

	alive     atomic.Bool
	sent      atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newSession(conn net.Conn, q *queue.Queue, opts SessionOptions, stats *metrics.Collector) *Session {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	s := &Session{
		ID:    uuid.NewString(),
		Peer:  conn.RemoteAddr().String(),
		conn:  conn,
		queue: q,
		opts:  opts,
		stats: stats,
		done:  make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// Alive reports whether the session still accepts frames.
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Sent returns the number of frames fully written.
func (s *Session) Sent() uint64 { return s.sent.Load() }

// close stops the session from the outside. Safe to call repeatedly.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		s.queue.Close()
		_ = s.conn.Close()
	})
}

// Run pops frames in order and writes them to the peer until ctx is done,
// the queue is closed or a frame could not be delivered within the retry
// budget. The connection is always closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.close()

	fields := internal.Fields{internal.FieldSession: s.ID, internal.FieldPeer: s.Peer}
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.err = err
			return err
		}
		wire, err := frame.Encode(f.Payload)
		if err != nil {
			internal.Warn("frame not encodable, skipped", internal.Fields{
				internal.FieldSession: s.ID, internal.FieldSeq: f.Seq, internal.FieldError: err.Error(),
			})
			continue
		}
		if err := s.send(ctx, wire); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.err = err
			fields[internal.FieldError] = err.Error()
			internal.Warn("session dead", fields)
			return err
		}
		s.sent.Add(1)
		s.stats.FrameSent(len(wire))
		internal.Trace("frame sent", internal.Fields{
			internal.FieldSession: s.ID, internal.FieldSeq: f.Seq, internal.FieldBytes: len(wire),
		})
	}
}

// send writes wire with up to Retries attempts. A failed attempt waits
// Backoff*2^attempt before the next, and the next attempt resumes at the
// first byte the peer has not received.
func (s *Session) send(ctx context.Context, wire []byte) error {
	var off, attempts int
	var lastErr error
	for attempt := 0; attempt < s.opts.Retries; attempt++ {
		if attempt > 0 {
			s.stats.SendRetried()
			delay := s.opts.Backoff * time.Duration(1<<(attempt-1))
			internal.Debug("send retry", internal.Fields{
				internal.FieldSession: s.ID,
				internal.FieldAttempt: attempt + 1,
				internal.FieldMax:     s.opts.Retries,
				internal.FieldDelay:   delay.String(),
			})
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		if s.opts.SendTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout))
		}
		attempts++
		n, err := s.conn.Write(wire[off:])
		off += n
		if err == nil && off == len(wire) {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("short write %d of %d bytes", off, len(wire))
		}
		lastErr = err
		if errors.Is(err, net.ErrClosed) {
			break
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrSessionDead, s.Peer, attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

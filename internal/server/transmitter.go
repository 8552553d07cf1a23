// Package server implements the transmitting end: it accepts receivers and
// fans every published frame out to one queue per connected peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"framecast/internal"
	"framecast/pkg/crypto"
	"framecast/pkg/frame"
	"framecast/pkg/metrics"
	"framecast/pkg/netinfo"
	"framecast/pkg/queue"
	"framecast/pkg/transport"
)

// State of the connection acceptor.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener is the accept side of a transport. *transport.Listener
// satisfies it.
type Listener interface {
	Accept(timeout time.Duration) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

type Options struct {
	AllowMultipleClients bool
	AcceptTimeout        time.Duration

	QueueCapacity int
	Policy        queue.Policy
	// PushTimeout bounds the wait for space under queue.Block. Zero waits
	// until the publish context is done.
	PushTimeout time.Duration

	Session      SessionOptions
	MaxFrameSize int

	// Cipher, when set, seals every payload once before fan-out.
	Cipher  *crypto.Cipher
	Metrics *metrics.Collector
}

func (o *Options) validate() error {
	var errs []error
	if o.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue capacity must be positive, got %d", o.QueueCapacity))
	}
	switch o.Policy {
	case queue.Block, queue.DropNewest, queue.DropOldest:
	default:
		errs = append(errs, fmt.Errorf("unknown overflow policy %d", o.Policy))
	}
	if o.Session.Retries < 1 {
		errs = append(errs, fmt.Errorf("send retries must be at least 1, got %d", o.Session.Retries))
	}
	if o.AcceptTimeout <= 0 {
		errs = append(errs, errors.New("accept timeout must be positive"))
	}
	return errors.Join(errs...)
}

// SessionInfo is a point-in-time view of one connected peer.
type SessionInfo struct {
	ID       string
	Peer     string
	Queued   int
	Capacity int
	Dropped  uint64
	Sent     uint64
}

type Transmitter struct {
	opts Options
	ln   Listener

	state atomic.Int32

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func New(opts Options, ln Listener) (*Transmitter, error) {
	if ln == nil {
		return nil, errors.New("server: nil listener")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = frame.DefaultMaxSize
	}
	return &Transmitter{opts: opts, ln: ln, sessions: make(map[string]*Session)}, nil
}

// State returns the acceptor state.
func (t *Transmitter) State() State { return State(t.state.Load()) }

func (t *Transmitter) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev != s {
		internal.Debug("transmitter state", internal.Fields{internal.FieldState: s.String()})
	}
}

func (t *Transmitter) mode() string {
	if t.opts.AllowMultipleClients {
		return "multi"
	}
	return "single"
}

// Serve accepts peers until ctx is done or the listener fails. Every
// session is stopped and its connection closed before Serve returns.
func (t *Transmitter) Serve(ctx context.Context) error {
	t.setState(StateListening)
	defer t.setState(StateStopped)
	defer t.shutdown()

	t.logBanner()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !t.opts.AllowMultipleClients {
			if busy := t.current(); busy != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-busy.Done():
					internal.Info("single client gone, accepting again", internal.Fields{internal.FieldPeer: busy.Peer})
				}
				continue
			}
		}

		conn, err := t.ln.Accept(t.opts.AcceptTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: listener closed: %w", err)
			}
			// A failed TLS handshake only concerns that peer.
			internal.Warn("accept failed", internal.Fields{internal.FieldError: err.Error()})
			if sleepCtx(ctx, 10*time.Millisecond) != nil {
				return nil
			}
			continue
		}
		if err := t.startSession(ctx, conn); err != nil {
			internal.Error("session start failed", internal.Fields{internal.FieldError: err.Error()})
			_ = conn.Close()
		}
	}
}

func (t *Transmitter) logBanner() {
	addr := t.ln.Addr().String()
	fields := internal.Fields{internal.FieldMode: t.mode(), internal.FieldPolicy: t.opts.Policy.String()}
	endpoints, err := netinfo.Endpoints(addr)
	if err != nil || len(endpoints) == 0 {
		fields[internal.FieldAddr] = addr
		internal.Info("listening", fields)
		return
	}
	for _, ep := range endpoints {
		fields[internal.FieldAddr] = ep
		internal.Info("listening", fields)
	}
}

// current returns a session that is still running, if any.
func (t *Transmitter) current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		select {
		case <-s.Done():
		default:
			return s
		}
	}
	return nil
}

func (t *Transmitter) startSession(ctx context.Context, conn net.Conn) error {
	q, err := queue.New(t.opts.QueueCapacity, t.opts.Policy)
	if err != nil {
		return err
	}
	sess := newSession(conn, q, t.opts.Session, t.opts.Metrics)
	t.registerSession(sess)
	t.opts.Metrics.SessionOpened()
	internal.Info("peer connected", internal.Fields{
		internal.FieldSession: sess.ID,
		internal.FieldPeer:    sess.Peer,
		internal.FieldCount:   t.count(),
	})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.unregisterSession(sess)
		err := sess.Run(ctx)
		reason := "closed"
		if err != nil {
			reason = "send_failed"
		}
		t.opts.Metrics.SessionClosed(reason)
		internal.Info("peer disconnected", internal.Fields{
			internal.FieldSession: sess.ID,
			internal.FieldPeer:    sess.Peer,
			internal.FieldCount:   sess.Sent(),
		})
	}()
	return nil
}

func (t *Transmitter) registerSession(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sess.ID] = sess
}

func (t *Transmitter) unregisterSession(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sess.ID)
}

func (t *Transmitter) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transmitter) snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *Transmitter) shutdown() {
	t.setState(StateShuttingDown)
	_ = t.ln.Close()
	for _, s := range t.snapshot() {
		s.close()
	}
	t.wg.Wait()
}

// Sessions lists the connected peers.
func (t *Transmitter) Sessions() []SessionInfo {
	sessions := t.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:       s.ID,
			Peer:     s.Peer,
			Queued:   s.queue.Len(),
			Capacity: s.queue.Cap(),
			Dropped:  s.queue.Dropped(),
			Sent:     s.Sent(),
		})
	}
	return out
}

// Publish hands f to every live session. All sessions share the same
// immutable frame. A frame nobody is connected for is discarded; per-peer
// overflow follows the queue policy and never blocks other peers beyond
// PushTimeout. The only error is ctx's.
func (t *Transmitter) Publish(ctx context.Context, f *frame.Frame) error {
	t.opts.Metrics.FrameCaptured()
	size := f.Len()
	if t.opts.Cipher != nil {
		size += t.opts.Cipher.Overhead()
	}
	if size > t.opts.MaxFrameSize {
		internal.Warn("frame exceeds max size, discarded", internal.Fields{
			internal.FieldSeq: f.Seq, internal.FieldBytes: size, internal.FieldMax: t.opts.MaxFrameSize,
		})
		return nil
	}
	if t.opts.Cipher != nil {
		f = &frame.Frame{Seq: f.Seq, Captured: f.Captured, Payload: t.opts.Cipher.Seal(f.Payload)}
	}

	for _, s := range t.snapshot() {
		if !s.Alive() {
			continue
		}
		if err := t.push(ctx, s, f); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (t *Transmitter) push(ctx context.Context, s *Session, f *frame.Frame) error {
	pushCtx := ctx
	if t.opts.Policy == queue.Block && t.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, t.opts.PushTimeout)
		defer cancel()
	}
	before := s.queue.Dropped()
	err := s.queue.Push(pushCtx, f)
	switch {
	case err == nil:
		if s.queue.Dropped() > before {
			t.opts.Metrics.FrameDropped(t.opts.Policy.String())
		}
	case errors.Is(err, queue.ErrDropped):
		t.opts.Metrics.FrameDropped(t.opts.Policy.String())
	case errors.Is(err, queue.ErrClosed):
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		t.opts.Metrics.FrameDropped("push_timeout")
		internal.Debug("push timed out, frame skipped for peer", internal.Fields{
			internal.FieldSession: s.ID, internal.FieldSeq: f.Seq,
		})
	default:
		return err
	}
	return nil
}

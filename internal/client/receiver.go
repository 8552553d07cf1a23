// Package client implements the receiving end: it dials the transmitter,
// reads framed payloads and hands them to sinks, reconnecting when the
// link drops.
package client

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
)

// FSM: Disconnected -> Connecting -> Streaming -> (Disconnected | ShuttingDown).

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrReconnectsExhausted wraps the last dial error once every connect
// attempt has failed.
var ErrReconnectsExhausted = errors.New("client: reconnect attempts exhausted")

var errQuit = errors.New("client: quit requested")

// Dialer opens the stream connection. transport.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Sink consumes received frames. A sink error drops the frame for that sink
// only.
type Sink interface {
	HandleFrame(f *frame.Frame) error
	Close() error
}

type Options struct {
	Addr string
	// MaxReconnects is the number of connect attempts per connect sequence.
	MaxReconnects int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	// ReadTimeout > 0 treats a peer silent for that long as failed.
	ReadTimeout  time.Duration
	MaxFrameSize uint32
	Midstream    bool

	Cipher  *crypto.Cipher
	Metrics *metrics.Collector
	// Quit is polled once per frame, during every backoff wait and while a
	// read is blocked.
	Quit func() bool
}

type Receiver struct {
	opts   Options
	dialer Dialer
	sinks  []Sink

	state    atomic.Int32
	mu       sync.Mutex
	onChange func(from, to State)
	seq      uint64
}

func New(opts Options, dialer Dialer, sinks ...Sink) (*Receiver, error) {
	if dialer == nil {
		return nil, errors.New("client: nil dialer")
	}
	if opts.Addr == "" {
		return nil, errors.New("client: address is required")
	}
	if opts.MaxReconnects < 1 {
		return nil, fmt.Errorf("client: max reconnects must be at least 1, got %d", opts.MaxReconnects)
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Receiver{opts: opts, dialer: dialer, sinks: sinks}, nil
}

// State returns the current connection state.
func (r *Receiver) State() State { return State(r.state.Load()) }

// OnStateChange registers fn to be called on every transition, from the
// goroutine running Run.
func (r *Receiver) OnStateChange(fn func(from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Receiver) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	r.opts.Metrics.ReceiverState(int(s))
	internal.Debug("receiver state", internal.Fields{internal.FieldState: s.String()})
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(prev, s)
	}
}

func (r *Receiver) quit() bool {
	return r.opts.Quit != nil && r.opts.Quit()
}

// Run connects and streams until ctx is done, quit is requested, the
// stream ends without midstream reconnect, or every connect attempt
// failed. Sinks are closed before Run returns; a Receiver runs once.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.shutdown()

	for {
		conn, err := r.connect(ctx)
		if err != nil {
			if r.stopped(ctx, err) {
				return nil
			}
			internal.Error("giving up on transmitter", internal.Fields{
				internal.FieldAddr: r.opts.Addr, internal.FieldError: err.Error(),
			})
			return err
		}

		err = r.stream(ctx, conn)
		_ = conn.Close()
		if r.stopped(ctx, err) {
			return nil
		}

		fields := internal.Fields{internal.FieldAddr: r.opts.Addr, internal.FieldCount: r.seq}
		cause := "closed"
		if frame.IsAbnormal(err) {
			cause = "error"
			var fe *frame.FramingError
			if errors.As(err, &fe) {
				cause = "framing"
			}
			fields[internal.FieldError] = err.Error()
			internal.Error("stream failed", fields)
		} else {
			internal.Info("transmitter closed the stream", fields)
		}
		r.opts.Metrics.Disconnected(cause)

		if !r.opts.Midstream {
			if frame.IsAbnormal(err) {
				return err
			}
			return nil
		}
		r.setState(StateDisconnected)
	}
}

func (r *Receiver) stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, errQuit)
}

func (r *Receiver) shutdown() {
	r.setState(StateShuttingDown)
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			internal.Warn("sink close failed", internal.Fields{internal.FieldError: err.Error()})
		}
	}
}

// connect makes up to MaxReconnects attempts, waiting a capped
// exponential backoff between them.
func (r *Receiver) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxReconnects; attempt++ {
		if r.quit() {
			return nil, errQuit
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.setState(StateConnecting)
		r.opts.Metrics.ConnectAttempted()
		conn, err := r.dialer.Dial(ctx, r.opts.Addr)
		if err == nil {
			internal.Info("connected", internal.Fields{internal.FieldAddr: r.opts.Addr, internal.FieldAttempt: attempt})
			r.setState(StateStreaming)
			return conn, nil
		}
		r.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == r.opts.MaxReconnects {
			break
		}
		delay := Backoff(attempt, r.opts.Backoff, r.opts.MaxBackoff)
		internal.Warn("connect failed", internal.Fields{
			internal.FieldAddr:    r.opts.Addr,
			internal.FieldAttempt: attempt,
			internal.FieldMax:     r.opts.MaxReconnects,
			internal.FieldDelay:   delay.String(),
			internal.FieldError:   err.Error(),
		})
		if err := r.pause(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectsExhausted, r.opts.MaxReconnects, lastErr)
}

const quitPollInterval = 50 * time.Millisecond

// pause sleeps for d while watching ctx and the quit poller.
func (r *Receiver) pause(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if left > quitPollInterval && r.opts.Quit != nil {
			left = quitPollInterval
		}
		timer := time.NewTimer(left)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if r.quit() {
			return errQuit
		}
	}
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay < 0 {
		delay = max
	}
	return delay
}

// stream reads frames from conn until it fails. Cancelling ctx or a quit
// request closes conn so a blocked read returns at once.
func (r *Receiver) stream(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var quitting atomic.Bool
	if r.opts.Quit != nil {
		done := make(chan struct{})
		defer close(done)
		go r.watchQuit(done, func() {
			quitting.Store(true)
			_ = conn.Close()
		})
	}

	reader := frame.NewReader(conn, r.opts.MaxFrameSize)
	for {
		if r.quit() {
			return errQuit
		}
		if r.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}
		payload, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if quitting.Load() {
				return errQuit
			}
			return err
		}
		if r.opts.Cipher != nil {
			plain, err := r.opts.Cipher.Open(payload)
			if err != nil {
				r.opts.Metrics.DecodeFailed()
				internal.Warn("payload rejected", internal.Fields{internal.FieldError: err.Error()})
				continue
			}
			payload = plain
		}
		r.seq++
		f := &frame.Frame{Seq: r.seq, Captured: time.Now(), Payload: payload}
		r.opts.Metrics.FrameReceived(len(payload))
		r.deliver(f)
	}
}

// watchQuit polls the quit poller until done closes and calls fire once
// quit is requested.
func (r *Receiver) watchQuit(done <-chan struct{}, fire func()) {
	ticker := time.NewTicker(quitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if r.quit() {
				fire()
				return
			}
		}
	}
}

func (r *Receiver) deliver(f *frame.Frame) {
	for _, s := range r.sinks {
		if err := s.HandleFrame(f); err != nil {
			internal.Warn("frame dropped by sink", internal.Fields{
				internal.FieldSeq: f.Seq, internal.FieldError: err.Error(),
			})
		}
	}
}

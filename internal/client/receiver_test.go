package client

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"framecast/pkg/crypto"
	"framecast/pkg/frame"
	"framecast/pkg/transport"
)

type countingDialer struct {
	inner Dialer
	err   error
	calls atomic.Int32

	mu    sync.Mutex
	times []time.Time
}

func (d *countingDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.inner.Dial(ctx, addr)
}

type collectSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *collectSink) HandleFrame(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), f.Payload...))
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type transitions struct {
	mu  sync.Mutex
	seq []State
}

func (tr *transitions) record(_, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seq = append(tr.seq, to)
}

func (tr *transitions) contains(want ...State) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	i := 0
	for _, s := range tr.seq {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

// serve accepts one connection per handler, in order.
func serve(t *testing.T, handlers ...func(net.Conn)) string {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for _, h := range handlers {
			c, err := ln.Accept(5 * time.Second)
			if err != nil {
				return
			}
			go h(c)
		}
	}()
	return ln.Addr().String()
}

func sendAndClose(payloads ...string) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		for _, p := range payloads {
			if err := frame.Write(c, []byte(p)); err != nil {
				return
			}
		}
	}
}

func sendAndHold(done <-chan struct{}, payloads ...string) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		for _, p := range payloads {
			_ = frame.Write(c, []byte(p))
		}
		<-done
	}
}

func baseOptions(addr string) Options {
	return Options{
		Addr:          addr,
		MaxReconnects: 3,
		Backoff:       10 * time.Millisecond,
		MaxBackoff:    time.Second,
	}
}

func TestReconnectBound(t *testing.T) {
	dialErr := errors.New("unreachable")
	d := &countingDialer{err: dialErr}
	sink := &collectSink{}
	opts := baseOptions("192.0.2.1:1")
	opts.Backoff = 20 * time.Millisecond
	r, err := New(opts, d, sink)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver hung after exhausting reconnects")
	}
	if !errors.Is(err, ErrReconnectsExhausted) || !errors.Is(err, dialErr) {
		t.Fatalf("unexpected error %v", err)
	}
	if n := d.calls.Load(); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
	gaps := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}
	for i, want := range gaps {
		if gap := d.times[i+1].Sub(d.times[i]); gap < want {
			t.Fatalf("gap %d was %s, want at least %s", i, gap, want)
		}
	}
	if r.State() != StateShuttingDown || !sink.closed {
		t.Fatalf("receiver did not shut down cleanly")
	}
}

func TestMidstreamReconnect(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	addr := serve(t, sendAndClose("one"), sendAndHold(hold, "two"))

	d := &countingDialer{inner: transport.Dialer{Timeout: time.Second}}
	sink := &collectSink{}
	opts := baseOptions(addr)
	opts.Midstream = true
	r, _ := New(opts, d, sink)
	tr := &transitions{}
	r.OnStateChange(tr.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames received", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.State() != StateStreaming {
		t.Fatalf("state %s, want streaming", r.State())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !tr.contains(StateConnecting, StateStreaming, StateDisconnected, StateConnecting, StateStreaming, StateShuttingDown) {
		t.Fatalf("unexpected transitions %v", tr.seq)
	}
	if string(sink.frames[0]) != "one" || string(sink.frames[1]) != "two" {
		t.Fatalf("frames %q", sink.frames)
	}
	if d.calls.Load() != 2 {
		t.Fatalf("dialed %d times", d.calls.Load())
	}
}

func TestCleanCloseWithoutMidstreamStops(t *testing.T) {
	addr := serve(t, sendAndClose("a", "b"))
	sink := &collectSink{}
	r, _ := New(baseOptions(addr), transport.Dialer{Timeout: time.Second}, sink)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("clean close must not be an error: %v", err)
	}
	if sink.count() != 2 || !sink.closed {
		t.Fatalf("frames %d closed %v", sink.count(), sink.closed)
	}
}

func TestFramingErrorIsAbnormal(t *testing.T) {
	addr := serve(t, func(c net.Conn) {
		defer c.Close()
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 1<<30)
		_, _ = c.Write(hdr[:])
		time.Sleep(100 * time.Millisecond)
	})
	opts := baseOptions(addr)
	opts.MaxFrameSize = 1024
	r, _ := New(opts, transport.Dialer{Timeout: time.Second})
	err := r.Run(context.Background())
	var fe *frame.FramingError
	if !errors.As(err, &fe) || fe.Max != 1024 {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestReadTimeoutIsReadError(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	addr := serve(t, sendAndHold(hold))
	opts := baseOptions(addr)
	opts.ReadTimeout = 50 * time.Millisecond
	r, _ := New(opts, transport.Dialer{Timeout: time.Second})
	err := r.Run(context.Background())
	var re *frame.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	d := &countingDialer{err: errors.New("down")}
	opts := baseOptions("192.0.2.1:1")
	opts.Backoff = 10 * time.Second
	opts.MaxBackoff = 10 * time.Second
	r, _ := New(opts, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancellation not honoured during backoff")
	}
}

func TestCancelUnblocksRead(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	addr := serve(t, sendAndHold(hold))
	r, _ := New(baseOptions(addr), transport.Dialer{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	for r.State() != StateStreaming {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked read not interrupted")
	}
}

func TestQuitPollerStops(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	addr := serve(t, sendAndHold(hold, "a", "b", "c"))
	sink := &collectSink{}
	opts := baseOptions(addr)
	opts.Quit = func() bool { return sink.count() >= 1 }
	r, _ := New(opts, transport.Dialer{Timeout: time.Second}, sink)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("quit must end cleanly: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("received %d frames after quit", sink.count())
	}
}

func TestQuitOnSilentLink(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	addr := serve(t, sendAndHold(hold))

	var quit atomic.Bool
	opts := baseOptions(addr)
	opts.Quit = quit.Load
	r, _ := New(opts, transport.Dialer{Timeout: time.Second})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatalf("receiver never connected, state %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	quit.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("quit must end cleanly: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("quit ignored while streaming on a silent link (state %s)", r.State())
	}
	if r.State() != StateShuttingDown {
		t.Fatalf("state %s after quit", r.State())
	}
}

func TestSealedPayloadsAreOpened(t *testing.T) {
	key, _ := crypto.DeriveKey([]byte("shared"))
	sealer, _ := crypto.NewCipherFromKey(key)
	opener, _ := crypto.NewCipherFromKey(key)
	sealed := string(sealer.Seal([]byte("image")))

	addr := serve(t, sendAndClose("garbage", sealed))
	sink := &collectSink{}
	opts := baseOptions(addr)
	opts.Cipher = opener
	r, _ := New(opts, transport.Dialer{Timeout: time.Second}, sink)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 || string(sink.frames[0]) != "image" {
		t.Fatalf("frames %q", sink.frames)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 4: 800 * time.Millisecond, 5: time.Second, 64: time.Second}
	for attempt, want := range cases {
		if got := Backoff(attempt, base, max); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{Addr: "x:1"}, transport.Dialer{}); err == nil {
		t.Fatalf("expected max reconnects error")
	}
	if _, err := New(Options{MaxReconnects: 1}, transport.Dialer{}); err == nil {
		t.Fatalf("expected address error")
	}
	if _, err := New(Options{Addr: "x:1", MaxReconnects: 1}, nil); err == nil {
		t.Fatalf("expected dialer error")
	}
}

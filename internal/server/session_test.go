package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"framecast/pkg/frame"
	"framecast/pkg/queue"
)

// scriptConn fails or shortens writes according to a script. Each script
// entry is consumed by one Write call: -1 fails the call, n accepts n bytes and
// then fails unless n covers the whole buffer, and a missing entry accepts
// everything.
type scriptConn struct {
	net.Conn

	mu     sync.Mutex
	script []int
	calls  int
	out    bytes.Buffer
	closed bool
}

var errInjected = errors.New("injected write failure")

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.calls++
	if len(c.script) == 0 {
		return c.out.Write(p)
	}
	step := c.script[0]
	c.script = c.script[1:]
	if step < 0 {
		return 0, errInjected
	}
	if step >= len(p) {
		return c.out.Write(p)
	}
	c.out.Write(p[:step])
	return step, errInjected
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func (c *scriptConn) stats() (int, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, append([]byte(nil), c.out.Bytes()...), c.closed
}

func newTestSession(t *testing.T, conn net.Conn, retries int, backoff time.Duration) *Session {
	t.Helper()
	q, err := queue.New(8, queue.Block)
	if err != nil {
		t.Fatal(err)
	}
	return newSession(conn, q, SessionOptions{Retries: retries, Backoff: backoff}, nil)
}

func TestSessionRetryBound(t *testing.T) {
	conn := &scriptConn{script: []int{-1, -1, -1, -1, -1, -1}}
	s := newTestSession(t, conn, 3, time.Millisecond)
	_ = s.queue.Push(context.Background(), frame.New(1, []byte("payload")))

	err := s.Run(context.Background())
	if !errors.Is(err, ErrSessionDead) {
		t.Fatalf("expected ErrSessionDead, got %v", err)
	}
	calls, _, closed := conn.stats()
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if !closed || s.Alive() {
		t.Fatalf("dead session must close its connection")
	}
	if !errors.Is(s.Err(), ErrSessionDead) {
		t.Fatalf("Err() = %v", s.Err())
	}
}

func TestSessionRetryResetsAfterSuccess(t *testing.T) {
	// Two failures before each success: within a budget of 3 only if the
	// counter starts over for every frame.
	conn := &scriptConn{script: []int{-1, -1, 1 << 20, -1, -1, 1 << 20, -1, -1}}
	s := newTestSession(t, conn, 3, time.Millisecond)
	ctx := context.Background()
	var want []byte
	for i := 1; i <= 3; i++ {
		p := []byte{byte(i), byte(i), byte(i)}
		_ = s.queue.Push(ctx, frame.New(uint64(i), p))
		wire, _ := frame.Encode(p)
		want = append(want, wire...)
	}
	s.queue.Close()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls, out, _ := conn.stats()
	if calls != 9 {
		t.Fatalf("expected 9 write calls, got %d", calls)
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("stream corrupted: %x != %x", out, want)
	}
	if s.Sent() != 3 {
		t.Fatalf("sent %d frames", s.Sent())
	}
}

func TestSessionPartialWriteResumes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	wire, _ := frame.Encode(payload)
	conn := &scriptConn{script: []int{2, 30}}
	s := newTestSession(t, conn, 3, time.Millisecond)
	_ = s.queue.Push(context.Background(), frame.New(1, payload))
	s.queue.Close()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, out, _ := conn.stats()
	if !bytes.Equal(out, wire) {
		t.Fatalf("resumed stream differs from the encoded frame")
	}
}

func TestSessionBackoffIsExponential(t *testing.T) {
	conn := &scriptConn{script: []int{-1, -1, -1}}
	s := newTestSession(t, conn, 3, 20*time.Millisecond)
	_ = s.queue.Push(context.Background(), frame.New(1, []byte("a")))

	start := time.Now()
	_ = s.Run(context.Background())
	// 20ms after the first failure, 40ms after the second.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("backoff too short: %s", elapsed)
	}
}

func TestSessionStopsOnCancel(t *testing.T) {
	conn := &scriptConn{}
	s := newTestSession(t, conn, 3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled session returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("session ignored cancellation")
	}
	if _, _, closed := conn.stats(); !closed {
		t.Fatalf("connection not released")
	}
}

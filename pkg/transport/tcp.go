package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
)

// ErrBind wraps any failure to bind or listen. It is fatal at startup.
var ErrBind = errors.New("transport: bind failed")

// Dialer dials TCP endpoints with a bounded timeout and optional TLS.
type Dialer struct {
	Timeout time.Duration
	TLS     *tls.Config
}

// Dial connects to addr. When TLS is configured the handshake completes
// before Dial returns, within the same timeout.
func (d Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := net.Dialer{Control: dialControl}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.TLS == nil {
		return conn, nil
	}
	cfg := d.TLS.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tc, nil
}

// Listener accepts TCP peers with a per-call deadline so that the accept
// loop can observe shutdown.
type Listener struct {
	ln               *net.TCPListener
	tls              *tls.Config
	HandshakeTimeout time.Duration
}

// Listen binds addr. A non-nil tlsCfg makes Accept return TLS server
// connections whose handshake has already completed.
func Listen(addr string, tlsCfg *tls.Config) (*Listener, error) {
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("%w: %s: not a tcp listener", ErrBind, addr)
	}
	return &Listener{ln: tcp, tls: tlsCfg, HandshakeTimeout: defaultHandshakeTimeout}, nil
}

// Accept waits up to timeout for one peer. A zero timeout blocks.
// Use IsTimeout to tell an expired wait from a real failure.
func (l *Listener) Accept(timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if l.tls == nil {
		return conn, nil
	}
	_ = conn.SetDeadline(time.Now().Add(l.HandshakeTimeout))
	tc := tls.Server(conn, l.tls)
	if err := tc.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	return tc, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops listening.
func (l *Listener) Close() error { return l.ln.Close() }

// TLS reports whether accepted connections are TLS wrapped.
func (l *Listener) TLS() bool { return l.tls != nil }

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

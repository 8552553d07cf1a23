package crypto

import (
	"errors"
	"sync"
)

// ErrReplay is returned by Open for a payload whose nonce was already seen
// or has fallen behind the replay window.
var ErrReplay = errors.New("crypto: replayed or stale payload")

const defaultReplayWindow = 64

// Window implements a sliding window replay detector over nonce counters.
type Window struct {
	mu     sync.Mutex
	maxSeq uint64
	window uint64
	seen   uint64
}

// NewWindow returns a replay window with a given size (<=64).
func NewWindow(size uint64) *Window {
	if size == 0 || size > 64 {
		size = 64
	}
	return &Window{window: size}
}

// Check returns false if the sequence is a replay or too old.
func (w *Window) Check(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq > w.maxSeq {
		shift := seq - w.maxSeq
		if shift >= 64 {
			w.seen = 1
		} else {
			w.seen = (w.seen << shift) | 1
		}
		w.maxSeq = seq
		return true
	}

	offset := w.maxSeq - seq
	if offset >= w.window {
		return false
	}
	mask := uint64(1) << offset
	if w.seen&mask != 0 {
		return false
	}
	w.seen |= mask
	return true
}

// replayGuard keeps one window per sender. Senders are told apart by their
// nonce prefix, so a restarted transmitter starts a fresh window.
type replayGuard struct {
	mu      sync.Mutex
	prefix  [4]byte
	started bool
	window  *Window
}

func (g *replayGuard) accept(prefix [4]byte, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || prefix != g.prefix {
		g.prefix = prefix
		g.started = true
		g.window = NewWindow(defaultReplayWindow)
	}
	return g.window.Check(seq)
}

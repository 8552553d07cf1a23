package display

import (
	"bufio"
	"io"
	"strings"
	"sync/atomic"
)

// StdinQuit watches a line-oriented reader for "q" or "quit". It stands in
// for a window's quit key on a terminal.
type StdinQuit struct {
	quit atomic.Bool
}

func NewStdinQuit(r io.Reader) *StdinQuit {
	q := &StdinQuit{}
	go q.watch(r)
	return q
}

func (q *StdinQuit) watch(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "q", "quit", "exit":
			q.quit.Store(true)
			return
		}
	}
}

func (q *StdinQuit) PollQuit() bool { return q.quit.Load() }

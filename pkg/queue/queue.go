// Package queue provides the bounded frame buffer that sits between a
// producer and one network sender.
//
// All state is guarded by one mutex. Consumers wait on notEmpty, producers
// using the Block policy wait on notFull. Context cancellation and timeouts
// wake waiters by broadcasting both conditions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"framecast/pkg/frame"
)

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// Block makes the producer wait for space.
	Block Policy = iota
	// DropNewest discards the frame being pushed.
	DropNewest
	// DropOldest evicts the head before inserting.
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return Block, nil
	case "drop_newest", "drop-newest":
		return DropNewest, nil
	case "drop_oldest", "drop-oldest", "":
		return DropOldest, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

var (
	// ErrClosed is returned by Push and Pop once Close has been called.
	// Pop only returns it after the buffered frames have been drained.
	ErrClosed = errors.New("queue: closed")
	// ErrDropped reports that Push discarded the frame under DropNewest.
	ErrDropped = errors.New("queue: frame dropped")
	// ErrTimeout reports that a bounded wait expired.
	ErrTimeout = errors.New("queue: timeout")
)

// Queue is a FIFO of frames with a fixed capacity.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []*frame.Frame
	head   int
	count  int
	policy Policy
	closed bool

	dropped uint64
}

// New creates a queue holding at most capacity frames.
func New(capacity int, policy Policy) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if policy < Block || policy > DropOldest {
		return nil, fmt.Errorf("invalid overflow policy %v", policy)
	}
	q := &Queue{buf: make([]*frame.Frame, capacity), policy: policy}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends f according to the overflow policy. Under Block it waits
// until space is available, ctx is done or the queue is closed.
func (q *Queue) Push(ctx context.Context, f *frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.count == len(q.buf) {
		switch q.policy {
		case DropNewest:
			atomic.AddUint64(&q.dropped, 1)
			return ErrDropped
		case DropOldest:
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			atomic.AddUint64(&q.dropped, 1)
		default:
			stop := q.wakeOn(ctx)
			defer stop()
			for q.count == len(q.buf) && !q.closed {
				if err := ctx.Err(); err != nil {
					return err
				}
				q.notFull.Wait()
			}
			if q.closed {
				return ErrClosed
			}
		}
	}

	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	q.notEmpty.Signal()
	return nil
}

// PushTimeout is Push with a bounded wait.
func (q *Queue) PushTimeout(f *frame.Frame, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := q.Push(ctx, f)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Pop removes the oldest frame, waiting while the queue is empty. It
// returns ErrClosed once the queue is closed and drained, or ctx.Err().
func (q *Queue) Pop(ctx context.Context) (*frame.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 && !q.closed {
		stop := q.wakeOn(ctx)
		defer stop()
		for q.count == 0 && !q.closed {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			q.notEmpty.Wait()
		}
	}
	if q.count == 0 {
		return nil, ErrClosed
	}

	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return f, nil
}

// PopTimeout is Pop with a bounded wait.
func (q *Queue) PopTimeout(d time.Duration) (*frame.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	f, err := q.Pop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return f, err
}

// Close marks the queue closed and wakes every waiter. Frames already
// buffered can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Policy returns the overflow policy.
func (q *Queue) Policy() Policy { return q.policy }

// Dropped returns how many frames were discarded by the overflow policy.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// wakeOn broadcasts both conditions when ctx is done so that a waiter can
// observe the cancellation. Must be called with q.mu held.
func (q *Queue) wakeOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
}

package spine

import (
	"context"
	"errors"
	"sync"

	"github.com/toolink/spine/message"
)

var (
	errInboxClosed = errors.New("spine: inbox closed")
	errInboxFull   = errors.New("spine: inbox full")
)

// compactThreshold is the number of consumed slots after which the queue is
// shifted down instead of growing further.
const compactThreshold = 256

// inbox is a FIFO queue in front of the channel a handler reads.
// push never blocks unless the inbox is bounded with PolicyBlock. A pump
// goroutine moves queued envelopes to out, which it closes once the inbox is
// closed and drained or the consumer has gone.
type inbox struct {
	cfg InboxConfig

	mu     sync.Mutex
	queue  []message.Envelope
	head   int
	closed bool

	ready chan struct{} // queue became non-empty or inbox was closed
	space chan struct{} // a slot was freed in a bounded inbox
	done  chan struct{} // closed by close
	halt  chan struct{} // closed when the consumer stopped reading

	out chan message.Envelope

	closeOnce sync.Once
	haltOnce  sync.Once
}

func newInbox(cfg InboxConfig) *inbox {
	return &inbox{
		cfg:   cfg,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
		halt:  make(chan struct{}),
		out:   make(chan message.Envelope),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push enqueues env. It fails with errInboxClosed after close, errInboxFull
// for a full PolicyDrop inbox, or the context error while waiting for space.
func (in *inbox) push(ctx context.Context, env message.Envelope) error {
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return errInboxClosed
		}
		if !in.cfg.Bounded() || len(in.queue)-in.head < in.cfg.Capacity {
			in.queue = append(in.queue, env)
			more := in.cfg.Bounded() && len(in.queue)-in.head < in.cfg.Capacity
			in.mu.Unlock()
			signal(in.ready)
			if more {
				// Pass the wakeup on to another waiting publisher.
				signal(in.space)
			}
			return nil
		}
		in.mu.Unlock()

		if in.cfg.Policy == PolicyDrop {
			return errInboxFull
		}
		select {
		case <-in.space:
		case <-in.done:
			return errInboxClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pop removes the oldest envelope. The second result is false when the queue
// is empty.
func (in *inbox) pop() (message.Envelope, bool, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.head == len(in.queue) {
		return message.Envelope{}, false, in.closed
	}
	env := in.queue[in.head]
	in.queue[in.head] = message.Envelope{} // drop the reference to heap payloads
	in.head++

	switch {
	case in.head == len(in.queue):
		in.queue = in.queue[:0]
		in.head = 0
	case in.head >= compactThreshold && in.head*2 >= len(in.queue):
		n := copy(in.queue, in.queue[in.head:])
		clear(in.queue[n:])
		in.queue = in.queue[:n]
		in.head = 0
	}
	return env, true, in.closed
}

func (in *inbox) pump() {
	defer close(in.out)
	for {
		env, ok, closed := in.pop()
		if !ok {
			if closed {
				return
			}
			select {
			case <-in.ready:
				continue
			case <-in.halt:
				return
			}
		}
		if in.cfg.Bounded() {
			signal(in.space)
		}
		select {
		case in.out <- env:
		case <-in.halt:
			return
		}
	}
}

// close stops accepting envelopes. Already queued envelopes are still handed
// to the consumer.
func (in *inbox) close() {
	in.closeOnce.Do(func() {
		in.mu.Lock()
		in.closed = true
		in.mu.Unlock()
		close(in.done)
		signal(in.ready)
	})
}

// stop releases the pump after the consumer has exited.
func (in *inbox) stop() {
	in.haltOnce.Do(func() { close(in.halt) })
}

func (in *inbox) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// pending returns the number of queued envelopes.
func (in *inbox) pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue) - in.head
}

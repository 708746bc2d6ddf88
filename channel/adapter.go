// Package channel provides type-erased channel endpoints and a name-keyed
// registry for them, so handlers can address peers whose message types they
// do not know statically.
package channel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrClosed is returned when sending on or receiving from a closed endpoint.
	ErrClosed = errors.New("channel: endpoint is closed")
)

// DowncastError reports a value whose dynamic type does not match the type an
// endpoint is bound to. It signals a wiring bug, not a transient fault.
type DowncastError struct {
	Expected string
	Got      string
}

func (e *DowncastError) Error() string {
	return fmt.Sprintf("channel: downcast mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Sender accepts untyped values for a statically typed channel.
type Sender interface {
	SendAny(ctx context.Context, v any) error
	TypeName() string
}

// Receiver hands out values of a statically typed channel as any.
type Receiver interface {
	RecvAny(ctx context.Context) (any, error)
	TypeName() string
}

// Endpoint is both ends of a typed channel behind the untyped interface.
type Endpoint interface {
	Sender
	Receiver
	Close()
}

// Adapter binds a Go channel of T to the Endpoint interface.
// The type is fixed at construction; SendAny checks every value against it.
type Adapter[T any] struct {
	ch       chan T
	typeName string

	mu        sync.RWMutex // held for reading by senders, for writing by Close
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewAdapter returns an adapter over a channel of T with the given buffer.
func NewAdapter[T any](capacity int) *Adapter[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Adapter[T]{
		ch:       make(chan T, capacity),
		typeName: typeNameOf[T](),
		done:     make(chan struct{}),
	}
}

// TypeName returns the name of the bound type, e.g. "uint32".
func (a *Adapter[T]) TypeName() string { return a.typeName }

// C returns the receive side of the channel. It is closed by Close.
func (a *Adapter[T]) C() <-chan T { return a.ch }

// Send delivers v, waiting for buffer space until ctx is done.
func (a *Adapter[T]) Send(ctx context.Context, v T) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- v:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAny recovers T from v and sends it. A value of another type is rejected
// with *DowncastError and nothing is sent.
func (a *Adapter[T]) SendAny(ctx context.Context, v any) error {
	t, ok := v.(T)
	if !ok {
		return &DowncastError{Expected: a.typeName, Got: typeName(v)}
	}
	return a.Send(ctx, t)
}

// Recv waits for the next value. It returns ErrClosed once the channel is
// closed and drained.
func (a *Adapter[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v, ok := <-a.ch:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Adapter[T]) RecvAny(ctx context.Context) (any, error) {
	v, err := a.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Close closes the channel. Blocked senders return ErrClosed. Safe to call
// more than once.
func (a *Adapter[T]) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
}

func typeNameOf[T any]() string {
	return reflect.TypeFor[T]().String()
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

var _ Endpoint = (*Adapter[int])(nil)

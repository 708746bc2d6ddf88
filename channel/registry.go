package channel

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound    = errors.New("channel: endpoint not found")
	ErrInvalidName = errors.New("channel: endpoint name must not be empty")
	ErrWaitTimeout = errors.New("channel: timed out waiting for endpoint")
)

// Registry holds endpoints of heterogeneous types keyed by name.
type Registry struct {
	mu    sync.RWMutex
	store map[string]Endpoint
	cond  *sync.Cond // signalled on Set, used by GetWait
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		store: make(map[string]Endpoint),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Set registers ep under name, replacing any previous endpoint.
func (r *Registry) Set(name string, ep Endpoint) error {
	if name == "" {
		return ErrInvalidName
	}
	if ep == nil {
		return fmt.Errorf("channel: nil endpoint for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.store[name]; exists {
		log.Warn().Str("channel", name).Str("old_type", old.TypeName()).Str("new_type", ep.TypeName()).Msg("overwriting existing channel endpoint")
	}
	r.store[name] = ep
	log.Debug().Str("channel", name).Str("type", ep.TypeName()).Msg("channel endpoint registered")
	r.cond.Broadcast()
	return nil
}

// Get returns the endpoint registered under name.
func (r *Registry) Get(name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(name)
}

// GetWait is like Get but waits up to timeout for the endpoint to be set.
// A non-positive timeout behaves like Get.
func (r *Registry) GetWait(timeout time.Duration, name string) (Endpoint, error) {
	if timeout <= 0 {
		return r.Get(name)
	}

	deadline := time.Now().Add(timeout)
	// Broadcast at the deadline so the waiter below notices it.
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		ep, err := r.getLocked(name)
		if err == nil {
			return ep, nil
		}
		if !time.Now().Before(deadline) {
			log.Warn().Str("channel", name).Dur("timeout", timeout).Msg("timed out waiting for channel endpoint")
			return nil, fmt.Errorf("%w: %w", ErrWaitTimeout, err)
		}
		log.Debug().Str("channel", name).Msg("channel endpoint not found, waiting")
		r.cond.Wait()
	}
}

// Remove closes and forgets the endpoint registered under name.
// It reports whether an endpoint was found.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	ep, exists := r.store[name]
	delete(r.store, name)
	r.mu.Unlock()

	if !exists {
		return false
	}
	ep.Close()
	log.Debug().Str("channel", name).Msg("channel endpoint removed")
	return true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.store))
	for name := range r.store {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Senders returns a snapshot of every endpoint as a Sender, keyed by name.
func (r *Registry) Senders() map[string]Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Sender, len(r.store))
	for name, ep := range r.store {
		out[name] = ep
	}
	return out
}

func (r *Registry) getLocked(name string) (Endpoint, error) {
	ep, ok := r.store[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ep, nil
}

// Lookup returns the endpoint under name as an *Adapter[T].
// An endpoint bound to another type yields *DowncastError.
func Lookup[T any](r *Registry, name string) (*Adapter[T], error) {
	ep, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return downcast[T](ep)
}

// Provide returns the *Adapter[T] registered under name, creating it with the
// given capacity when missing. An existing endpoint of another type yields
// *DowncastError.
func Provide[T any](r *Registry, name string, capacity int) (*Adapter[T], error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.store[name]; ok {
		return downcast[T](ep)
	}
	a := NewAdapter[T](capacity)
	r.store[name] = a
	log.Debug().Str("channel", name).Str("type", a.TypeName()).Int("capacity", capacity).Msg("channel endpoint created")
	r.cond.Broadcast()
	return a, nil
}

func downcast[T any](ep Endpoint) (*Adapter[T], error) {
	a, ok := ep.(*Adapter[T])
	if !ok {
		return nil, &DowncastError{Expected: typeNameOf[T](), Got: ep.TypeName()}
	}
	return a, nil
}

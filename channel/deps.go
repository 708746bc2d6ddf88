package channel

import (
	"fmt"
	"maps"
)

// Declaration names a typed channel a handler depends on.
type Declaration interface {
	Name() string
	TypeName() string
	provide(r *Registry) (Endpoint, error)
}

type declaration[T any] struct {
	name     string
	capacity int
}

// Declare declares a dependency on the channel called name carrying T.
// The channel is created with capacity on first use and shared afterwards.
func Declare[T any](name string, capacity int) Declaration {
	return declaration[T]{name: name, capacity: capacity}
}

func (d declaration[T]) Name() string     { return d.name }
func (d declaration[T]) TypeName() string { return typeNameOf[T]() }

func (d declaration[T]) provide(r *Registry) (Endpoint, error) {
	return Provide[T](r, d.name, d.capacity)
}

// Deps is the set of channels resolved for one handler: a name-keyed map of
// type-erased senders and the matching typed receive ends.
type Deps struct {
	endpoints map[string]Endpoint
}

// Resolve provides every declared channel in r. Two declarations of the same
// name with different types fail with *DowncastError.
func Resolve(r *Registry, decls ...Declaration) (Deps, error) {
	deps := Deps{endpoints: make(map[string]Endpoint, len(decls))}
	for _, d := range decls {
		ep, err := d.provide(r)
		if err != nil {
			return Deps{}, fmt.Errorf("resolve channel %q: %w", d.Name(), err)
		}
		deps.endpoints[d.Name()] = ep
	}
	return deps, nil
}

// Len returns the number of resolved channels.
func (d Deps) Len() int { return len(d.endpoints) }

// Sender returns the sender for the channel called name.
func (d Deps) Sender(name string) (Sender, bool) {
	ep, ok := d.endpoints[name]
	return ep, ok
}

// Senders returns every resolved channel as a Sender, keyed by name.
func (d Deps) Senders() map[string]Sender {
	out := make(map[string]Sender, len(d.endpoints))
	for name, ep := range d.endpoints {
		out[name] = ep
	}
	return out
}

// Endpoints returns a copy of the resolved endpoints.
func (d Deps) Endpoints() map[string]Endpoint {
	return maps.Clone(d.endpoints)
}

// Receive returns the typed receive end of the channel called name.
func Receive[T any](d Deps, name string) (<-chan T, error) {
	ep, ok := d.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	a, err := downcast[T](ep)
	if err != nil {
		return nil, err
	}
	return a.C(), nil
}

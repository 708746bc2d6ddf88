package router

import (
	"sync"
	"sync/atomic"

	"github.com/toolink/spine/message"
)

// Router publishes the current routing table.
// Readers load the snapshot without locking; writers replace it atomically, so a
// reader sees either the old or the new table, never a mix.
type Router struct {
	current atomic.Pointer[Table]
	writeMu sync.Mutex // serializes Update
}

// New returns a Router serving t. A nil t serves the empty table.
func New(t *Table) *Router {
	r := &Router{}
	r.current.Store(t.orEmpty())
	return r
}

// Load returns the current snapshot.
func (r *Router) Load() *Table {
	return r.current.Load()
}

// Resolve looks id up in the current snapshot.
func (r *Router) Resolve(id message.ID) []string {
	return r.current.Load().Resolve(id)
}

// Install replaces the snapshot seen by all later Resolve calls.
func (r *Router) Install(t *Table) {
	r.writeMu.Lock()
	r.current.Store(t.orEmpty())
	r.writeMu.Unlock()
}

// Update derives a new snapshot from the current one with fn and installs it.
// Concurrent Update calls are applied one after another.
func (r *Router) Update(fn func(*Table) *Table) *Table {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := fn(r.current.Load()).orEmpty()
	r.current.Store(next)
	return next
}

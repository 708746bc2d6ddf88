// Package router holds the routing table that maps message identifiers to the
// ordered list of subscriber names, and the atomically swapped holder publishers
// read it through.
package router

import (
	"slices"

	"github.com/toolink/spine/message"
)

// Table is an immutable routing snapshot.
// Derivation methods return a new Table and leave the receiver untouched; lists
// for identifiers that did not change are shared between snapshots.
type Table struct {
	routes map[message.ID][]string
}

var emptyTable = &Table{routes: map[message.ID][]string{}}

// Empty returns the table with no routes.
func Empty() *Table {
	return emptyTable
}

// Resolve returns the subscribers for id in fan-out order.
// A missing id yields an empty slice. The slice must not be modified.
func (t *Table) Resolve(id message.ID) []string {
	if t == nil {
		return nil
	}
	return t.routes[id]
}

// Len returns the number of identifiers with at least one subscriber.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// IDs returns the routed identifiers sorted by name.
func (t *Table) IDs() []message.ID {
	if t == nil {
		return nil
	}
	ids := make([]message.ID, 0, len(t.routes))
	for id := range t.routes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b message.ID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return ids
}

// Interests returns the identifiers name is routed for, sorted by name.
func (t *Table) Interests(name string) []message.ID {
	var ids []message.ID
	for _, id := range t.IDs() {
		if slices.Contains(t.routes[id], name) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Append returns a table where name is appended to the list of every id.
// Ids that already route to name keep their position.
func (t *Table) Append(name string, ids ...message.ID) *Table {
	next := t.clone()
	changed := false
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		cur := next.routes[id]
		if slices.Contains(cur, name) {
			continue
		}
		subs := make([]string, len(cur), len(cur)+1)
		copy(subs, cur)
		next.routes[id] = append(subs, name)
		changed = true
	}
	if !changed {
		return t.orEmpty()
	}
	return next
}

// Remove returns a table without name in the lists of ids.
// With no ids, name is removed from every route.
func (t *Table) Remove(name string, ids ...message.ID) *Table {
	if len(ids) == 0 {
		ids = t.IDs()
	}
	next := t.clone()
	changed := false
	for _, id := range ids {
		cur := next.routes[id]
		i := slices.Index(cur, name)
		if i < 0 {
			continue
		}
		changed = true
		if len(cur) == 1 {
			delete(next.routes, id)
			continue
		}
		subs := make([]string, 0, len(cur)-1)
		subs = append(subs, cur[:i]...)
		next.routes[id] = append(subs, cur[i+1:]...)
	}
	if !changed {
		return t.orEmpty()
	}
	return next
}

func (t *Table) clone() *Table {
	next := &Table{routes: make(map[message.ID][]string, t.Len()+1)}
	if t != nil {
		for id, subs := range t.routes {
			next.routes[id] = subs
		}
	}
	return next
}

func (t *Table) orEmpty() *Table {
	if t == nil {
		return emptyTable
	}
	return t
}

// Builder assembles a Table from explicit routes.
type Builder struct {
	routes map[message.ID][]string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{routes: make(map[message.ID][]string)}
}

// Route appends names to the list for id, skipping duplicates.
func (b *Builder) Route(id message.ID, names ...string) *Builder {
	if id.IsZero() {
		return b
	}
	for _, name := range names {
		if !slices.Contains(b.routes[id], name) {
			b.routes[id] = append(b.routes[id], name)
		}
	}
	return b
}

// Build returns the table. The builder may keep being used afterwards.
func (b *Builder) Build() *Table {
	t := &Table{routes: make(map[message.ID][]string, len(b.routes))}
	for id, names := range b.routes {
		if len(names) > 0 {
			t.routes[id] = slices.Clone(names)
		}
	}
	return t
}

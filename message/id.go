// Package message defines the interned message identifiers and the immutable
// envelopes published on the spine.
package message

import "unique"

// ID is an interned message identifier.
// Two IDs made from the same name compare equal with ==, which is a handle
// comparison and needs no string compare. IDs are only meaningful inside the
// process that interned them.
type ID struct {
	h unique.Handle[string]
}

// Intern returns the identifier for name.
func Intern(name string) ID {
	return ID{h: unique.Make(name)}
}

// IsZero reports whether id was never interned.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.h.Value()
}

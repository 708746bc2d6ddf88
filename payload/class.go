package payload

import "strconv"

// Class identifies the storage class of a payload.
// Inline classes keep the bytes in a fixed-size array inside the Payload value;
// ClassHeap owns an exact-size buffer.
type Class uint8

const (
	classInvalid Class = iota
	Class12
	Class24
	Class48
	Class64
	Class128
	ClassHeap
)

// MaxInline is the capacity of the largest inline class.
const MaxInline = 128

var inlineCapacity = [...]int{
	Class12:  12,
	Class24:  24,
	Class48:  48,
	Class64:  64,
	Class128: 128,
}

// ClassFor returns the smallest class whose capacity is at least n bytes.
// The choice depends on n only.
func ClassFor(n int) Class {
	switch {
	case n <= 12:
		return Class12
	case n <= 24:
		return Class24
	case n <= 48:
		return Class48
	case n <= 64:
		return Class64
	case n <= MaxInline:
		return Class128
	default:
		return ClassHeap
	}
}

// Capacity returns the number of bytes an inline class can hold.
// ClassHeap has no fixed capacity and reports 0.
func (c Class) Capacity() int {
	if c >= Class12 && c <= Class128 {
		return inlineCapacity[c]
	}
	return 0
}

// Inline reports whether payloads of this class are stored without a heap buffer.
func (c Class) Inline() bool {
	return c >= Class12 && c <= Class128
}

func (c Class) String() string {
	switch {
	case c.Inline():
		return "inline" + strconv.Itoa(c.Capacity())
	case c == ClassHeap:
		return "heap"
	default:
		return "invalid"
	}
}

// Package payload provides the size-classed byte container carried by message
// envelopes, and the codec layer that fills it.
//
// Encoded values of up to MaxInline bytes are copied into a fixed inline array,
// so copying a Payload is a plain value copy. Larger values are stored in an
// exact-size heap buffer which is shared, never mutated, between copies.
package payload

// Payload is an immutable, size-classed byte container.
// The zero Payload is an empty Class12 payload.
type Payload struct {
	class  Class
	n      int
	inline [MaxInline]byte
	heap   []byte
}

// FromBytes copies b into the smallest class that fits it.
func FromBytes(b []byte) Payload {
	var p Payload
	p.n = len(b)
	p.class = ClassFor(len(b))
	if p.class == ClassHeap {
		p.heap = make([]byte, len(b))
		copy(p.heap, b)
		return p
	}
	copy(p.inline[:], b)
	return p
}

// Class returns the storage class chosen for the payload.
func (p *Payload) Class() Class {
	if p.class == classInvalid {
		return Class12
	}
	return p.class
}

// Len returns the exact serialized length, excluding inline padding.
func (p *Payload) Len() int {
	return p.n
}

// Bytes returns exactly Len() bytes of payload data.
// The slice aliases the payload's storage and must not be modified.
func (p *Payload) Bytes() []byte {
	if p.class == ClassHeap {
		return p.heap
	}
	return p.inline[:p.n:p.n]
}

// AppendTo appends the payload data to dst and returns the extended slice.
func (p *Payload) AppendTo(dst []byte) []byte {
	return append(dst, p.Bytes()...)
}

package message

import (
	"errors"

	"github.com/toolink/spine/payload"
)

// ErrZeroID is returned when an envelope is built without an identifier.
var ErrZeroID = errors.New("message: zero identifier")

// Envelope is the unit published on the spine: an identifier plus an encoded
// payload. It is immutable once built.
//
// An Envelope is passed by value. Copying it copies inline payload bytes; heap
// class payloads share their read-only buffer between copies.
type Envelope struct {
	id      ID
	payload payload.Payload
	codec   payload.Codec
}

// New encodes v with the default codec.
func New(id ID, v any) (Envelope, error) {
	return NewWithCodec(id, payload.Default, v)
}

// NewWithCodec encodes v with c. Encoding failures are returned as
// *payload.EncodingError and no envelope is produced.
func NewWithCodec(id ID, c payload.Codec, v any) (Envelope, error) {
	if id.IsZero() {
		return Envelope{}, ErrZeroID
	}
	if c == nil {
		c = payload.Default
	}
	p, err := payload.Encode(c, v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{id: id, payload: p, codec: c}, nil
}

// Raw wraps bytes that were already encoded with c.
func Raw(id ID, c payload.Codec, b []byte) (Envelope, error) {
	if id.IsZero() {
		return Envelope{}, ErrZeroID
	}
	if c == nil {
		c = payload.Default
	}
	return Envelope{id: id, payload: payload.FromBytes(b), codec: c}, nil
}

// MustNew is like New but panics on error.
// It suits identifiers and payload types fixed at build time.
func MustNew(id ID, v any) Envelope {
	env, err := New(id, v)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) ID() ID { return e.id }

// Len returns the exact encoded length.
func (e Envelope) Len() int { return e.payload.Len() }

func (e Envelope) Class() payload.Class { return e.payload.Class() }

// Bytes returns the encoded payload without padding.
// The slice must not be modified.
func (e Envelope) Bytes() []byte { return e.payload.Bytes() }

// Codec returns the codec the payload was encoded with.
func (e Envelope) Codec() payload.Codec {
	if e.codec == nil {
		return payload.Default
	}
	return e.codec
}

// Parse decodes the envelope payload into T using the envelope's codec.
func Parse[T any](e Envelope) (T, error) {
	return payload.Decode[T](e.Codec(), e.payload)
}

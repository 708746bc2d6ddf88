package payload

import (
	"fmt"
	"reflect"
	"sync"
)

const scratchSize = 2 * MaxInline

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, scratchSize)
		return &b
	},
}

// Encode serializes v with c and stores the bytes in the smallest fitting class.
// A nil codec selects Default. Codec failures are returned as *EncodingError.
func Encode(c Codec, v any) (Payload, error) {
	if c == nil {
		c = Default
	}

	bm, ok := c.(BufferMarshaler)
	if !ok {
		b, err := c.Marshal(v)
		if err != nil {
			return Payload{}, &EncodingError{Type: fmt.Sprintf("%T", v), Codec: c.Name(), Err: err}
		}
		return FromBytes(b), nil
	}

	sp := scratchPool.Get().(*[]byte)
	b, err := bm.MarshalTo(*sp, v)
	if err != nil {
		scratchPool.Put(sp)
		return Payload{}, &EncodingError{Type: fmt.Sprintf("%T", v), Codec: c.Name(), Err: err}
	}
	p := FromBytes(b)
	// A buffer the codec had to grow is left to the GC.
	if cap(b) <= scratchSize {
		*sp = b[:0]
	}
	scratchPool.Put(sp)
	return p, nil
}

// Decode deserializes exactly p.Len() bytes into a new T.
// When T is a pointer type a fresh value is allocated for it.
// Failures are returned as *DecodingError.
func Decode[T any](c Codec, p Payload) (T, error) {
	if c == nil {
		c = Default
	}
	var v T
	data := p.Bytes()

	rt := reflect.TypeFor[T]()
	if rt.Kind() == reflect.Pointer {
		ptr := reflect.New(rt.Elem())
		if err := c.Unmarshal(data, ptr.Interface()); err != nil {
			return v, &DecodingError{Type: rt.String(), Codec: c.Name(), Err: err}
		}
		return ptr.Interface().(T), nil
	}

	if err := c.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, &DecodingError{Type: rt.String(), Codec: c.Name(), Err: err}
	}
	return v, nil
}

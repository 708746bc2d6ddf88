package payload

import "fmt"

// EncodingError reports a value the codec could not serialize.
// It indicates an unsupported or malformed type, not a transient condition.
type EncodingError struct {
	Type  string
	Codec string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("payload: %s encode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError reports payload bytes that do not decode into the requested type.
type DecodingError struct {
	Type  string
	Codec string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("payload: %s decode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

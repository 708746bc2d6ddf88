package payload

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/protobuf/proto"
)

// ErrNotProtoMessage is returned by Proto when the value is not a proto.Message.
var ErrNotProtoMessage = errors.New("payload: value does not implement proto.Message")

// Codec serializes values to bytes and back.
// Implementations must be deterministic and safe for concurrent use.
type Codec interface {
	// Name identifies the codec in errors and logs.
	Name() string
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a non-nil pointer.
	Unmarshal(data []byte, v any) error
}

// BufferMarshaler is implemented by codecs that can encode into a caller
// supplied buffer. The contents of buf are discarded; its capacity may be reused.
type BufferMarshaler interface {
	MarshalTo(buf []byte, v any) ([]byte, error)
}

// Default is the codec used when none is given.
var Default Codec = MsgPack{}

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.Canonical = true
	h.ErrorIfNoField = true
	return h
}()

// MsgPack encodes values with MessagePack.
// Map keys are written in sorted order so equal values encode to equal bytes.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (m MsgPack) Marshal(v any) ([]byte, error) {
	return m.MarshalTo(nil, v)
}

func (MsgPack) MarshalTo(buf []byte, v any) ([]byte, error) {
	out := buf[:0]
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (MsgPack) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

var protoMarshal = proto.MarshalOptions{Deterministic: true}

// Proto encodes protocol buffer messages. Values must implement proto.Message.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (p Proto) Marshal(v any) ([]byte, error) {
	return p.MarshalTo(nil, v)
}

func (Proto) MarshalTo(buf []byte, v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return protoMarshal.MarshalAppend(buf[:0], m)
}

func (Proto) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return proto.Unmarshal(data, m)
}

var (
	_ BufferMarshaler = MsgPack{}
	_ BufferMarshaler = Proto{}
)

package message

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/spine/payload"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type chat struct {
	From string
	Text string
}

func TestIntern(t *testing.T) {
	a := Intern("tick")
	b := Intern("tick")
	c := Intern("tock")

	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.Equal(t, "tick", a.String())
	assert.False(t, a.IsZero())

	var zero ID
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())
}

func TestInternConcurrent(t *testing.T) {
	const workers = 16
	ids := make([]ID, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = Intern("position.update")
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnvelopeParse(t *testing.T) {
	want := chat{From: "alice", Text: "hi"}
	env, err := New(Intern("chat"), want)
	require.NoError(t, err)

	assert.Equal(t, Intern("chat"), env.ID())
	assert.Equal(t, payload.ClassFor(env.Len()), env.Class())
	assert.Len(t, env.Bytes(), env.Len())

	got, err := Parse[chat](env)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEnvelopeSizeScenario(t *testing.T) {
	id := Intern("record")

	small, err := NewWithCodec(id, payload.Proto{}, &wrapperspb.BytesValue{Value: []byte("12345678")})
	require.NoError(t, err)
	assert.Equal(t, payload.Class12, small.Class())
	assert.Equal(t, 10, small.Len())

	got, err := Parse[*wrapperspb.BytesValue](small)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), got.GetValue())

	body := bytes.Repeat([]byte("x"), 197)
	large, err := NewWithCodec(id, payload.Proto{}, &wrapperspb.BytesValue{Value: body})
	require.NoError(t, err)
	assert.Equal(t, payload.ClassHeap, large.Class())
	assert.Equal(t, 200, large.Len())

	got, err = Parse[*wrapperspb.BytesValue](large)
	require.NoError(t, err)
	assert.Equal(t, body, got.GetValue())
}

func TestEnvelopeErrors(t *testing.T) {
	_, err := New(ID{}, chat{})
	assert.ErrorIs(t, err, ErrZeroID)

	_, err = NewWithCodec(Intern("chat"), payload.Proto{}, chat{})
	var encErr *payload.EncodingError
	assert.True(t, errors.As(err, &encErr))

	env := MustNew(Intern("chat"), "not a chat")
	_, err = Parse[chat](env)
	var decErr *payload.DecodingError
	assert.True(t, errors.As(err, &decErr))
}

func TestRaw(t *testing.T) {
	encoded, err := payload.MsgPack{}.Marshal(chat{From: "bob"})
	require.NoError(t, err)

	env, err := Raw(Intern("chat"), nil, encoded)
	require.NoError(t, err)

	got, err := Parse[chat](env)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.From)
}

func TestMustNewPanics(t *testing.T) {
	assert.Panics(t, func() { MustNew(ID{}, 1) })
}

func TestEnvelopeAccessorsOnValues(t *testing.T) {
	id := Intern("chat")
	assert.Equal(t, id, MustNew(id, chat{From: "ann"}).ID())
	assert.Equal(t, payload.Class12, MustNew(id, uint8(1)).Class())

	envs := []Envelope{MustNew(id, "a"), MustNew(id, "bb")}
	assert.Equal(t, 2, envs[0].Len())
	assert.Equal(t, "msgpack", envs[1].Codec().Name())
}

package spine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/toolink/spine/channel"
	"github.com/toolink/spine/message"
)

// Handler is a subsystem attached to the spine.
// Run consumes the inbox until it is closed and then returns. It may also
// return early when ctx is cancelled during shutdown. The context carries a
// logger tagged with the subscriber name, available through zerolog.Ctx.
type Handler interface {
	Run(ctx context.Context, inbox <-chan message.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inbox <-chan message.Envelope)

func (f HandlerFunc) Run(ctx context.Context, inbox <-chan message.Envelope) {
	f(ctx, inbox)
}

// Binder is implemented by handlers that take declared channel dependencies.
// Bind is called once, before Run, with the channels named in
// WithDependencies. An error aborts the registration.
type Binder interface {
	Bind(deps channel.Deps) error
}

// Typed returns a Handler that decodes every envelope into T and calls fn.
// Envelopes that fail to decode are logged and skipped. Errors and panics from
// fn are logged and do not stop the loop.
func Typed[T any](fn func(ctx context.Context, id message.ID, v T) error) Handler {
	return HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		l := zerolog.Ctx(ctx)
		for env := range inbox {
			v, err := message.Parse[T](env)
			if err != nil {
				l.Error().Err(err).Str("message_id", env.ID().String()).Msg("failed to decode envelope, skipping")
				continue
			}
			callTyped(ctx, l, env.ID(), v, fn)
		}
	})
}

func callTyped[T any](ctx context.Context, l *zerolog.Logger, id message.ID, v T, fn func(context.Context, message.ID, T) error) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Str("message_id", id.String()).Interface("panic_value", r).Msg("panic recovered during handler execution")
		}
	}()
	if err := fn(ctx, id, v); err != nil {
		l.Error().Err(err).Str("message_id", id.String()).Msg("handler failed to process message")
	}
}

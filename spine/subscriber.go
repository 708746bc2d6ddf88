package spine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/toolink/spine/channel"
	"github.com/toolink/spine/message"
)

// subscriber is a registry entry: a handler, its inbox and the task running it.
// Entries are immutable after registration.
type subscriber struct {
	id        string
	name      string
	handler   Handler
	interests []message.ID
	inbox     *inbox
	deps      channel.Deps
	logger    zerolog.Logger
	done      chan struct{}
}

func newSubscriber(name string, h Handler, interests []message.ID, cfg InboxConfig, deps channel.Deps, base zerolog.Logger) *subscriber {
	id := uuid.NewString()
	return &subscriber{
		id:        id,
		name:      name,
		handler:   h,
		interests: append([]message.ID(nil), interests...),
		inbox:     newInbox(cfg),
		deps:      deps,
		logger:    base.With().Str("subscriber", name).Str("subscription_id", id).Logger(),
		done:      make(chan struct{}),
	}
}

// start launches the pump and the handler task, both tracked by wg.
func (s *subscriber) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.inbox.pump()
	}()
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
}

// run executes the handler until it returns. Whatever the reason, the inbox
// is closed afterwards so later publishes are dropped.
func (s *subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer s.inbox.stop()
	defer s.inbox.close()

	l := s.logger
	ctx = l.WithContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic_value", r).Msg("panic recovered in subscriber task, task stopped")
		}
	}()

	l.Debug().Msg("subscriber task started")
	s.handler.Run(ctx, s.inbox.out)
	l.Debug().Msg("subscriber task finished")
}

// registry is an immutable snapshot of subscribers keyed by name.
type registry struct {
	subs map[string]*subscriber
}

var emptyRegistry = &registry{subs: map[string]*subscriber{}}

func (r *registry) get(name string) (*subscriber, bool) {
	s, ok := r.subs[name]
	return s, ok
}

func (r *registry) with(s *subscriber) *registry {
	next := &registry{subs: make(map[string]*subscriber, len(r.subs)+1)}
	for name, sub := range r.subs {
		next.subs[name] = sub
	}
	next.subs[s.name] = s
	return next
}

func (r *registry) without(names ...string) *registry {
	next := &registry{subs: make(map[string]*subscriber, len(r.subs))}
	for name, sub := range r.subs {
		next.subs[name] = sub
	}
	for _, name := range names {
		delete(next.subs, name)
	}
	return next
}

// Subscription is the handle returned by Register.
type Subscription struct {
	sub *subscriber
}

// ID returns the unique identifier of this registration.
func (s *Subscription) ID() string { return s.sub.id }

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.sub.name }

// Interests returns the identifiers given at registration.
func (s *Subscription) Interests() []message.ID {
	return append([]message.ID(nil), s.sub.interests...)
}

// Deps returns the channels resolved for the handler.
func (s *Subscription) Deps() channel.Deps { return s.sub.deps }

// Pending returns the number of envelopes queued and not yet handed to the handler.
func (s *Subscription) Pending() int { return s.sub.inbox.pending() }

// Close closes the inbox. The handler receives what is already queued and
// then sees the inbox closed. The subscriber stays in the routing table and
// registry, and publishes to it are dropped, until Unregister or Prune.
func (s *Subscription) Close() {
	s.sub.inbox.close()
}

// Done is closed when the handler task has exited.
func (s *Subscription) Done() <-chan struct{} { return s.sub.done }

// Wait blocks until the handler task exits or ctx ends.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

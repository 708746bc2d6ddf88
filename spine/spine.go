// Package spine is an in-process publish/subscribe bus.
//
// Subscribers register a Handler under a name together with the message
// identifiers they want. Each subscriber gets its own inbox and goroutine.
// Publish resolves the envelope identifier against the current routing
// snapshot and enqueues a copy into every subscriber inbox in registration
// order. Routing table and subscriber registry are immutable snapshots swapped
// atomically, so Publish takes no locks.
package spine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/toolink/spine/channel"
	"github.com/toolink/spine/message"
	"github.com/toolink/spine/router"
)

var (
	ErrClosed            = errors.New("spine: closed")
	ErrInvalidName       = errors.New("spine: subscriber name must not be empty")
	ErrNilHandler        = errors.New("spine: handler must not be nil")
	ErrAlreadyRegistered = errors.New("spine: subscriber already registered")
	ErrNotRegistered     = errors.New("spine: subscriber not registered")
	ErrZeroID            = errors.New("spine: zero message identifier")
)

// testHookEnqueued, when set, is called after each successful enqueue.
var testHookEnqueued func(subscriber string)

// Spine owns the routing table, the subscriber registry and the subscriber tasks.
type Spine struct {
	routes   *router.Router
	registry atomic.Pointer[registry]
	writeMu  sync.Mutex // serializes registry and route writers

	opts     options
	channels *channel.Registry
	metrics  *metrics
	stats    counters

	ctx    context.Context // parent of every handler context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Spine with no subscribers.
func New(opts ...Option) *Spine {
	o := defaultOptions()
	o.apply(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Spine{
		routes:   router.New(nil),
		opts:     o,
		channels: o.channels,
		metrics:  newMetrics(o.meterProvider),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registry.Store(emptyRegistry)
	return s
}

// Channels returns the registry dependency channels are resolved in.
func (s *Spine) Channels() *channel.Registry { return s.channels }

// Register adds a subscriber called name and starts its task.
// The name is appended to the route of every id, so for a given identifier
// subscribers receive envelopes in registration order. A name whose previous
// subscription was closed may be registered again; it then moves to the end
// of each route.
func (s *Spine) Register(name string, h Handler, ids []message.ID, opts ...RegisterOption) (*Subscription, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	for _, id := range ids {
		if id.IsZero() {
			return nil, ErrZeroID
		}
	}

	ro := registerOptions{inbox: s.opts.inbox}
	for _, opt := range opts {
		opt(&ro)
	}

	s.writeMu.Lock() // serialize with other writers; Publish never takes it
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	// 1. a live subscriber keeps its name; a closed one may be replaced
	reg := s.registry.Load()
	old, replacing := reg.get(name)
	if replacing && !old.inbox.isClosed() {
		log.Error().Str("subscriber", name).Msg("attempted to register duplicate subscriber")
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	// 2. resolve dependencies and bind; nothing is changed yet on failure
	deps, err := channel.Resolve(s.channels, ro.deps...)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	if b, ok := h.(Binder); ok {
		if err := b.Bind(deps); err != nil {
			return nil, fmt.Errorf("register %s: bind dependencies: %w", name, err)
		}
	}

	base := log.Logger
	if s.opts.logger != nil {
		base = *s.opts.logger
	}
	sub := newSubscriber(name, h, ids, ro.inbox, deps, base)

	// 3. registry before routes: a route never names a subscriber the registry
	// snapshot does not have yet. A replaced entry is overwritten in place and
	// its old routes go in the same table swap that adds the new ones.
	s.registry.Store(reg.with(sub))
	if replacing {
		log.Debug().Str("subscriber", name).Str("replaced_subscription_id", old.id).Msg("replacing closed subscriber")
	}
	s.routes.Update(func(t *router.Table) *router.Table {
		if replacing {
			t = t.Remove(name)
		}
		return t.Append(name, ids...)
	})

	sub.start(s.ctx, &s.wg)

	log.Info().Str("subscriber", name).Str("subscription_id", sub.id).Int("interests", len(ids)).
		Int("inbox_capacity", ro.inbox.Capacity).Msg("subscriber registered and started")
	return &Subscription{sub: sub}, nil
}

// Publish enqueues a copy of env into the inbox of every subscriber routed for
// its identifier, in route order.
//
// A subscriber whose inbox is closed, missing from the registry, or full under
// PolicyDrop is skipped and counted as dropped; delivery to the others goes on.
// With no subscribers Publish does nothing. The only errors are ErrClosed and,
// for PolicyBlock inboxes, the context error when ctx ended while waiting for
// space; in that case every other subscriber has still been attempted.
func (s *Spine) Publish(ctx context.Context, env message.Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}

	id := env.ID()
	names := s.routes.Resolve(id) // shared slice, read only
	s.stats.published.Add(1)
	if len(names) == 0 {
		s.metrics.recordPublish(ctx, id, 0)
		return nil
	}

	// one registry snapshot for the whole fan-out
	reg := s.registry.Load()
	var waitErr error
	delivered := 0
	for _, name := range names {
		sub, ok := reg.get(name)
		if !ok {
			s.drop(ctx, id, name, reasonUnregistered)
			continue
		}
		if err := sub.inbox.push(ctx, env); err != nil {
			switch {
			case errors.Is(err, errInboxClosed):
				s.drop(ctx, id, name, reasonClosed)
			case errors.Is(err, errInboxFull):
				s.drop(ctx, id, name, reasonFull)
			default:
				// keep going; the caller learns about it once every subscriber was tried
				s.drop(ctx, id, name, reasonWait)
				waitErr = err
			}
			continue
		}
		if testHookEnqueued != nil {
			testHookEnqueued(name)
		}
		delivered++
	}

	s.stats.delivered.Add(uint64(delivered))
	s.metrics.recordPublish(ctx, id, delivered)
	return waitErr
}

// PublishValue encodes v with the default codec and publishes it.
// Encoding failures are returned as *payload.EncodingError.
func (s *Spine) PublishValue(ctx context.Context, id message.ID, v any) error {
	env, err := message.New(id, v)
	if err != nil {
		return err
	}
	return s.Publish(ctx, env)
}

func (s *Spine) drop(ctx context.Context, id message.ID, name, reason string) {
	s.stats.dropped.Add(1)
	s.metrics.recordDrop(ctx, id, name, reason)
	log.Debug().Str("message_id", id.String()).Str("subscriber", name).Str("reason", reason).Msg("dispatch dropped")
}

// Unregister removes name from every route and from the registry, then closes
// its inbox. The handler drains what was queued and exits.
func (s *Spine) Unregister(name string) error {
	s.writeMu.Lock()
	reg := s.registry.Load()
	sub, ok := reg.get(name)
	if !ok {
		s.writeMu.Unlock()
		log.Warn().Str("subscriber", name).Msg("attempted to unregister non-existent subscriber")
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	// Routes before registry, the reverse of Register.
	s.routes.Update(func(t *router.Table) *router.Table { return t.Remove(name) })
	s.registry.Store(reg.without(name))
	s.writeMu.Unlock()

	sub.inbox.close() // outside the lock: the handler still drains what is queued
	log.Info().Str("subscriber", name).Str("subscription_id", sub.id).Msg("subscriber unregistered")
	return nil
}

// Prune removes every subscriber whose inbox has been closed, either through
// Subscription.Close or because its handler returned. It returns the removed
// names in sorted order.
func (s *Spine) Prune() []string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	reg := s.registry.Load()
	var stale []string
	for name, sub := range reg.subs {
		if sub.inbox.isClosed() {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	slices.Sort(stale)

	s.routes.Update(func(t *router.Table) *router.Table {
		for _, name := range stale {
			t = t.Remove(name)
		}
		return t
	})
	s.registry.Store(reg.without(stale...))
	log.Info().Strs("subscribers", stale).Msg("pruned closed subscribers")
	return stale
}

// Route adds ids to the interests of a registered subscriber.
func (s *Spine) Route(name string, ids ...message.ID) error {
	return s.updateRoutes(name, ids, func(t *router.Table) *router.Table { return t.Append(name, ids...) })
}

// Unroute removes ids from the interests of a registered subscriber.
func (s *Spine) Unroute(name string, ids ...message.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.updateRoutes(name, ids, func(t *router.Table) *router.Table { return t.Remove(name, ids...) })
}

func (s *Spine) updateRoutes(name string, ids []message.ID, fn func(*router.Table) *router.Table) error {
	for _, id := range ids {
		if id.IsZero() {
			return ErrZeroID
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.registry.Load().get(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	s.routes.Update(fn)
	return nil
}

// Install replaces the routing table. Names in t without a registered
// subscriber are dropped at publish time.
func (s *Spine) Install(t *router.Table) {
	s.writeMu.Lock()
	s.routes.Install(t)
	s.writeMu.Unlock()
	log.Info().Int("routes", t.Len()).Msg("routing table installed")
}

// Routes returns the current routing snapshot.
func (s *Spine) Routes() *router.Table { return s.routes.Load() }

// Subscribers returns the registered names in sorted order.
func (s *Spine) Subscribers() []string {
	reg := s.registry.Load()
	names := make([]string, 0, len(reg.subs))
	for name := range reg.subs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stats returns the dispatch counters.
func (s *Spine) Stats() Stats {
	return Stats{
		Published:   s.stats.published.Load(),
		Delivered:   s.stats.delivered.Load(),
		Dropped:     s.stats.dropped.Load(),
		Subscribers: len(s.registry.Load().subs),
		Routes:      s.routes.Load().Len(),
	}
}

// Shutdown closes every inbox and waits for the handler tasks to drain and
// exit. When ctx ends first, handler contexts are cancelled and the context
// error is returned. Publish and Register fail with ErrClosed afterwards.
func (s *Spine) Shutdown(ctx context.Context) error {
	s.writeMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.writeMu.Unlock()
		return ErrClosed
	}
	reg := s.registry.Load()
	s.writeMu.Unlock()

	log.Info().Int("subscriber_count", len(reg.subs)).Msg("shutting down spine")
	// closed inboxes end every handler loop once drained
	for _, sub := range reg.subs {
		sub.inbox.close()
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		s.cancel()
		log.Info().Msg("spine shutdown complete")
		return nil
	case <-ctx.Done():
		s.cancel() // ask the stragglers to stop early
		log.Error().Err(ctx.Err()).Msg("spine shutdown timed out waiting for subscribers")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

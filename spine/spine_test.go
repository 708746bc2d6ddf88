package spine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/spine/channel"
	"github.com/toolink/spine/message"
	"github.com/toolink/spine/router"
)

var (
	tickID = message.Intern("tick")
	chatID = message.Intern("chat")
)

// collector is a handler that forwards every envelope it receives.
type collector struct {
	got chan message.Envelope
}

func newCollector() *collector {
	return &collector{got: make(chan message.Envelope, 1024)}
}

func (c *collector) Run(ctx context.Context, inbox <-chan message.Envelope) {
	for env := range inbox {
		c.got <- env
	}
}

func (c *collector) next(t *testing.T) message.Envelope {
	t.Helper()
	select {
	case env := <-c.got:
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
		return message.Envelope{}
	}
}

func (c *collector) assertNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.got:
		t.Fatalf("unexpected envelope %s", env.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

// recordEnqueues captures the order of successful enqueues for the test.
func recordEnqueues(t *testing.T) func() []string {
	var mu sync.Mutex
	var order []string
	testHookEnqueued = func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	t.Cleanup(func() { testHookEnqueued = nil })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}
}

func newTestSpine(t *testing.T, opts ...Option) *Spine {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestPublishWithoutSubscribers(t *testing.T) {
	s := newTestSpine(t)

	require.NotPanics(t, func() {
		require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))
	})

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(0), st.Delivered)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestFanOutRegistrationOrder(t *testing.T) {
	s := newTestSpine(t)
	order := recordEnqueues(t)

	subs := []*collector{newCollector(), newCollector(), newCollector()}
	for i, c := range subs {
		_, err := s.Register(fmt.Sprintf("s%d", i+1), c, []message.ID{tickID})
		require.NoError(t, err)
	}

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, uint64(1))))

	assert.Equal(t, []string{"s1", "s2", "s3"}, order())
	for _, c := range subs {
		env := c.next(t)
		assert.Equal(t, tickID, env.ID())
	}
}

func TestRendererLoggerScenario(t *testing.T) {
	s := newTestSpine(t)
	order := recordEnqueues(t)

	renderer, logger := newCollector(), newCollector()
	_, err := s.Register("renderer", renderer, []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("logger", logger, []message.ID{tickID})
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, "frame")))

	for _, c := range []*collector{renderer, logger} {
		env := c.next(t)
		v, err := message.Parse[string](env)
		require.NoError(t, err)
		assert.Equal(t, "frame", v)
		c.assertNone(t)
	}
	assert.Equal(t, []string{"renderer", "logger"}, order())
}

func TestPerSubscriberFIFO(t *testing.T) {
	s := newTestSpine(t)
	c := newCollector()
	_, err := s.Register("counter", c, []message.ID{tickID})
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, i)))
	}
	for i := 0; i < n; i++ {
		v, err := message.Parse[int](c.next(t))
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestClosedSubscriberDoesNotAffectOthers(t *testing.T) {
	s := newTestSpine(t)
	c1, c2, c3 := newCollector(), newCollector(), newCollector()

	_, err := s.Register("s1", c1, []message.ID{tickID})
	require.NoError(t, err)
	sub2, err := s.Register("s2", c2, []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("s3", c3, []message.ID{tickID})
	require.NoError(t, err)

	sub2.Close()
	require.NoError(t, sub2.Wait(context.Background()))

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))

	c1.next(t)
	c3.next(t)
	c2.assertNone(t)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, []string{"s1", "s2", "s3"}, s.Routes().Resolve(tickID), "closed subscriber stays routed until pruned")
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	s := newTestSpine(t)
	good := newCollector()

	bad, err := s.Register("bad", HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		<-inbox
		panic("boom")
	}), []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("good", good, []message.ID{tickID})
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))
	good.next(t)

	select {
	case <-bad.Done():
	case <-time.After(time.Second):
		t.Fatal("panicking task did not exit")
	}

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 2)))
	good.next(t)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestConcurrentRegistrationAndPublish(t *testing.T) {
	s := newTestSpine(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var noise sync.WaitGroup
	noise.Add(1)
	go func() {
		defer noise.Done()
		for range 5000 {
			select {
			case <-stop:
				return
			default:
			}
			assert.NoError(t, s.Publish(ctx, message.MustNew(tickID, -1)))
		}
	}()

	const n = 20
	collectors := make([]*collector, n)
	for i := 0; i < n; i++ {
		collectors[i] = newCollector()
		_, err := s.Register(fmt.Sprintf("sub-%02d", i), collectors[i], []message.ID{tickID})
		require.NoError(t, err)
		require.NoError(t, s.Publish(ctx, message.MustNew(tickID, i)))
	}
	close(stop)
	noise.Wait()

	// A subscriber registered before publish i must see i and every later marker.
	for i, c := range collectors {
		want := i
		deadline := time.After(2 * time.Second)
		for want < n {
			select {
			case env := <-c.got:
				v, err := message.Parse[int](env)
				require.NoError(t, err)
				if v < 0 {
					continue
				}
				require.Equal(t, want, v, "subscriber %d", i)
				want++
			case <-deadline:
				t.Fatalf("subscriber %d stopped at marker %d", i, want)
			}
		}
	}
	assert.Equal(t, uint64(0), s.Stats().Dropped)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestSpine(t)
	c := newCollector()

	_, err := s.Register("", c, nil)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.Register("x", nil, nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = s.Register("x", c, []message.ID{{}})
	assert.ErrorIs(t, err, ErrZeroID)

	_, err = s.Register("x", c, []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("x", newCollector(), []message.ID{tickID})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestReRegisterAfterClose(t *testing.T) {
	s := newTestSpine(t)

	first, err := s.Register("mod", newCollector(), []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("other", newCollector(), []message.ID{tickID})
	require.NoError(t, err)

	first.Close()
	require.NoError(t, first.Wait(context.Background()))

	replacement := newCollector()
	second, err := s.Register("mod", replacement, []message.ID{tickID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, []string{"other", "mod"}, s.Routes().Resolve(tickID))

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))
	replacement.next(t)
}

func TestUnregister(t *testing.T) {
	s := newTestSpine(t)
	c := newCollector()

	sub, err := s.Register("audio", c, []message.ID{tickID, chatID})
	require.NoError(t, err)

	require.NoError(t, s.Unregister("audio"))
	require.NoError(t, sub.Wait(context.Background()))

	assert.Empty(t, s.Routes().Resolve(tickID))
	assert.Empty(t, s.Routes().Resolve(chatID))
	assert.Empty(t, s.Subscribers())

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))
	assert.Equal(t, uint64(0), s.Stats().Dropped)

	assert.ErrorIs(t, s.Unregister("audio"), ErrNotRegistered)
}

func TestUnregisterDrainsQueued(t *testing.T) {
	s := newTestSpine(t)
	release := make(chan struct{})
	got := make(chan int, 8)

	sub, err := s.Register("slow", Typed(func(ctx context.Context, id message.ID, v int) error {
		<-release
		got <- v
		return nil
	}), []message.ID{tickID})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, i)))
	}
	require.NoError(t, s.Unregister("slow"))
	close(release)

	require.NoError(t, sub.Wait(context.Background()))
	assert.Len(t, got, 3)
}

func TestPrune(t *testing.T) {
	s := newTestSpine(t)

	a, err := s.Register("a", newCollector(), []message.ID{tickID})
	require.NoError(t, err)
	_, err = s.Register("b", newCollector(), []message.ID{tickID})
	require.NoError(t, err)

	assert.Empty(t, s.Prune())

	a.Close()
	assert.Equal(t, []string{"a"}, s.Prune())
	assert.Equal(t, []string{"b"}, s.Routes().Resolve(tickID))
	assert.Equal(t, []string{"b"}, s.Subscribers())
}

func TestRouteAndUnroute(t *testing.T) {
	s := newTestSpine(t)
	c := newCollector()

	_, err := s.Register("hud", c, []message.ID{tickID})
	require.NoError(t, err)

	require.NoError(t, s.Route("hud", chatID))
	require.NoError(t, s.Publish(context.Background(), message.MustNew(chatID, "hello")))
	env := c.next(t)
	assert.Equal(t, chatID, env.ID())

	require.NoError(t, s.Unroute("hud", chatID))
	require.NoError(t, s.Publish(context.Background(), message.MustNew(chatID, "again")))
	c.assertNone(t)

	assert.ErrorIs(t, s.Route("ghost", chatID), ErrNotRegistered)
	assert.ErrorIs(t, s.Route("hud", message.ID{}), ErrZeroID)
}

func TestInstall(t *testing.T) {
	s := newTestSpine(t)
	a, b := newCollector(), newCollector()

	_, err := s.Register("a", a, nil)
	require.NoError(t, err)
	_, err = s.Register("b", b, nil)
	require.NoError(t, err)

	s.Install(router.NewBuilder().Route(tickID, "b", "a", "missing").Build())
	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))

	a.next(t)
	b.next(t)
	assert.Equal(t, uint64(1), s.Stats().Dropped, "route to an unregistered name is dropped")
}

func TestBoundedInboxDrop(t *testing.T) {
	s := newTestSpine(t)
	release := make(chan struct{})

	sub, err := s.Register("busy", HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		<-release
		for range inbox {
		}
	}), []message.ID{tickID}, WithInboxConfig(InboxConfig{Capacity: 1, Policy: PolicyDrop}))
	require.NoError(t, err)
	defer close(release)

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 1)))
	// The pump takes the first envelope and waits on the handler.
	require.Eventually(t, func() bool { return sub.Pending() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 2)))
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 3)))

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestBoundedInboxBlock(t *testing.T) {
	s := newTestSpine(t, WithInbox(InboxConfig{Capacity: 1, Policy: PolicyBlock}))
	release := make(chan struct{})
	c := newCollector()

	sub, err := s.Register("busy", HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		<-release
		c.Run(ctx, inbox)
	}), []message.ID{tickID})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 1)))
	require.Eventually(t, func() bool { return sub.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 2)))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = s.Publish(short, message.MustNew(tickID, 3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	published := make(chan error, 1)
	go func() { published <- s.Publish(ctx, message.MustNew(tickID, 4)) }()
	close(release)

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked publish was not released")
	}

	var got []int
	for i := 0; i < 3; i++ {
		v, err := message.Parse[int](c.next(t))
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 4}, got)
}

type pipeline struct {
	out channel.Sender
	in  <-chan string
}

func (p *pipeline) Bind(deps channel.Deps) error {
	var ok bool
	if p.out, ok = deps.Sender("scores"); !ok {
		return errors.New("missing scores channel")
	}
	var err error
	p.in, err = channel.Receive[string](deps, "commands")
	return err
}

func (p *pipeline) Run(ctx context.Context, inbox <-chan message.Envelope) {
	for env := range inbox {
		v, err := message.Parse[int](env)
		if err != nil {
			continue
		}
		_ = p.out.SendAny(ctx, v*10)
	}
}

func TestDependencies(t *testing.T) {
	s := newTestSpine(t)
	p := &pipeline{}

	sub, err := s.Register("scorer", p, []message.ID{tickID}, WithDependencies(
		channel.Declare[int]("scores", 4),
		channel.Declare[string]("commands", 4),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Deps().Len())

	scores, err := channel.Lookup[int](s.Channels(), "scores")
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 4)))
	select {
	case v := <-scores.C():
		assert.Equal(t, 40, v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for score")
	}

	commands, err := channel.Lookup[string](s.Channels(), "commands")
	require.NoError(t, err)
	require.NoError(t, commands.SendAny(context.Background(), "pause"))
	assert.Equal(t, "pause", <-p.in)

	err = commands.SendAny(context.Background(), 12)
	var mismatch *channel.DowncastError
	assert.True(t, errors.As(err, &mismatch))
}

func TestDependencyConflictAbortsRegistration(t *testing.T) {
	s := newTestSpine(t)

	_, err := s.Register("a", newCollector(), nil, WithDependencies(channel.Declare[int]("shared", 1)))
	require.NoError(t, err)

	_, err = s.Register("b", newCollector(), nil, WithDependencies(channel.Declare[string]("shared", 1)))
	var mismatch *channel.DowncastError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, []string{"a"}, s.Subscribers())
}

func TestBindErrorAbortsRegistration(t *testing.T) {
	s := newTestSpine(t)

	_, err := s.Register("scorer", &pipeline{}, []message.ID{tickID})
	require.Error(t, err)
	assert.Empty(t, s.Subscribers())
	assert.Empty(t, s.Routes().Resolve(tickID))
}

func TestTypedSkipsUndecodable(t *testing.T) {
	s := newTestSpine(t)
	got := make(chan int, 4)

	_, err := s.Register("typed", Typed(func(ctx context.Context, id message.ID, v int) error {
		if v == 2 {
			panic("bad value")
		}
		got <- v
		return nil
	}), []message.ID{tickID})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, "not an int")))
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 2)))
	require.NoError(t, s.Publish(ctx, message.MustNew(tickID, 3)))

	select {
	case v := <-got:
		assert.Equal(t, 3, v)
	case <-time.After(time.Second):
		t.Fatal("typed handler stopped after a bad envelope")
	}
}

func TestPublishValue(t *testing.T) {
	s := newTestSpine(t)
	c := newCollector()
	_, err := s.Register("c", c, []message.ID{chatID})
	require.NoError(t, err)

	require.NoError(t, s.PublishValue(context.Background(), chatID, "hey"))
	v, err := message.Parse[string](c.next(t))
	require.NoError(t, err)
	assert.Equal(t, "hey", v)

	assert.ErrorIs(t, s.PublishValue(context.Background(), message.ID{}, "x"), message.ErrZeroID)
}

func TestShutdown(t *testing.T) {
	s := New()
	c := newCollector()
	sub, err := s.Register("c", c, []message.ID{tickID})
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	c.next(t)
	select {
	case <-sub.Done():
	default:
		t.Fatal("task still running after shutdown")
	}

	assert.ErrorIs(t, s.Publish(context.Background(), message.MustNew(tickID, 2)), ErrClosed)
	_, err = s.Register("late", newCollector(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Shutdown(ctx), ErrClosed)
}

func TestShutdownTimeout(t *testing.T) {
	s := New()
	stuck := make(chan struct{})
	defer close(stuck)

	_, err := s.Register("stuck", HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		select {
		case <-stuck:
		case <-ctx.Done():
			<-stuck
		}
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Drop")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)

	_, err = ParsePolicy("spill")
	assert.Error(t, err)
	assert.Equal(t, "drop", PolicyDrop.String())
}

func TestHandlerContextLogger(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSpine(t, WithLogger(zerolog.New(&buf)))

	logged := make(chan struct{})
	sub, err := s.Register("hud", HandlerFunc(func(ctx context.Context, inbox <-chan message.Envelope) {
		for range inbox {
			zerolog.Ctx(ctx).Info().Msg("frame drawn")
			close(logged)
		}
	}), []message.ID{tickID})
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), message.MustNew(tickID, 1)))
	select {
	case <-logged:
	case <-time.After(time.Second):
		t.Fatal("handler did not log")
	}
	require.NoError(t, s.Unregister("hud"))
	require.NoError(t, sub.Wait(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"subscriber":"hud"`)
	assert.Contains(t, out, `"subscription_id":"`+sub.ID()+`"`)
	assert.Contains(t, out, "frame drawn")
}

func TestFailedReRegisterKeepsClosedEntry(t *testing.T) {
	s := newTestSpine(t)

	first, err := s.Register("scorer", newCollector(), []message.ID{tickID})
	require.NoError(t, err)
	first.Close()
	require.NoError(t, first.Wait(context.Background()))

	// pipeline.Bind fails without its declared channels.
	_, err = s.Register("scorer", &pipeline{}, []message.ID{chatID})
	require.Error(t, err)

	assert.Equal(t, []string{"scorer"}, s.Subscribers())
	assert.Equal(t, []string{"scorer"}, s.Routes().Resolve(tickID))
	assert.Empty(t, s.Routes().Resolve(chatID))
	assert.Equal(t, []string{"scorer"}, s.Prune())
}

package spine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/toolink/spine/message"
)

const meterName = "github.com/toolink/spine"

// Drop reasons reported on the dropped counter.
const (
	reasonClosed       = "inbox_closed"
	reasonFull         = "inbox_full"
	reasonWait         = "wait_aborted"
	reasonUnregistered = "not_registered"
)

// Stats is a point-in-time view of dispatch counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
	Routes      int
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// metrics holds the OpenTelemetry instruments for dispatch.
type metrics struct {
	published metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter

	idAttrs sync.Map // message.ID -> metric.AddOption
}

func newMetrics(mp metric.MeterProvider) *metrics {
	meter := mp.Meter(meterName)
	m := &metrics{}
	m.published = int64Counter(meter, "spine.messages.published", "Envelopes passed to Publish")
	m.delivered = int64Counter(meter, "spine.messages.delivered", "Envelopes enqueued into subscriber inboxes")
	m.dropped = int64Counter(meter, "spine.messages.dropped", "Envelopes not enqueued for a resolved subscriber")
	return m
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn().Err(err).Str("instrument", name).Msg("failed to create counter, using noop")
		return noop.Int64Counter{}
	}
	return c
}

// idOption returns the cached attribute option for id.
func (m *metrics) idOption(id message.ID) metric.AddOption {
	if opt, ok := m.idAttrs.Load(id); ok {
		return opt.(metric.AddOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String("message.id", id.String())))
	actual, _ := m.idAttrs.LoadOrStore(id, opt)
	return actual.(metric.AddOption)
}

func (m *metrics) recordPublish(ctx context.Context, id message.ID, delivered int) {
	opt := m.idOption(id)
	m.published.Add(ctx, 1, opt)
	if delivered > 0 {
		m.delivered.Add(ctx, int64(delivered), opt)
	}
}

func (m *metrics) recordDrop(ctx context.Context, id message.ID, subscriber, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.id", id.String()),
		attribute.String("subscriber", subscriber),
		attribute.String("reason", reason),
	))
}

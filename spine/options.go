package spine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolink/spine/channel"
)

// Policy selects what Publish does when a bounded inbox is full.
type Policy int

const (
	// PolicyBlock makes Publish wait for space until its context ends.
	PolicyBlock Policy = iota
	// PolicyDrop discards the envelope for that subscriber and counts a drop.
	PolicyDrop
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDrop:
		return "drop"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "block" or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return 0, fmt.Errorf("spine: unknown inbox policy %q", s)
	}
}

// InboxConfig describes a subscriber inbox.
type InboxConfig struct {
	// Capacity bounds the number of queued envelopes. Zero means unbounded, in
	// which case Publish never waits.
	Capacity int
	// Policy applies when a bounded inbox is full.
	Policy Policy
}

// Bounded reports whether the inbox has a capacity limit.
func (c InboxConfig) Bounded() bool { return c.Capacity > 0 }

type options struct {
	inbox         InboxConfig
	channels      *channel.Registry
	meterProvider metric.MeterProvider
	logger        *zerolog.Logger
}

func defaultOptions() options {
	return options{}
}

// Option configures a Spine.
type Option func(*options)

// WithInbox sets the default inbox configuration for new subscribers.
func WithInbox(cfg InboxConfig) Option {
	return func(o *options) {
		if cfg.Capacity >= 0 {
			o.inbox = cfg
		}
	}
}

// WithChannels sets the registry dependency channels are resolved in.
// By default each Spine owns a fresh registry.
func WithChannels(r *channel.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.channels = r
		}
	}
}

// WithMeterProvider sets the provider for dispatch counters.
// Defaults to the global OpenTelemetry provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithLogger sets the base logger handed to handlers through their context.
// Defaults to the global zerolog logger at registration time.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

func (o *options) apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
	if o.channels == nil {
		o.channels = channel.NewRegistry()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
}

type registerOptions struct {
	inbox InboxConfig
	deps  []channel.Declaration
}

// RegisterOption configures a single registration.
type RegisterOption func(*registerOptions)

// WithInboxConfig overrides the Spine's default inbox for this subscriber.
func WithInboxConfig(cfg InboxConfig) RegisterOption {
	return func(o *registerOptions) {
		if cfg.Capacity >= 0 {
			o.inbox = cfg
		}
	}
}

// WithDependencies declares the typed channels the handler uses. They are
// resolved before the handler starts and passed to it if it implements Binder.
func WithDependencies(decls ...channel.Declaration) RegisterOption {
	return func(o *registerOptions) {
		o.deps = append(o.deps, decls...)
	}
}

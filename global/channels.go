// Package global holds process-wide defaults: a Spine, its channel registry
// and a mod manager bound to it.
package global

import (
	"sync/atomic"

	"github.com/toolink/spine/channel"
)

var globalChannels = func() *atomic.Value {
	v := &atomic.Value{}
	v.Store(channel.NewRegistry())
	return v
}()

// SetChannels sets the global channel registry.
func SetChannels(r *channel.Registry) {
	globalChannels.Store(r)
}

// GetChannels returns the global channel registry.
func GetChannels() *channel.Registry {
	return globalChannels.Load().(*channel.Registry)
}

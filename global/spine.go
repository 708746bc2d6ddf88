package global

import (
	"sync/atomic"

	"github.com/toolink/spine/spine"
)

// The default Spine resolves dependencies in the global channel registry.
var globalSpine = func() *atomic.Value {
	v := &atomic.Value{}
	v.Store(spine.New(spine.WithChannels(GetChannels())))
	return v
}()

// SetSpine sets the global Spine instance.
func SetSpine(s *spine.Spine) {
	globalSpine.Store(s)
}

// GetSpine returns the global Spine instance.
func GetSpine() *spine.Spine {
	return globalSpine.Load().(*spine.Spine)
}

package global

import (
	"sync/atomic"

	"github.com/toolink/spine/mod"
)

var globalMods = func() *atomic.Value {
	v := &atomic.Value{}
	v.Store(mod.New(GetSpine()))
	return v
}()

// SetMods sets the global mod manager. Replace it together with the Spine it
// loads into.
func SetMods(m *mod.Manager) {
	globalMods.Store(m)
}

// GetMods returns the global mod manager.
func GetMods() *mod.Manager {
	return globalMods.Load().(*mod.Manager)
}

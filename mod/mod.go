// Package mod manages the lifecycle of mods: named subsystems attached to a
// Spine as subscribers. Mods load in a configurable order, roll back on a
// failed load and can be hot-swapped under the same name.
package mod

import (
	"errors"

	"github.com/toolink/spine/message"
	"github.com/toolink/spine/spine"
)

// Mod is a subsystem hosted on the spine.
type Mod interface {
	// Name is the unique subscriber name of the mod.
	Name() string
	// Interests lists the message identifiers the mod subscribes to.
	Interests() []message.ID

	spine.Handler
}

// Optioner is implemented by mods that need per-registration options, such as
// an inbox policy or channel dependencies.
type Optioner interface {
	RegisterOptions() []spine.RegisterOption
}

var (
	ErrAlreadyRegistered = errors.New("mod name is already registered")
	ErrNotFound          = errors.New("mod not found")
	ErrNotLoaded         = errors.New("mod is not loaded")
	ErrLoadOrderMismatch = errors.New("load order list count does not match registered mods count")
	ErrLoadOrderMissing  = errors.New("mod specified in load order but not registered")
	ErrLoadOrderDupe     = errors.New("duplicate mod name found in load order")
)

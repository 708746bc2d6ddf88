package mod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/spine/spine"
)

// Manager registers mods and loads them into a Spine.
type Manager struct {
	bus *spine.Spine

	mu        sync.RWMutex
	mods      map[string]Mod
	loadOrder []string                       // shutdown runs in reverse
	loaded    map[string]*spine.Subscription // mods currently attached to the bus
}

// New creates a Manager that loads mods into bus.
func New(bus *spine.Spine) *Manager {
	return &Manager{
		bus:    bus,
		mods:   make(map[string]Mod),
		loaded: make(map[string]*spine.Subscription),
	}
}

// Register adds m to the manager and appends it to the load order.
func (m *Manager) Register(md Mod) error {
	m.mu.Lock() // acquire write lock
	defer m.mu.Unlock()

	name := md.Name()
	if _, exists := m.mods[name]; exists {
		log.Error().Str("mod", name).Msg("attempted to register duplicate mod")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.mods[name] = md
	// append to the end of the default load order
	m.loadOrder = append(m.loadOrder, name)
	log.Info().Str("mod", name).Msg("mod registered")
	return nil
}

// Unregister removes a mod that is not loaded.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mods[name]; !exists {
		log.Warn().Str("mod", name).Msg("attempted to unregister non-existent mod")
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, isLoaded := m.loaded[name]; isLoaded {
		return fmt.Errorf("unregister %s: mod is still loaded", name)
	}
	delete(m.mods, name)

	// filter in place; LoadOrder hands out copies only
	order := m.loadOrder[:0]
	for _, n := range m.loadOrder {
		if n != name {
			order = append(order, n)
		}
	}
	m.loadOrder = order
	log.Info().Str("mod", name).Msg("mod unregistered")
	return nil
}

// SetLoadOrder sets the order LoadAll attaches mods in. names must hold every
// registered mod exactly once. Routing order follows load order, so for a
// shared identifier earlier mods receive envelopes first.
func (m *Manager) SetLoadOrder(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. check if counts match
	if len(names) != len(m.mods) {
		log.Error().Int("provided_count", len(names)).Int("registered_count", len(m.mods)).
			Msg("failed to set load order: count mismatch")
		return fmt.Errorf("%w (provided: %d, registered: %d)", ErrLoadOrderMismatch, len(names), len(m.mods))
	}
	// 2. check for existence and duplicates
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := m.mods[name]; !exists {
			return fmt.Errorf("%w: %s", ErrLoadOrderMissing, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrLoadOrderDupe, name)
		}
		seen[name] = struct{}{}
	}
	// 3. validation passed, keep a copy
	m.loadOrder = append([]string(nil), names...)
	log.Info().Strs("load_order", m.loadOrder).Msg("mod load order set")
	return nil
}

// LoadOrder returns a copy of the current load order.
func (m *Manager) LoadOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// LoadAll registers every mod on the bus in load order. Mods already loaded
// are skipped. When one fails, the mods loaded by this call are detached again
// in reverse order and the load error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	// work on a copy so no lock is held while mods attach
	order := m.LoadOrder()
	var attached []string // attached by this call, for rollback

	for _, name := range order {
		m.mu.RLock()
		md, exists := m.mods[name]
		_, isLoaded := m.loaded[name]
		m.mu.RUnlock()
		if !exists || isLoaded {
			// unregistered concurrently, or loaded by an earlier call
			continue
		}

		start := time.Now()
		sub, err := m.attach(md)
		if err != nil {
			log.Error().Str("mod", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to load mod")
			m.rollback(ctx, attached) // reverse order
			return fmt.Errorf("failed to load mod %s: %w", name, err)
		}
		m.mu.Lock()
		m.loaded[name] = sub
		m.mu.Unlock()
		attached = append(attached, name)
		log.Info().Str("mod", name).Str("subscription_id", sub.ID()).Dur("duration", time.Since(start)).Msg("mod loaded")
	}
	return nil
}

func (m *Manager) attach(md Mod) (*spine.Subscription, error) {
	var opts []spine.RegisterOption
	if o, ok := md.(Optioner); ok {
		opts = o.RegisterOptions()
	}
	return m.bus.Register(md.Name(), md, md.Interests(), opts...)
}

// detach unregisters name from the bus and waits for its task to drain.
func (m *Manager) detach(ctx context.Context, name string, sub *spine.Subscription) error {
	if err := m.bus.Unregister(name); err != nil && !errors.Is(err, spine.ErrNotRegistered) {
		return err
	}
	return sub.Wait(ctx)
}

func (m *Manager) rollback(ctx context.Context, names []string) {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		m.mu.Lock()
		sub, ok := m.loaded[name]
		delete(m.loaded, name)
		m.mu.Unlock()
		if !ok {
			continue
		}
		log.Warn().Str("mod", name).Msg("executing rollback detach")
		if err := m.detach(ctx, name, sub); err != nil {
			errs = append(errs, fmt.Errorf("rollback failed for %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		log.Error().Errs("rollback_errors", errs).Msg("errors occurred during load failure rollback")
	}
}

// ShutdownAll detaches every loaded mod in reverse load order, waiting for
// each handler to drain. It keeps going after a failure and returns all errors
// joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	order := m.LoadOrder()
	var errs []error

	// iterate in reverse load order
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		// mark as unloaded up front; a failed detach is not retried
		m.mu.Lock()
		sub, ok := m.loaded[name]
		delete(m.loaded, name)
		m.mu.Unlock()
		if !ok {
			continue
		}

		start := time.Now()
		if err := m.detach(ctx, name, sub); err != nil {
			log.Error().Str("mod", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to shut down mod")
			// collect the error but keep shutting down the others
			errs = append(errs, fmt.Errorf("failed to shutdown mod %s: %w", name, err))
			continue
		}
		log.Info().Str("mod", name).Dur("duration", time.Since(start)).Msg("mod shut down")
	}

	if len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Msg("mod shutdown completed with errors")
		return errors.Join(errs...)
	}
	return nil
}

// Swap replaces the loaded mod of the same name with next. The old handler is
// detached and drained before next is attached; envelopes published in between
// are not delivered to either. If next fails to attach, the old mod is not
// restored and the error is returned.
func (m *Manager) Swap(ctx context.Context, next Mod) error {
	name := next.Name()

	m.mu.RLock()
	_, exists := m.mods[name]
	sub, isLoaded := m.loaded[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !isLoaded {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	// the old handler drains fully before the new one sees anything
	if err := m.detach(ctx, name, sub); err != nil {
		return fmt.Errorf("swap %s: detach: %w", name, err)
	}
	m.mu.Lock()
	delete(m.loaded, name)
	m.mods[name] = next
	m.mu.Unlock()

	nsub, err := m.attach(next)
	if err != nil {
		log.Error().Str("mod", name).Err(err).Msg("failed to attach swapped mod")
		return fmt.Errorf("swap %s: attach: %w", name, err)
	}
	m.mu.Lock()
	m.loaded[name] = nsub
	m.mu.Unlock()
	log.Info().Str("mod", name).Str("subscription_id", nsub.ID()).Msg("mod swapped")
	return nil
}

// Get returns the registered mod called name.
func (m *Manager) Get(name string) (Mod, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.mods[name]
	return md, ok
}

// Subscription returns the live subscription of a loaded mod.
func (m *Manager) Subscription(name string) (*spine.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.loaded[name]
	return sub, ok
}

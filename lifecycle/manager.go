package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager owns an ordered set of components.
// StartAll runs them in order and StopAll in reverse; only started components are stopped.
type Manager struct {
	mu         sync.RWMutex
	components map[string]Component
	order      []string
	started    map[string]bool
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		components: make(map[string]Component),
		started:    make(map[string]bool),
	}
}

// Register appends c to the start order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if _, exists := m.components[name]; exists {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.components[name] = c
	m.order = append(m.order, name)
	log.Debug().Str("component", name).Msg("component registered")
	return nil
}

// StartAll starts every component in order. When one fails, the components
// started by this call are stopped in reverse order and the failure is returned.
func (m *Manager) StartAll() error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	components := make([]Component, len(order))
	for i, name := range order {
		components[i] = m.components[name]
	}
	m.mu.RUnlock()

	var startedNow []string
	for i, name := range order {
		c := components[i]
		begin := time.Now()
		if err := c.Start(); err != nil {
			log.Error().Err(err).Str("component", name).Dur("duration", time.Since(begin)).Msg("failed to start component")
			m.rollback(startedNow)
			return fmt.Errorf("failed to start component %s: %w", name, err)
		}

		m.mu.Lock()
		m.started[name] = true
		m.mu.Unlock()
		startedNow = append(startedNow, name)
		log.Info().Str("component", name).Dur("duration", time.Since(begin)).Msg("component started")
	}
	return nil
}

// StopAll stops every started component in reverse order, continuing past
// failures. All stop errors are returned joined.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopOne(order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info().Msg("all components stopped")
	return nil
}

func (m *Manager) rollback(names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.stopOne(names[i]); err != nil {
			log.Error().Err(err).Msg("rollback stop failed")
		} else {
			log.Warn().Str("component", names[i]).Msg("component stopped during rollback")
		}
	}
}

// stopOne stops name if it was started and clears its started flag either way.
func (m *Manager) stopOne(name string) error {
	m.mu.Lock()
	c, exists := m.components[name]
	wasStarted := m.started[name]
	delete(m.started, name)
	m.mu.Unlock()

	if !exists || !wasStarted {
		return nil
	}

	begin := time.Now()
	if err := c.Stop(); err != nil {
		log.Error().Err(err).Str("component", name).Dur("duration", time.Since(begin)).Msg("failed to stop component")
		return fmt.Errorf("failed to stop component %s: %w", name, err)
	}
	log.Info().Str("component", name).Dur("duration", time.Since(begin)).Msg("component stopped")
	return nil
}

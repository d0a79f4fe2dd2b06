// Package lifecycle starts and stops the background parts of the limiter,
// such as the memory store sweeper and the redis connection, in a fixed order.
package lifecycle

import "errors"

// Component is anything with background work to run between Start and Stop.
// *limiter.MemoryStore and *limiter.RedisStore implement it.
type Component interface {
	// Name must be unique within a Manager.
	Name() string
	// Start begins background work. It must not block.
	Start() error
	// Stop ends background work and releases resources.
	Stop() error
}

// ErrAlreadyRegistered is returned when a component name is registered twice.
var ErrAlreadyRegistered = errors.New("component name is already registered")

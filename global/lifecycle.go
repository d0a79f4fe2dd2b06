package global

import (
	"sync/atomic"

	"github.com/iradwatkins/stepperslife-events-sub003/lifecycle"
)

func defaultLifecycle() *atomic.Value {
	v := &atomic.Value{}
	v.Store(lifecycle.New())
	return v
}

var globalLifecycle = defaultLifecycle()

// SetLifecycle sets the process lifecycle manager.
func SetLifecycle(m *lifecycle.Manager) {
	if m == nil {
		return
	}
	globalLifecycle.Store(m)
}

// GetLifecycle returns the process lifecycle manager.
func GetLifecycle() *lifecycle.Manager {
	return globalLifecycle.Load().(*lifecycle.Manager)
}

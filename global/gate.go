// Package global holds process-wide defaults for code that cannot be handed
// its dependencies explicitly.
package global

import (
	"sync/atomic"

	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

func defaultGate() *atomic.Value {
	v := &atomic.Value{}
	v.Store(limiter.NewLocalGate())
	return v
}

var globalGate = defaultGate()

// SetGate replaces the process default gate. A nil gate is ignored.
func SetGate(g *limiter.Gate) {
	if g == nil {
		return
	}
	globalGate.Store(g)
}

// GetGate returns the process default gate. Until SetGate is called it is a
// local-only gate with its own memory store.
func GetGate() *limiter.Gate {
	return globalGate.Load().(*limiter.Gate)
}

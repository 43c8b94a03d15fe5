package remote

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CapabilityCache remembers whether optional remote capabilities exist.
//
// A probe runs at most once per capability per process: concurrent first
// callers share one in-flight probe, and a definitive answer (present, or
// ErrFunctionMissing) sticks for the process lifetime. A transient probe
// failure is not cached, so the capability is re-probed on the next call
// rather than being permanently marked absent by a network blip.
type CapabilityCache struct {
	group singleflight.Group

	mu    sync.Mutex
	known map[string]bool
}

// NewCapabilityCache creates an empty capability cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{known: make(map[string]bool)}
}

// Available reports whether the named capability exists, probing on first
// use. probe should exercise the capability and return ErrFunctionMissing
// when the backend reports it undeployed.
func (c *CapabilityCache) Available(ctx context.Context, name string, probe func(ctx context.Context) error) bool {
	c.mu.Lock()
	if v, ok := c.known[name]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	result, _, _ := c.group.Do(name, func() (interface{}, error) {
		err := probe(ctx)
		switch {
		case err == nil:
			c.remember(name, true)
			return true, nil
		case errors.Is(err, ErrFunctionMissing):
			c.remember(name, false)
			return false, nil
		default:
			// Transient failure: unavailable now, but not definitively absent.
			return false, nil
		}
	})
	v, _ := result.(bool)
	return v
}

// Set records a capability result directly, bypassing the probe.
func (c *CapabilityCache) Set(name string, available bool) {
	c.remember(name, available)
}

func (c *CapabilityCache) remember(name string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[name] = available
}

package executor

import (
	"sync"
	"time"
)

// cooldown suppresses repeat executions of the same opportunity within
// a time window. The same condition+strategy pair showing up on
// consecutive scan passes is one opportunity, not several; executing
// it twice would double-commit capital. Safe for concurrent use.
type cooldown struct {
	seen   map[string]time.Time // condition/strategy -> last execution
	window time.Duration
	mu     sync.Mutex
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// blocked reports whether key executed within the window. A key that is
// not blocked is recorded as executing now.
func (c *cooldown) blocked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if last, ok := c.seen[key]; ok {
		if now.Sub(last) < c.window {
			return true
		}
	}

	c.seen[key] = now
	return false
}

// prune drops entries older than the window to bound memory.
func (c *cooldown) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, ts := range c.seen {
		if now.Sub(ts) >= c.window {
			delete(c.seen, key)
		}
	}
}

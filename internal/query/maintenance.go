package query

import (
	"time"

	"github.com/apex/log"
)

// sweepLoop evicts expired entries on a ticker until Close.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes every unobserved entry whose retention has elapsed and
// returns how many were removed. Observed entries and entries with a fetch
// in flight are kept. Eviction is final: the next subscriber starts over.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for hash, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, hash)
			n++
		}
	}
	if n > 0 {
		log.WithField("entries", n).Debug("query: swept")
	}
	return n
}

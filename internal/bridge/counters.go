package bridge

import "sync"

// Counters accumulates lifetime poll loop totals. Safe for concurrent
// use so health probes and tests can read while the loop runs.
type Counters struct {
	mu        sync.Mutex
	cycles    int64
	published int64
	failed    int64
}

// RecordCycle adds one completed cycle's publish outcomes.
func (c *Counters) RecordCycle(published, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cycles++
	c.published += published
	c.failed += failed
}

// Snapshot returns the accumulated totals: cycles run, events
// published, and publish failures.
func (c *Counters) Snapshot() (cycles, published, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles, c.published, c.failed
}

package sim

import "sync"

// Counter accumulates per-kind flow totals across workers.
type Counter struct {
	mu     sync.Mutex
	flows  int
	byKind map[string]int
}

func NewCounter() *Counter {
	return &Counter{byKind: make(map[string]int)}
}

func (c *Counter) Add(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows++
	c.byKind[kind]++
}

// Snapshot returns the running total and a copy of the per-kind map.
func (c *Counter) Snapshot() (int, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.byKind))
	for k, v := range c.byKind {
		out[k] = v
	}
	return c.flows, out
}

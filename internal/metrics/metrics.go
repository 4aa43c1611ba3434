// Package metrics counts batch outcomes for the end-of-run summary.
package metrics

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Collector accumulates named counters.
type Collector struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCollector() *Collector {
	return &Collector{counts: map[string]int64{}}
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add increments a counter by delta.
func (c *Collector) Add(name string, delta int64) {
	c.mu.Lock()
	c.counts[name] += delta
	c.mu.Unlock()
}

// Get returns a single counter's value.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// LogSummary emits all counters in stable order.
func (c *Collector) LogSummary() {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	ev := log.Info()
	for _, name := range names {
		ev = ev.Int64(name, snap[name])
	}
	ev.Msg("batch summary")
}

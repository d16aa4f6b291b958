package batch

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/metrics"
)

// Counters are named (group, name) tallies collected during a job.
type Counters struct {
	mu sync.Mutex
	m  map[string]map[string]int64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{m: make(map[string]map[string]int64)}
}

// Inc adds one to group/name.
func (c *Counters) Inc(group, name string) { c.Add(group, name, 1) }

// Add adds delta to group/name. A nil receiver discards the update.
func (c *Counters) Add(group, name string, delta int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.m[group]
	if !ok {
		g = make(map[string]int64)
		c.m[group] = g
	}
	g[name] += delta
}

// Get returns the current value of group/name.
func (c *Counters) Get(group, name string) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[group][name]
}

// Snapshot returns a copy of every counter.
func (c *Counters) Snapshot() map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	if c == nil {
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for g, names := range c.m {
		cp := make(map[string]int64, len(names))
		for n, v := range names {
			cp[n] = v
		}
		out[g] = cp
	}
	return out
}

// String renders "group/name=value" pairs in sorted order.
func (c *Counters) String() string {
	snap := c.Snapshot()
	var parts []string
	for g, names := range snap {
		for n, v := range names {
			parts = append(parts, fmt.Sprintf("%s/%s=%d", g, n, v))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// Publish mirrors the counters into Prometheus under job.
func (c *Counters) Publish(job string) {
	for g, names := range c.Snapshot() {
		for n, v := range names {
			metrics.AddJobCounter(job, g, n, v)
		}
	}
}

// Log writes one line per counter group.
func (c *Counters) Log(logger *logrus.Entry) {
	snap := c.Snapshot()
	groups := make([]string, 0, len(snap))
	for g := range snap {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fields := logrus.Fields{}
		for n, v := range snap[g] {
			fields[n] = v
		}
		logger.WithFields(fields).Info(g)
	}
}

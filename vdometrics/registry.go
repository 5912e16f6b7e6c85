// Package vdometrics is a minimal get-or-create metrics registry, grounded
// on the teacher's pkg/metrics/registry.go. Counters and gauges are created
// lazily on first access so callers never need a nil check; a package-level
// DefaultRegistry mirrors pkg/metrics/standard.go's pre-declared globals.
package vdometrics

import "sync"

// Counter is a monotonically increasing 64-bit value.
type Counter struct {
	mu    sync.Mutex
	name  string
	value int64
}

// NewCounter creates a named Counter starting at zero.
func NewCounter(name string) *Counter { return &Counter{name: name} }

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.Add(1) }

// Add increments the counter by delta (delta may be negative, though no
// counter in this module uses that).
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Name returns the counter's registered name.
func (c *Counter) Name() string { return c.name }

// Gauge is an arbitrarily-adjustable 64-bit value.
type Gauge struct {
	mu    sync.Mutex
	name  string
	value int64
}

// NewGauge creates a named Gauge starting at zero.
func NewGauge(name string) *Gauge { return &Gauge{name: name} }

// Set assigns the gauge's value.
func (g *Gauge) Set(v int64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Add adjusts the gauge's value by delta.
func (g *Gauge) Add(delta int64) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Name returns the gauge's registered name.
func (g *Gauge) Name() string { return g.name }

// Registry holds all registered metrics, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// DefaultRegistry is the process-wide registry used by this module's
// pre-declared metrics in standard.go.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
	}
}

// Counter returns the Counter registered under name, creating it on first
// access.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = NewCounter(name)
	r.counters[name] = c
	return c
}

// Gauge returns the Gauge registered under name, creating it on first
// access.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = NewGauge(name)
	r.gauges[name] = g
	return g
}

// Snapshot returns the current value of every registered counter and
// gauge, keyed by name.
func (r *Registry) Snapshot() (counters map[string]int64, gauges map[string]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters = make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Value()
	}
	gauges = make(map[string]int64, len(r.gauges))
	for name, g := range r.gauges {
		gauges[name] = g.Value()
	}
	return counters, gauges
}

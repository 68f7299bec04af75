// Package metrics provides the small set of ambient scalar metrics this
// core reaches for directly -- a counter, a gauge, a histogram, and a
// timing helper -- plus a Registry that hands them out by name and a
// Prometheus text-exposition endpoint to scrape them from. Labelled,
// multi-dimensional counters live in beaconmetrics instead; this package
// is for the simple "one number per name" case every component wants.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter only ever moves up. Safe for concurrent use.
type Counter struct {
	name string
	n    atomic.Int64
}

// NewCounter returns a zeroed Counter called name.
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Inc adds one.
func (c *Counter) Inc() { c.n.Add(1) }

// Add adds delta. Negative deltas are dropped rather than letting a
// counter run backwards.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.n.Add(delta)
	}
}

// Value is the current total.
func (c *Counter) Value() int64 { return c.n.Load() }

// Name is the metric's registered name.
func (c *Counter) Name() string { return c.name }

// Gauge holds a single value that can move in either direction. Safe for
// concurrent use.
type Gauge struct {
	name string
	v    atomic.Int64
}

// NewGauge returns a zeroed Gauge called name.
func NewGauge(name string) *Gauge {
	return &Gauge{name: name}
}

// Set overwrites the gauge's value.
func (g *Gauge) Set(v int64) { g.v.Store(v) }

// Inc bumps the gauge up by one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec drops the gauge down by one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value is the gauge's current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

// Name is the metric's registered name.
func (g *Gauge) Name() string { return g.name }

// Histogram accumulates count/sum/min/max for a stream of observations.
// This intentionally skips bucketed quantiles -- callers needing those
// should scrape beaconmetrics' Prometheus-native counters instead; this
// type only needs to answer "how many, how much, how big" cheaply.
type Histogram struct {
	name string

	mu       sync.Mutex
	n        int64
	total    float64
	smallest float64
	largest  float64
}

// NewHistogram returns an empty Histogram called name.
func NewHistogram(name string) *Histogram {
	return &Histogram{
		name:     name,
		smallest: math.MaxFloat64,
		largest:  -math.MaxFloat64,
	}
}

// Observe folds v into the running count/sum/min/max.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.n++
	h.total += v
	if v < h.smallest {
		h.smallest = v
	}
	if v > h.largest {
		h.largest = v
	}
	h.mu.Unlock()
}

// Count is the number of observations folded in so far.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Sum is the running total of every observed value.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Min is the smallest value observed, or 0 before any observation.
func (h *Histogram) Min() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.smallest
}

// Max is the largest value observed, or 0 before any observation.
func (h *Histogram) Max() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.largest
}

// Mean is the arithmetic mean of every observation, or 0 before any
// observation.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.total / float64(h.n)
}

// Name is the metric's registered name.
func (h *Histogram) Name() string { return h.name }

// Timer measures elapsed wall time and folds it, in milliseconds, into a
// Histogram when stopped. Typical use is `defer metrics.NewTimer(h).Stop()`
// around the operation being timed.
type Timer struct {
	began time.Time
	into  *Histogram
}

// NewTimer starts a timer that will record into into once stopped. into
// may be nil, in which case Stop just returns the elapsed duration.
func NewTimer(into *Histogram) *Timer {
	return &Timer{began: time.Now(), into: into}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.began)
	if t.into != nil {
		t.into.Observe(float64(elapsed.Milliseconds()))
	}
	return elapsed
}

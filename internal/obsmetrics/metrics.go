// Package obsmetrics provides operational metrics for the manager daemon:
// publish cycles, health probes, and control-channel liveness.
package obsmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects the manager's operational counters, gauges and histograms.
type Metrics struct {
	PublishAttempts     *Counter
	PublishSuccesses    *Counter
	ReplicaPostFailures *Counter
	PublishLatency      *Histogram

	ProbeAttempts *Counter
	ProbeFailures *Counter

	InstancesHealthy *Gauge
	InstancesTotal   *Gauge
	ControlChannelUp *Gauge

	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a fresh Metrics instance with its start time set to now.
func New() *Metrics {
	return &Metrics{
		PublishAttempts:     NewCounter(),
		PublishSuccesses:    NewCounter(),
		ReplicaPostFailures: NewCounter(),
		PublishLatency:      NewHistogram(),

		ProbeAttempts: NewCounter(),
		ProbeFailures: NewCounter(),

		InstancesHealthy: NewGauge(),
		InstancesTotal:   NewGauge(),
		ControlChannelUp: NewGauge(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

// RecordPublish records a completed publish attempt.
func (m *Metrics) RecordPublish(success bool, replicaFailures int64, duration time.Duration) {
	m.PublishAttempts.Inc()
	if success {
		m.PublishSuccesses.Inc()
	}
	m.ReplicaPostFailures.Add(replicaFailures)
	m.PublishLatency.Observe(duration)
}

// RecordProbe records a completed health probe.
func (m *Metrics) RecordProbe(success bool) {
	m.ProbeAttempts.Inc()
	if !success {
		m.ProbeFailures.Inc()
	}
}

// UpdateUptime recomputes the uptime gauge from the recorded start time.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	PublishAttempts     int64
	PublishSuccesses    int64
	ReplicaPostFailures int64
	PublishLatencyAvg   time.Duration
	PublishLatencyP95   time.Duration

	ProbeAttempts int64
	ProbeFailures int64

	InstancesHealthy int64
	InstancesTotal   int64
	ControlChannelUp int64

	UptimeSeconds int64
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		PublishAttempts:     m.PublishAttempts.Value(),
		PublishSuccesses:    m.PublishSuccesses.Value(),
		ReplicaPostFailures: m.ReplicaPostFailures.Value(),
		PublishLatencyAvg:   m.PublishLatency.Mean(),
		PublishLatencyP95:   m.PublishLatency.Percentile(0.95),

		ProbeAttempts: m.ProbeAttempts.Value(),
		ProbeFailures: m.ProbeFailures.Value(),

		InstancesHealthy: m.InstancesHealthy.Value(),
		InstancesTotal:   m.InstancesTotal.Value(),
		ControlChannelUp: m.ControlChannelUp.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Inc()              { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)       { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64      { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up or down.
type Gauge struct {
	value int64
}

func NewGauge() *Gauge { return &Gauge{} }

func (g *Gauge) Set(value int64) { atomic.StoreInt64(&g.value, value) }
func (g *Gauge) Inc()            { atomic.AddInt64(&g.value, 1) }
func (g *Gauge) Dec()            { atomic.AddInt64(&g.value, -1) }
func (g *Gauge) Value() int64    { return atomic.LoadInt64(&g.value) }

// Histogram tracks a bounded distribution of durations.
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

func NewHistogram() *Histogram {
	return &Histogram{observations: make([]time.Duration, 0, 1000)}
}

// Observe records a new observation, retaining at most the last 1000.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all retained observations.
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0) of retained observations.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.observations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of retained observations.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}

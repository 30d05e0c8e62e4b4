package obsmetrics

import (
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewCounter()
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("Counter.Value() = %d, want 5", c.Value())
	}

	g := NewGauge()
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("Gauge.Value() = %d, want 9", g.Value())
	}
}

func TestHistogramMeanAndPercentile(t *testing.T) {
	h := NewHistogram()
	for _, ms := range []int{10, 20, 30, 40, 50} {
		h.Observe(time.Duration(ms) * time.Millisecond)
	}
	if got := h.Mean(); got != 30*time.Millisecond {
		t.Errorf("Mean() = %v, want 30ms", got)
	}
	if got := h.Percentile(1.0); got != 50*time.Millisecond {
		t.Errorf("Percentile(1.0) = %v, want 50ms", got)
	}
	if h.Count() != 5 {
		t.Errorf("Count() = %d, want 5", h.Count())
	}
}

func TestHistogramBoundedWindow(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 1500; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}
	if h.Count() != 1000 {
		t.Errorf("Count() = %d, want bounded to 1000", h.Count())
	}
}

func TestRecordPublishAndSnapshot(t *testing.T) {
	m := New()
	m.RecordPublish(true, 1, 5*time.Millisecond)
	m.RecordPublish(false, 2, 10*time.Millisecond)
	m.RecordProbe(true)
	m.RecordProbe(false)
	m.InstancesHealthy.Set(3)
	m.InstancesTotal.Set(4)
	m.ControlChannelUp.Set(1)

	snap := m.Snapshot()
	if snap.PublishAttempts != 2 || snap.PublishSuccesses != 1 {
		t.Errorf("unexpected publish counters: %+v", snap)
	}
	if snap.ReplicaPostFailures != 3 {
		t.Errorf("ReplicaPostFailures = %d, want 3", snap.ReplicaPostFailures)
	}
	if snap.ProbeAttempts != 2 || snap.ProbeFailures != 1 {
		t.Errorf("unexpected probe counters: %+v", snap)
	}
	if snap.InstancesHealthy != 3 || snap.InstancesTotal != 4 {
		t.Errorf("unexpected instance gauges: %+v", snap)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds should be non-negative")
	}
}

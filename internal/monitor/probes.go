package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// ProbeFunc performs one health check. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Probe is a named, independently enabled check with its own timeout.
// Critical probes drag the aggregate status to unhealthy when they fail.
type Probe struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	fn       ProbeFunc

	mu      sync.Mutex
	enabled bool
}

func NewProbe(name string, critical bool, timeout time.Duration, fn ProbeFunc) *Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{Name: name, Critical: critical, Timeout: timeout, fn: fn, enabled: true}
}

func (p *Probe) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Probe) SetEnabled(on bool) {
	p.mu.Lock()
	p.enabled = on
	p.mu.Unlock()
}

// ProbeResult is the outcome of one probe run.
type ProbeResult struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Critical  bool          `json:"critical"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// run executes the probe under its timeout. A timeout counts as a failure,
// not a special case.
func (p *Probe) run(ctx context.Context) ProbeResult {
	res := ProbeResult{Name: p.Name, Critical: p.Critical, CheckedAt: time.Now()}
	if !p.Enabled() {
		res.Skipped = true
		res.Healthy = true
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		errCh <- p.fn(ctx)
	}()

	select {
	case err := <-errCh:
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Healthy = true
		return res
	case <-ctx.Done():
		res.Duration = time.Since(start)
		res.Error = fmt.Sprintf("probe timed out after %s", p.Timeout)
		return res
	}
}

// Thresholds are the tunable ceilings behind the built-in probes. They are
// swappable at runtime for config hot reload.
type Thresholds struct {
	// BacklogRatio fails the backlog probe when queue depth exceeds this
	// share of capacity.
	BacklogRatio float64
	// ConnectionRatio fails the capacity probe when live connections exceed
	// this share of the global limit.
	ConnectionRatio float64
	// MemoryCeilingBytes fails the memory probe above this heap size.
	MemoryCeilingBytes uint64
	// GoroutineCeiling fails the runtime probe above this goroutine count.
	GoroutineCeiling int
	// MinEventsPerSecond fails the throughput probe below this rate once the
	// system has seen any traffic.
	MinEventsPerSecond float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.BacklogRatio <= 0 {
		t.BacklogRatio = 0.8
	}
	if t.ConnectionRatio <= 0 {
		t.ConnectionRatio = 0.9
	}
	if t.MemoryCeilingBytes == 0 {
		t.MemoryCeilingBytes = 1 << 30
	}
	if t.GoroutineCeiling <= 0 {
		t.GoroutineCeiling = 10000
	}
	return t
}

// registerBuiltinProbes wires the standard checks against the delivery
// components. Thresholds are read through the monitor so hot reload applies.
func (m *Monitor) registerBuiltinProbes() {
	m.RegisterProbe(NewProbe("broadcaster_backlog", true, 2*time.Second, func(context.Context) error {
		th := m.thresholds()
		depth, capacity := m.broadcaster.Backlog(), m.broadcaster.QueueCapacity()
		if float64(depth) > th.BacklogRatio*float64(capacity) {
			return fmt.Errorf("queue depth %d exceeds %.0f%% of capacity %d", depth, th.BacklogRatio*100, capacity)
		}
		return nil
	}))

	m.RegisterProbe(NewProbe("connection_capacity", false, 2*time.Second, func(context.Context) error {
		th := m.thresholds()
		count, limit := m.registry.Count(), m.registry.GlobalLimit()
		if float64(count) > th.ConnectionRatio*float64(limit) {
			return fmt.Errorf("%d connections exceed %.0f%% of limit %d", count, th.ConnectionRatio*100, limit)
		}
		return nil
	}))

	m.RegisterProbe(NewProbe("memory_ceiling", true, 2*time.Second, func(context.Context) error {
		th := m.thresholds()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > th.MemoryCeilingBytes {
			return fmt.Errorf("heap %d bytes exceeds ceiling %d", ms.HeapAlloc, th.MemoryCeilingBytes)
		}
		return nil
	}))

	m.RegisterProbe(NewProbe("runtime_load", false, 2*time.Second, func(context.Context) error {
		th := m.thresholds()
		if n := runtime.NumGoroutine(); n > th.GoroutineCeiling {
			return fmt.Errorf("%d goroutines exceed ceiling %d", n, th.GoroutineCeiling)
		}
		return nil
	}))

	m.RegisterProbe(NewProbe("min_throughput", false, 2*time.Second, func(context.Context) error {
		th := m.thresholds()
		if th.MinEventsPerSecond <= 0 {
			return nil
		}
		rate, seenTraffic := m.currentRate()
		if seenTraffic && rate < th.MinEventsPerSecond {
			return fmt.Errorf("throughput %.2f events/s below minimum %.2f", rate, th.MinEventsPerSecond)
		}
		return nil
	}))
}

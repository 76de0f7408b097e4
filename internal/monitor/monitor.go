package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
)

var ErrAlertNotFound = errors.New("alert not found")

// Status is the aggregate health of the delivery subsystem. It is recomputed
// fresh every cycle; there is no hysteresis.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is one point-in-time metrics sample.
type Snapshot struct {
	At                time.Time        `json:"at"`
	ActiveConnections int              `json:"active_connections"`
	Subscriptions     int              `json:"subscriptions"`
	QueueDepth        int              `json:"queue_depth"`
	EventsPerSecond   float64          `json:"events_per_second"`
	HeapBytes         uint64           `json:"heap_bytes"`
	Goroutines        int              `json:"goroutines"`
	Counters          map[string]int64 `json:"counters"`
}

// Overview is the operational rollup served to operators.
type Overview struct {
	Status        Status        `json:"status"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Metrics       *Snapshot     `json:"metrics,omitempty"`
	ActiveAlerts  []*Alert      `json:"active_alerts"`
	ProbeResults  []ProbeResult `json:"probe_results"`
}

// Config tunes the monitor loop.
type Config struct {
	SampleInterval time.Duration
	HistorySize    int
	Thresholds     Thresholds
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// Monitor samples metrics into a bounded ring, runs the health probes and
// records threshold breaches as alerts.
type Monitor struct {
	logger      *slog.Logger
	mreg        *metrics.Registry
	broadcaster *broadcast.Broadcaster
	registry    *registry.Registry
	cfg         Config

	mu        sync.Mutex
	th        Thresholds
	probes    []*Probe
	history   []*Snapshot
	alerts    map[string]*Alert
	callbacks []AlertCallback
	lastTotal int64
	lastAt    time.Time
	rate      float64
	sawEvents bool

	startedAt time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	started   bool
	closed    bool
}

func New(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, reg *registry.Registry, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		logger:      logger,
		mreg:        mreg,
		broadcaster: b,
		registry:    reg,
		cfg:         cfg,
		th:          cfg.Thresholds,
		alerts:      make(map[string]*Alert),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
	m.registerBuiltinProbes()
	return m
}

func (m *Monitor) thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.th
}

// SetThresholds swaps the probe ceilings, typically on config hot reload.
func (m *Monitor) SetThresholds(th Thresholds) {
	m.mu.Lock()
	m.th = th.withDefaults()
	m.mu.Unlock()
	m.logger.Info("health thresholds updated")
}

// RegisterProbe adds a named check. A probe with a duplicate name replaces
// the existing one.
func (m *Monitor) RegisterProbe(p *Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.probes {
		if existing.Name == p.Name {
			m.probes[i] = p
			return
		}
	}
	m.probes = append(m.probes, p)
}

// SetProbeEnabled toggles one probe by name.
func (m *Monitor) SetProbeEnabled(name string, on bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.probes {
		if p.Name == name {
			p.SetEnabled(on)
			return true
		}
	}
	return false
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.startedAt = time.Now()
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Cycle(context.Background())
		}
	}
}

// Cycle takes one sample and runs one probe pass, alerting on every failing
// probe. Exposed so tests and the ops API can force a fresh evaluation.
func (m *Monitor) Cycle(ctx context.Context) (Status, []ProbeResult) {
	m.Sample(ctx)
	results := m.RunProbes(ctx)
	status := Aggregate(results)

	for _, res := range results {
		if res.Healthy || res.Skipped {
			continue
		}
		severity := SeverityWarning
		if res.Critical {
			severity = SeverityCritical
		}
		m.CreateAlert(severity,
			fmt.Sprintf("health probe %s failed", res.Name),
			res.Error, res.Name, nil)
	}
	return status, results
}

// Sample appends one snapshot to the history ring.
func (m *Monitor) Sample(ctx context.Context) *Snapshot {
	counters, err := m.mreg.Counters(ctx)
	if err != nil {
		m.logger.Error("metrics collection failed", "error", err)
		counters = map[string]int64{}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := &Snapshot{
		At:                time.Now(),
		ActiveConnections: m.registry.Count(),
		Subscriptions:     m.broadcaster.SubscriptionCount(),
		QueueDepth:        m.broadcaster.Backlog(),
		HeapBytes:         ms.HeapAlloc,
		Goroutines:        runtime.NumGoroutine(),
		Counters:          counters,
	}

	m.mu.Lock()
	total := counters[metrics.EventsSubmitted]
	if !m.lastAt.IsZero() {
		elapsed := snap.At.Sub(m.lastAt).Seconds()
		if elapsed > 0 {
			m.rate = float64(total-m.lastTotal) / elapsed
		}
	}
	if total > 0 {
		m.sawEvents = true
	}
	snap.EventsPerSecond = m.rate
	m.lastTotal = total
	m.lastAt = snap.At

	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	return snap
}

// currentRate reports the most recent events/sec figure and whether the
// system has seen any traffic at all yet.
func (m *Monitor) currentRate() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate, m.sawEvents
}

// RunProbes executes every registered probe once.
func (m *Monitor) RunProbes(ctx context.Context) []ProbeResult {
	m.mu.Lock()
	probes := make([]*Probe, len(m.probes))
	copy(probes, m.probes)
	m.mu.Unlock()

	results := make([]ProbeResult, 0, len(probes))
	for _, p := range probes {
		results = append(results, p.run(ctx))
	}
	return results
}

// Aggregate folds probe results into one status: any failing critical probe
// is unhealthy, any other failure is degraded, everything passing is healthy.
func Aggregate(results []ProbeResult) Status {
	status := StatusHealthy
	for _, res := range results {
		if res.Healthy || res.Skipped {
			continue
		}
		if res.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// GetOverview recomputes the probes and returns the operational rollup.
func (m *Monitor) GetOverview(ctx context.Context) *Overview {
	results := m.RunProbes(ctx)

	m.mu.Lock()
	var latest *Snapshot
	if len(m.history) > 0 {
		latest = m.history[len(m.history)-1]
	}
	startedAt := m.startedAt
	m.mu.Unlock()

	if latest == nil {
		latest = m.Sample(ctx)
	}

	return &Overview{
		Status:        Aggregate(results),
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Metrics:       latest,
		ActiveAlerts:  m.ActiveAlerts(),
		ProbeResults:  results,
	}
}

// History returns the snapshots taken within the last given number of
// minutes, oldest first.
func (m *Monitor) History(minutes int) []*Snapshot {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, snap := range m.history {
		if snap.At.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// Shutdown stops the sampling loop.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if !started {
		return nil
	}
	close(m.done)
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

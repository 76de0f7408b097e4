package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/metrics"
)

var (
	// ErrCapacityExceeded is the only admission failure clients see. It means
	// "retry later", not "go away".
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrNotFound         = errors.New("connection not found")
)

const (
	DefaultGlobalLimit        = 1000
	DefaultAuthenticatedLimit = 10
	DefaultAnonymousLimit     = 3
	DefaultAddressLimit       = 20

	DefaultPingInterval  = 30 * time.Second
	DefaultTimeout       = 300 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Limits are the three independent admission caps checked atomically.
type Limits struct {
	Global        int
	Authenticated int
	Anonymous     int
	PerAddress    int
}

func (l Limits) withDefaults() Limits {
	if l.Global <= 0 {
		l.Global = DefaultGlobalLimit
	}
	if l.Authenticated <= 0 {
		l.Authenticated = DefaultAuthenticatedLimit
	}
	if l.Anonymous <= 0 {
		l.Anonymous = DefaultAnonymousLimit
	}
	if l.PerAddress <= 0 {
		l.PerAddress = DefaultAddressLimit
	}
	return l
}

// Config tunes the registry. Zero fields use the package defaults.
type Config struct {
	Limits        Limits
	PingInterval  time.Duration
	Timeout       time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	c.Limits = c.Limits.withDefaults()
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// CreateParams describes an admission request.
type CreateParams struct {
	Correlation   event.Correlation
	Transport     Transport
	RemoteAddr    string
	Authenticated bool
	Metadata      map[string]string
}

// SweepFunc is a reclamation hook run on every sweep pass. It returns how
// many records it reclaimed. Poll sessions register themselves this way so
// one janitor covers both lifecycles.
type SweepFunc func(now time.Time) int

// Registry admits, indexes and reaps client connections. Removing a
// connection cascades into the broadcaster and drops its subscriptions.
type Registry struct {
	logger      *slog.Logger
	mreg        *metrics.Registry
	broadcaster *broadcast.Broadcaster
	cfg         Config

	mu         sync.Mutex
	conns      map[string]*Connection
	byIdentity map[string]map[string]struct{}
	byAddr     map[string]map[string]struct{}
	sweepFns   []SweepFunc

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func New(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, cfg Config) *Registry {
	return &Registry{
		logger:      logger,
		mreg:        mreg,
		broadcaster: b,
		cfg:         cfg.withDefaults(),
		conns:       make(map[string]*Connection),
		byIdentity:  make(map[string]map[string]struct{}),
		byAddr:      make(map[string]map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Create admits a new connection. The three caps are checked and the indices
// updated under one lock hold, so concurrent admissions cannot oversubscribe.
func (r *Registry) Create(p CreateParams) (*Connection, error) {
	conn := newConnection(p.Correlation, p.Transport, p.RemoteAddr, p.Authenticated, p.Metadata, r.cfg.PingInterval, r.cfg.Timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry is shut down")
	}

	if len(r.conns) >= r.cfg.Limits.Global {
		return nil, fmt.Errorf("%w: global limit %d reached", ErrCapacityExceeded, r.cfg.Limits.Global)
	}
	identityLimit := r.cfg.Limits.Anonymous
	if p.Authenticated {
		identityLimit = r.cfg.Limits.Authenticated
	}
	identity := conn.identity()
	if len(r.byIdentity[identity]) >= identityLimit {
		return nil, fmt.Errorf("%w: identity limit %d reached", ErrCapacityExceeded, identityLimit)
	}
	if p.RemoteAddr != "" && len(r.byAddr[p.RemoteAddr]) >= r.cfg.Limits.PerAddress {
		return nil, fmt.Errorf("%w: address limit %d reached", ErrCapacityExceeded, r.cfg.Limits.PerAddress)
	}

	r.conns[conn.ID] = conn
	indexAdd(r.byIdentity, identity, conn.ID)
	if p.RemoteAddr != "" {
		indexAdd(r.byAddr, p.RemoteAddr, conn.ID)
	}
	conn.setStatus(StatusConnected)

	r.mreg.ConnectionsOpened.Add(context.Background(), 1)
	r.logger.Debug("connection admitted",
		"conn_id", conn.ID, "transport", conn.Transport, "identity", identity)
	return conn, nil
}

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexDel(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Get looks up a live connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// UpdateStatus applies a forward-only status transition. Unknown ids return
// ErrNotFound.
func (r *Registry) UpdateStatus(id string, status Status) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn.setStatus(status)
	return nil
}

// TouchActivity refreshes the inactivity clock for a connection.
func (r *Registry) TouchActivity(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn.TouchActivity()
	return nil
}

// TouchPing records a client ping, which also counts as activity.
func (r *Registry) TouchPing(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn.TouchPing()
	return nil
}

// BindSubscription records subscription ownership on the connection so the
// cascade on removal covers it.
func (r *Registry) BindSubscription(connID, subID string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrNotFound
	}
	conn.addSubscription(subID)
	return nil
}

// Remove unregisters a connection from all indices, cascades removal of its
// subscriptions, and counts the close by reason. A second removal of the same
// id returns ErrNotFound.
func (r *Registry) Remove(id string, reason CloseReason) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.conns, id)
	indexDel(r.byIdentity, conn.identity(), id)
	if conn.RemoteAddr != "" {
		indexDel(r.byAddr, conn.RemoteAddr, id)
	}
	r.mu.Unlock()

	switch reason {
	case ReasonTimeout:
		conn.setStatus(StatusTimeout)
	case ReasonError:
		conn.setStatus(StatusError)
	default:
		conn.setStatus(StatusDisconnected)
	}

	removed := r.broadcaster.RemoveAllForOwner(id)
	r.mreg.ConnectionsClosed.Add(context.Background(), 1, metrics.Reason(string(reason)))
	r.logger.Debug("connection removed",
		"conn_id", id, "reason", reason, "subscriptions_dropped", removed)
	return nil
}

// OnSweep registers an extra reclamation hook run by the janitor.
func (r *Registry) OnSweep(fn SweepFunc) {
	r.mu.Lock()
	r.sweepFns = append(r.sweepFns, fn)
	r.mu.Unlock()
}

// Start launches the background sweep. Calling it twice is a no-op.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.sweepLoop()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep removes timed-out and stale connections and runs the registered
// reclamation hooks. It returns the number of connections removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var victims []string
	for id, conn := range r.conns {
		if conn.IsTimeout(now) || (conn.IsStale(now) && !conn.Status().Terminal()) {
			victims = append(victims, id)
		}
	}
	fns := make([]SweepFunc, len(r.sweepFns))
	copy(fns, r.sweepFns)
	r.mu.Unlock()

	for _, id := range victims {
		_ = r.Remove(id, ReasonTimeout)
	}
	reclaimed := 0
	for _, fn := range fns {
		reclaimed += fn(now)
	}
	if len(victims) > 0 || reclaimed > 0 {
		r.logger.Info("sweep completed",
			"connections_removed", len(victims), "sessions_reclaimed", reclaimed)
	}
	return len(victims)
}

// List returns a snapshot of live connections, oldest first.
func (r *Registry) List() []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Connection) int {
		return a.ConnectedAt().Compare(b.ConnectedAt())
	})
	return out
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// GlobalLimit reports the configured global cap, for the health probe.
func (r *Registry) GlobalLimit() int { return r.cfg.Limits.Global }

// Shutdown stops the sweep and force-removes every connection.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if started {
		close(r.done)
		waited := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, id := range ids {
		_ = r.Remove(id, ReasonShutdown)
	}
	r.logger.Info("registry stopped", "connections_closed", len(ids))
	return nil
}

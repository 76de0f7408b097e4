package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
	"github.com/streamgate/streamgate/internal/metrics"
)

var ErrNotFound = errors.New("subscription not found")

const (
	DefaultQueueSize  = 1024
	DefaultBufferSize = 1000
	DefaultBufferAge  = 30 * time.Minute
	MaxBufferSize     = 10000
)

// Config tunes the broadcaster. Zero fields fall back to the defaults above.
type Config struct {
	QueueSize  int
	BufferSize int
	BufferAge  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferAge <= 0 {
		c.BufferAge = DefaultBufferAge
	}
	return c
}

// Broadcaster fans submitted events out to matching subscription buffers.
// Submission never blocks: a full queue drops the newest event and counts it.
// A single dispatch goroutine drains the queue, so for any subscription the
// buffer order is the submission order.
type Broadcaster struct {
	logger *slog.Logger
	mreg   *metrics.Registry
	cfg    Config

	queue chan *event.Event

	mu     sync.RWMutex
	subs   map[string]*Subscription
	owners map[string]map[string]struct{}

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func New(logger *slog.Logger, mreg *metrics.Registry, cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	return &Broadcaster{
		logger: logger,
		mreg:   mreg,
		cfg:    cfg,
		queue:  make(chan *event.Event, cfg.QueueSize),
		subs:   make(map[string]*Subscription),
		owners: make(map[string]map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.dispatch()
}

// Submit enqueues an event for fan-out. It never blocks and never fails from
// the producer's point of view: on overflow the event is dropped and the
// dropped counter incremented.
func (b *Broadcaster) Submit(ev *event.Event) {
	if ev == nil {
		return
	}
	b.mreg.EventsSubmitted.Add(context.Background(), 1)
	select {
	case b.queue <- ev:
	default:
		b.mreg.EventsDropped.Add(context.Background(), 1, metrics.Reason("queue_full"))
		b.logger.Warn("event queue full, dropping", "event_id", ev.ID, "type", ev.Type)
	}
}

// SubmitNew builds the envelope and enqueues it, returning the assigned id.
// This is the producer-facing fire-and-forget entrypoint.
func (b *Broadcaster) SubmitNew(typ string, payload any, prio event.Priority, corr event.Correlation, ttl time.Duration) string {
	ev := event.New(typ, payload, prio, corr, ttl)
	b.Submit(ev)
	return ev.ID
}

func (b *Broadcaster) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.fanout(ev)
		}
	}
}

// fanout delivers one event to every matching subscription. The read lock is
// held for the whole pass, so a later event cannot overtake this one into any
// buffer. Per-subscription failures are logged and skipped.
func (b *Broadcaster) fanout(ev *event.Event) {
	ctx := context.Background()
	now := time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		matched, err := sub.matches(ev)
		if err != nil {
			// Fail open: the error clause counted as a pass.
			b.mreg.DeliveryErrors.Add(ctx, 1, metrics.Reason("filter_error"))
			b.logger.Warn("filter evaluation failed, failing open",
				"subscription_id", sub.ID, "event_id", ev.ID, "error", err)
		}
		if !matched {
			b.mreg.EventsFiltered.Add(ctx, 1, metrics.Reason("no_match"))
			continue
		}
		if !sub.allow(now) {
			b.mreg.EventsFiltered.Add(ctx, 1, metrics.Reason("rate_limited"))
			continue
		}
		sub.buf.append(ev)
		b.mreg.EventsBroadcast.Add(ctx, 1)
	}
}

// CreateSubscription registers a new subscription for the given owner.
// bufSize <= 0 uses the configured default; sizes are clamped to MaxBufferSize.
func (b *Broadcaster) CreateSubscription(owner string, fs filter.Set, threshold event.Priority, ratePerMin, bufSize int) (*Subscription, error) {
	if bufSize <= 0 {
		bufSize = b.cfg.BufferSize
	}
	if bufSize > MaxBufferSize {
		bufSize = MaxBufferSize
	}
	sub := newSubscription(owner, fs, threshold, ratePerMin, newBuffer(bufSize, b.cfg.BufferAge))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broadcaster is shut down")
	}
	b.subs[sub.ID] = sub
	if owner != "" {
		set, ok := b.owners[owner]
		if !ok {
			set = make(map[string]struct{})
			b.owners[owner] = set
		}
		set[sub.ID] = struct{}{}
	}
	return sub, nil
}

// RemoveSubscription deactivates and drops a subscription. Removing an
// unknown id returns ErrNotFound; it never panics.
func (b *Broadcaster) RemoveSubscription(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) error {
	sub, ok := b.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.deactivate()
	delete(b.subs, id)
	if set, ok := b.owners[sub.Owner]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.owners, sub.Owner)
		}
	}
	return nil
}

// RemoveAllForOwner drops every subscription the owner holds and returns how
// many were removed. Unknown owners remove nothing.
func (b *Broadcaster) RemoveAllForOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.owners[owner]))
	for id := range b.owners[owner] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		_ = b.removeLocked(id)
	}
	return len(ids)
}

// Subscription looks up a live subscription by id.
func (b *Broadcaster) Subscription(id string) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	return sub, ok
}

// EventsSince returns buffered events after lastID, oldest first. An aged-out
// marker yields the full remaining buffer with resync=true instead of an
// error, so clients can always make forward progress.
func (b *Broadcaster) EventsSince(subID, lastID string, limit int) ([]*event.Event, bool, error) {
	sub, ok := b.Subscription(subID)
	if !ok {
		return nil, false, ErrNotFound
	}
	events, resync := sub.buf.since(lastID, limit)
	return events, resync, nil
}

// Backlog reports the dispatch queue depth, for the health probe.
func (b *Broadcaster) Backlog() int { return len(b.queue) }

// QueueCapacity reports the configured queue size.
func (b *Broadcaster) QueueCapacity() int { return b.cfg.QueueSize }

// SubscriptionCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown stops the dispatch loop and purges every subscription and buffer.
// Queued events that were not fanned out yet are dropped; delivery is
// best-effort by contract.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.done)
		waited := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.deactivate()
		delete(b.subs, id)
	}
	b.owners = make(map[string]map[string]struct{})
	b.mu.Unlock()

	b.logger.Info("broadcaster stopped", "dropped_backlog", len(b.queue))
	return nil
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
)

var ErrNotFound = errors.New("connection or session not found")

// Deliverer is the subscriber-facing surface consumed by the transport
// handlers. It hides the broadcaster/registry split behind one contract.
type Deliverer interface {
	OpenStream(ctx context.Context, p StreamParams) (*Stream, error)
	CreatePollSession(corr event.Correlation, fs filter.Set, threshold event.Priority) (string, error)
	Poll(ctx context.Context, sessionID string, wait time.Duration, maxEvents int) (*PollResult, error)
	Close(id string) error
}

// Producer is the fire-and-forget surface for event sources.
type Producer interface {
	SubmitEvent(typ string, payload any, prio event.Priority, corr event.Correlation, ttl time.Duration) string
}

// Config tunes the delivery service. Zero fields use defaults.
type Config struct {
	// StreamTick is the fallback recheck interval for the forward loop; the
	// loop is normally woken by buffer notifications.
	StreamTick time.Duration
	// StreamChannel is the outbound channel depth per stream.
	StreamChannel int
	// SessionIdle is how long a poll session may stay idle before the sweep
	// reclaims it.
	SessionIdle time.Duration
	// DeliveredTTL bounds how long delivered event ids are remembered per
	// poll session.
	DeliveredTTL time.Duration
	// DeliveredCap bounds how many delivered ids are remembered per session.
	DeliveredCap int
}

func (c Config) withDefaults() Config {
	if c.StreamTick <= 0 {
		c.StreamTick = 100 * time.Millisecond
	}
	if c.StreamChannel <= 0 {
		c.StreamChannel = 64
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = 30 * time.Minute
	}
	if c.DeliveredTTL <= 0 {
		c.DeliveredTTL = broadcast.DefaultBufferAge
	}
	if c.DeliveredCap <= 0 {
		c.DeliveredCap = 4096
	}
	return c
}

// Service implements Deliverer and Producer on top of the broadcaster and
// the connection registry.
type Service struct {
	logger      *slog.Logger
	mreg        *metrics.Registry
	broadcaster *broadcast.Broadcaster
	registry    *registry.Registry
	sessions    *sessionStore
	tasks       *taskSet
	cfg         Config
}

func New(logger *slog.Logger, mreg *metrics.Registry, b *broadcast.Broadcaster, reg *registry.Registry, cfg Config) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		logger:      logger,
		mreg:        mreg,
		broadcaster: b,
		registry:    reg,
		sessions:    newSessionStore(cfg),
		tasks:       newTaskSet(),
		cfg:         cfg,
	}
	// Poll sessions ride the registry janitor.
	reg.OnSweep(func(now time.Time) int {
		return s.sessions.reapIdle(now, func(sess *pollSession) {
			b.RemoveAllForOwner(sess.ID)
		})
	})
	return s
}

// SubmitEvent builds and enqueues an event. It never blocks and never fails;
// overload shows up only in the dropped counter.
func (s *Service) SubmitEvent(typ string, payload any, prio event.Priority, corr event.Correlation, ttl time.Duration) string {
	return s.broadcaster.SubmitNew(typ, payload, prio, corr, ttl)
}

// Broadcaster exposes the underlying broadcaster for intake adapters.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }

// Close tears down a streaming connection or a poll session. The second call
// for the same id returns ErrNotFound.
func (s *Service) Close(id string) error {
	if _, ok := s.registry.Get(id); ok {
		// Cancelling the task runs the forward loop's cleanup path, which
		// removes the connection and its subscriptions. Connections without
		// a task are removed directly; the loser of that race gets ErrNotFound
		// from Remove, which is fine either way.
		s.tasks.cancel(id)
		_ = s.registry.Remove(id, registry.ReasonManual)
		return nil
	}
	if s.sessions.remove(id) {
		s.broadcaster.RemoveAllForOwner(id)
		return nil
	}
	return ErrNotFound
}

// ActiveStreams reports the number of supervised forward loops.
func (s *Service) ActiveStreams() int { return s.tasks.size() }

// Shutdown cancels every stream task, waits for them, and purges poll
// sessions. Registry and broadcaster shutdown happens in their own modules.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.tasks.shutdown(ctx)
	purged := s.sessions.purge()
	s.logger.Info("delivery service stopped", "sessions_purged", purged)
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
)

// StreamParams describes an open_stream request.
type StreamParams struct {
	Correlation   event.Correlation
	Filters       filter.Set
	Threshold     event.Priority
	Transport     registry.Transport
	RemoteAddr    string
	Authenticated bool
	Metadata      map[string]string
	RatePerMin    int
	BufferSize    int
}

// Stream is an open push channel. Events carries the synthetic connected
// event first, then buffered catch-up, then live events; it is closed when
// the stream ends for any reason.
type Stream struct {
	ConnectionID string
	Conn         *registry.Connection
	Events       <-chan *event.Event
}

// OpenStream admits a connection, registers its subscription and launches the
// supervised forward loop. Admission failures surface ErrCapacityExceeded
// from the registry untouched so transports can answer "retry later".
func (s *Service) OpenStream(ctx context.Context, p StreamParams) (*Stream, error) {
	if p.Transport == "" {
		p.Transport = registry.TransportSSE
	}
	if p.Threshold == 0 {
		p.Threshold = event.PriorityLow
	}

	conn, err := s.registry.Create(registry.CreateParams{
		Correlation:   p.Correlation,
		Transport:     p.Transport,
		RemoteAddr:    p.RemoteAddr,
		Authenticated: p.Authenticated,
		Metadata:      p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	sub, err := s.broadcaster.CreateSubscription(conn.ID, p.Filters, p.Threshold, p.RatePerMin, p.BufferSize)
	if err != nil {
		_ = s.registry.Remove(conn.ID, registry.ReasonError)
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	_ = s.registry.BindSubscription(conn.ID, sub.ID)

	out := make(chan *event.Event, s.cfg.StreamChannel)
	ok := s.tasks.spawn(ctx, conn.ID, func(taskCtx context.Context) {
		s.forward(taskCtx, conn, sub, out)
	})
	if !ok {
		_ = s.registry.Remove(conn.ID, registry.ReasonShutdown)
		return nil, errors.New("delivery service is shut down")
	}

	s.logger.Info("stream opened",
		"conn_id", conn.ID, "transport", conn.Transport, "user_id", p.Correlation.UserID)
	return &Stream{ConnectionID: conn.ID, Conn: conn, Events: out}, nil
}

// forward drains the subscription buffer into the stream channel. Cleanup
// runs on every exit path: normal end, fault, or cancellation.
func (s *Service) forward(ctx context.Context, conn *registry.Connection, sub *broadcast.Subscription, out chan<- *event.Event) {
	reason := registry.ReasonManual
	defer func() {
		_ = s.registry.UpdateStatus(conn.ID, registry.StatusDisconnecting)
		_ = s.registry.Remove(conn.ID, reason)
		close(out)
	}()

	// Handshake frame first, with the assigned id and ping cadence.
	connected := event.NewConnected(conn.ID, conn.PingInterval, conn.Correlation)
	if !s.push(ctx, conn, out, connected) {
		return
	}

	lastID := ""
	for {
		events, resync, err := s.broadcaster.EventsSince(sub.ID, lastID, s.cfg.StreamChannel)
		if err != nil {
			// Subscription vanished under us; one best-effort terminal notice.
			reason = registry.ReasonError
			s.notifyFault(ctx, conn, out, err)
			return
		}
		if resync {
			s.logger.Warn("stream replay marker aged out, resyncing",
				"conn_id", conn.ID, "subscription_id", sub.ID)
		}
		for _, ev := range events {
			if !s.push(ctx, conn, out, ev) {
				return
			}
			lastID = ev.ID
		}
		if len(events) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.Wait():
		case <-time.After(s.cfg.StreamTick):
			// Fallback tick in case a wakeup is missed.
		}
	}
}

// push forwards one event, bounded by the stream context. It returns false
// when the stream is gone.
func (s *Service) push(ctx context.Context, conn *registry.Connection, out chan<- *event.Event, ev *event.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		conn.TouchActivity()
		s.mreg.EventsDelivered.Add(context.Background(), 1)
		return true
	}
}

// notifyFault attempts one non-blocking terminal notice. If the channel is
// full the notice is simply lost.
func (s *Service) notifyFault(ctx context.Context, conn *registry.Connection, out chan<- *event.Event, cause error) {
	s.mreg.DeliveryErrors.Add(context.Background(), 1, metrics.Reason("stream_fault"))
	notice := event.NewStreamError(conn.ID, cause.Error(), conn.Correlation)
	select {
	case out <- notice:
	default:
	}
}

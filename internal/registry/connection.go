package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/streamgate/internal/domain/event"
)

// Transport identifies the delivery mechanism a connection uses.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebsocket Transport = "websocket"
	TransportPoll      Transport = "poll"
)

// Status models the connection lifecycle. Transitions are forward-only and
// end in one of the terminal states.
type Status int32

const (
	StatusConnecting Status = iota + 1
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusError || s == StatusTimeout
}

// CloseReason tags why a connection was removed, for the by-reason counters.
type CloseReason string

const (
	ReasonTimeout  CloseReason = "timeout"
	ReasonError    CloseReason = "error"
	ReasonManual   CloseReason = "manual"
	ReasonShutdown CloseReason = "shutdown"
)

// Connection is one admitted client. All mutable fields are guarded by mu;
// the identity fields are fixed at creation.
type Connection struct {
	ID            string
	Correlation   event.Correlation
	Transport     Transport
	RemoteAddr    string
	Authenticated bool
	Metadata      map[string]string

	PingInterval time.Duration
	Timeout      time.Duration

	mu             sync.Mutex
	status         Status
	connectedAt    time.Time
	lastActivityAt time.Time
	lastPingAt     time.Time
	subscriptions  map[string]struct{}
}

func newConnection(corr event.Correlation, transport Transport, remoteAddr string, authenticated bool, meta map[string]string, pingInterval, timeout time.Duration) *Connection {
	now := time.Now()
	return &Connection{
		ID:            uuid.NewString(),
		Correlation:   corr,
		Transport:     transport,
		RemoteAddr:    remoteAddr,
		Authenticated: authenticated,
		Metadata:      meta,
		PingInterval:  pingInterval,
		Timeout:       timeout,

		status:         StatusConnecting,
		connectedAt:    now,
		lastActivityAt: now,
		lastPingAt:     now,
		subscriptions:  make(map[string]struct{}),
	}
}

// identity keys the per-identity admission cap. Anonymous connections fall
// back to their source address so one host cannot hoard anonymous slots.
func (c *Connection) identity() string {
	if c.Correlation.UserID != "" {
		return c.Correlation.UserID
	}
	return "anon:" + c.RemoteAddr
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatus applies a forward-only transition. Backward moves and updates
// after a terminal state are ignored, which makes status updates idempotent.
func (c *Connection) setStatus(next Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() || next < c.status {
		return
	}
	c.status = next
}

func (c *Connection) TouchActivity() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) TouchPing() {
	now := time.Now()
	c.mu.Lock()
	c.lastPingAt = now
	c.lastActivityAt = now
	c.mu.Unlock()
}

// IsTimeout reports whether the connection exceeded its inactivity window.
func (c *Connection) IsTimeout(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivityAt) > c.Timeout
}

// IsStale reports whether three ping intervals passed without a ping.
func (c *Connection) IsStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPingAt) > 3*c.PingInterval
}

func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

func (c *Connection) LastActivityAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

func (c *Connection) addSubscription(id string) {
	c.mu.Lock()
	c.subscriptions[id] = struct{}{}
	c.mu.Unlock()
}

// SubscriptionIDs returns the ids of subscriptions this connection owns.
func (c *Connection) SubscriptionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

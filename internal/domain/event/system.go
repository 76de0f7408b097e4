package event

import "time"

// Reserved types for signals generated by the delivery layer itself.
const (
	TypeConnected   = "connection_established"
	TypeStreamError = "stream_error"
	TypeShutdown    = "server_shutdown"
)

// ConnectedPayload is the first frame on every stream. It tells the client
// its assigned connection id and how often to ping.
type ConnectedPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connection_id"`
	PingInterval int    `json:"ping_interval_seconds"`
}

// NewConnected builds the synthetic handshake event for a fresh stream.
func NewConnected(connID string, pingInterval time.Duration, corr Correlation) *Event {
	return New(TypeConnected, &ConnectedPayload{
		Ok:           true,
		ConnectionID: connID,
		PingInterval: int(pingInterval.Seconds()),
	}, PriorityHigh, corr, 0)
}

// StreamErrorPayload is the best-effort terminal notice sent when a
// streaming connection dies on a fault.
type StreamErrorPayload struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
}

// NewStreamError builds the terminal notice for a failed stream.
func NewStreamError(connID, reason string, corr Correlation) *Event {
	return New(TypeStreamError, &StreamErrorPayload{
		ConnectionID: connID,
		Reason:       reason,
	}, PriorityCritical, corr, 0)
}

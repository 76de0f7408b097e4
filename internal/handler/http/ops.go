package httphandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/monitor"
	"github.com/streamgate/streamgate/internal/registry"
)

// OpsHandler serves the operational interface: overview, metrics history,
// connection stats and alert management.
type OpsHandler struct {
	logger      *slog.Logger
	monitor     *monitor.Monitor
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
}

func NewOpsHandler(logger *slog.Logger, m *monitor.Monitor, reg *registry.Registry, b *broadcast.Broadcaster) *OpsHandler {
	return &OpsHandler{logger: logger, monitor: m, registry: reg, broadcaster: b}
}

func (h *OpsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.GetOverview(r.Context()))
}

func (h *OpsHandler) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", 60)
	writeJSON(w, http.StatusOK, map[string]any{
		"minutes": minutes,
		"samples": h.monitor.History(minutes),
	})
}

type subscriptionStats struct {
	ID          string    `json:"id"`
	Buffered    int       `json:"buffered"`
	LastMatchAt time.Time `json:"last_match_at,omitzero"`
}

type connectionStats struct {
	ID             string              `json:"id"`
	Transport      string              `json:"transport"`
	Status         string              `json:"status"`
	UserID         string              `json:"user_id,omitempty"`
	RemoteAddr     string              `json:"remote_addr,omitempty"`
	Authenticated  bool                `json:"authenticated"`
	ConnectedAt    time.Time           `json:"connected_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	Subscriptions  []subscriptionStats `json:"subscriptions"`
}

// Connections lists live connections with their subscription state, oldest
// first.
func (h *OpsHandler) Connections(w http.ResponseWriter, r *http.Request) {
	conns := h.registry.List()
	out := make([]connectionStats, 0, len(conns))
	for _, conn := range conns {
		stats := connectionStats{
			ID:             conn.ID,
			Transport:      string(conn.Transport),
			Status:         conn.Status().String(),
			UserID:         conn.Correlation.UserID,
			RemoteAddr:     conn.RemoteAddr,
			Authenticated:  conn.Authenticated,
			ConnectedAt:    conn.ConnectedAt(),
			LastActivityAt: conn.LastActivityAt(),
			Subscriptions:  []subscriptionStats{},
		}
		for _, subID := range conn.SubscriptionIDs() {
			sub, ok := h.broadcaster.Subscription(subID)
			if !ok {
				continue
			}
			stats.Subscriptions = append(stats.Subscriptions, subscriptionStats{
				ID:          sub.ID,
				Buffered:    sub.Buffered(),
				LastMatchAt: sub.LastMatchAt(),
			})
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(out),
		"connections": out,
	})
}

func (h *OpsHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Acknowledge(chi.URLParam(r, "alertID")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OpsHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := h.monitor.Resolve(chi.URLParam(r, "alertID"), body.Note); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

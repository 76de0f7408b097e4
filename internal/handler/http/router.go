package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/streamgate/streamgate/internal/registry"
)

// NewRouter assembles the HTTP surface: push transports, pull transport,
// producer intake and the ops API.
func NewRouter(stream *StreamHandler, poll *PollHandler, events *EventHandler, ops *OpsHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events/stream", stream.ServeSSE)
		r.Get("/events/ws", stream.ServeWS)
		r.Post("/events", events.Submit)

		r.Post("/connections/{connID}/ping", stream.Ping)
		r.Delete("/connections/{connID}", stream.Close)

		r.Post("/poll/sessions", poll.CreateSession)
		r.Get("/poll/sessions/{sessionID}", poll.Poll)
		r.Delete("/poll/sessions/{sessionID}", poll.CloseSession)

		r.Get("/system/overview", ops.Overview)
		r.Get("/system/metrics", ops.MetricsHistory)
		r.Get("/system/connections", ops.Connections)
		r.Post("/alerts/{alertID}/ack", ops.AcknowledgeAlert)
		r.Post("/alerts/{alertID}/resolve", ops.ResolveAlert)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeAdmissionError maps capacity rejections to 503 with a retry hint;
// everything else is a plain 500.
func writeAdmissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrCapacityExceeded) {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

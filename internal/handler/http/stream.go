package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamgate/streamgate/internal/handler/marshaller"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/service"
)

// StreamHandler serves the push transports: Server-Sent Events and the
// WebSocket variant in ws.go.
type StreamHandler struct {
	logger    *slog.Logger
	mreg      *metrics.Registry
	deliverer service.Deliverer
	reg       *registry.Registry
}

func NewStreamHandler(logger *slog.Logger, mreg *metrics.Registry, deliverer service.Deliverer, reg *registry.Registry) *StreamHandler {
	return &StreamHandler{logger: logger, mreg: mreg, deliverer: deliverer, reg: reg}
}

// ServeSSE opens a stream and forwards events as SSE frames until the client
// disconnects or the service shuts down. The first frame is always the
// synthetic connected event.
func (h *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	p, err := parseSubscribe(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	stream, err := h.deliverer.OpenStream(r.Context(), service.StreamParams{
		Correlation:   p.correlation,
		Filters:       p.filters,
		Threshold:     p.threshold,
		Transport:     registry.TransportSSE,
		RemoteAddr:    p.remoteAddr,
		Authenticated: p.authenticated,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	// The request context cancels the supervised forward loop, which runs
	// registry cleanup on its way out. Nothing else to release here.

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Events {
		data, err := marshaller.MarshalEvent(ev)
		if err != nil {
			h.logger.Error("sse marshal failed", "conn_id", stream.ConnectionID, "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
		h.mreg.BytesDelivered.Add(context.Background(), int64(len(data)))
	}
}

// Ping refreshes the liveness clock for a streaming connection.
func (h *StreamHandler) Ping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connID")
	if err := h.reg.TouchPing(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close tears down a connection or poll session by id.
func (h *StreamHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connID")
	if err := h.deliverer.Close(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

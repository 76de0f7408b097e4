package httphandler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamgate/streamgate/internal/handler/marshaller"
	"github.com/streamgate/streamgate/internal/service"
)

// PollHandler serves the pull transport.
type PollHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
}

func NewPollHandler(logger *slog.Logger, deliverer service.Deliverer) *PollHandler {
	return &PollHandler{logger: logger, deliverer: deliverer}
}

// CreateSession registers a poll session and returns its id.
func (h *PollHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, err := parseSubscribe(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.deliverer.CreatePollSession(p.correlation, p.filters, p.threshold)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// Poll holds the request until events arrive or the wait budget elapses.
// An idle timeout is a normal 200 with timed_out=true, not an error.
func (h *PollHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	wait := queryDuration(r, "wait", 30*time.Second)
	maxEvents := queryInt(r, "max", 100)

	result, err := h.deliverer.Poll(r.Context(), sessionID, wait, maxEvents)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusNotFound, err)
		return
	}

	data, err := marshaller.MarshalBatch(result.Events, result.TimedOut)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// CloseSession removes a poll session.
func (h *PollHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deliverer.Close(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/service"
)

// EventHandler is the producer-facing intake endpoint. Submission is
// fire-and-forget: a 202 only means the event entered the queue race, not
// that anyone will receive it.
type EventHandler struct {
	logger   *slog.Logger
	producer service.Producer
}

func NewEventHandler(logger *slog.Logger, producer service.Producer) *EventHandler {
	return &EventHandler{logger: logger, producer: producer}
}

type submitRequest struct {
	Type        string            `json:"type"`
	Payload     any               `json:"payload"`
	Priority    string            `json:"priority"`
	Correlation event.Correlation `json:"correlation"`
	TTLSeconds  int               `json:"ttl_seconds"`
}

func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	id := h.producer.SubmitEvent(
		req.Type,
		req.Payload,
		event.ParsePriority(req.Priority),
		req.Correlation,
		time.Duration(req.TTLSeconds)*time.Second,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": id})
}

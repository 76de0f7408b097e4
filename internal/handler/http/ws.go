package httphandler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamgate/streamgate/internal/handler/marshaller"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS is the WebSocket variant of the streaming transport. Incoming
// client frames count as pings; outgoing frames share the SSE wire shape.
func (h *StreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, err := parseSubscribe(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.deliverer.OpenStream(ctx, service.StreamParams{
		Correlation:   p.correlation,
		Filters:       p.filters,
		Threshold:     p.threshold,
		Transport:     registry.TransportWebsocket,
		RemoteAddr:    p.remoteAddr,
		Authenticated: p.authenticated,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		_ = h.deliverer.Close(stream.ConnectionID)
		return
	}
	defer ws.Close()

	h.logger.Info("ws opened", "conn_id", stream.ConnectionID, "user_id", p.correlation.UserID)

	// Reader side: any client frame refreshes the ping clock; a read error
	// ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			_ = h.reg.TouchPing(stream.ConnectionID)
		}
	}()

	for ev := range stream.Events {
		data, err := marshaller.MarshalEvent(ev)
		if err != nil {
			h.logger.Error("ws marshal failed", "conn_id", stream.ConnectionID, "error", err)
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("ws send failed", "conn_id", stream.ConnectionID, "error", err)
			return
		}
		h.mreg.BytesDelivered.Add(context.Background(), int64(len(data)))
	}
}

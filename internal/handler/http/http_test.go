package httphandler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamgate/streamgate/internal/broadcast"
	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/handler/marshaller"
	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/monitor"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/service"
)

type testStack struct {
	server  *httptest.Server
	svc     *service.Service
	monitor *monitor.Monitor
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mreg, err := metrics.NewRegistry()
	if err != nil {
		t.Fatalf("metrics registry: %v", err)
	}
	t.Cleanup(func() { _ = mreg.Shutdown(context.Background()) })

	b := broadcast.New(logger, mreg, broadcast.Config{})
	b.Start()
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	reg := registry.New(logger, mreg, b, registry.Config{})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	svc := service.New(logger, mreg, b, reg, service.Config{})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	mon := monitor.New(logger, mreg, b, reg, monitor.Config{})
	t.Cleanup(func() { _ = mon.Shutdown(context.Background()) })

	router := NewRouter(
		NewStreamHandler(logger, mreg, svc, reg),
		NewPollHandler(logger, svc),
		NewEventHandler(logger, svc),
		NewOpsHandler(logger, mon, reg, b),
	)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testStack{server: ts, svc: svc, monitor: mon}
}

func (st *testStack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(st.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (st *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(st.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitAndPollRoundTrip(t *testing.T) {
	st := newTestStack(t)

	resp := st.post(t, "/v1/poll/sessions?types=task_progress", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var created map[string]string
	decodeBody(t, resp, &created)
	sessionID := created["session_id"]
	if sessionID == "" {
		t.Fatalf("missing session_id")
	}

	resp = st.post(t, "/v1/events", map[string]any{
		"type":     "task_progress",
		"payload":  map[string]any{"pct": 40},
		"priority": "high",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}
	var accepted map[string]string
	decodeBody(t, resp, &accepted)
	if accepted["event_id"] == "" {
		t.Fatalf("missing event_id")
	}

	resp = st.get(t, "/v1/poll/sessions/"+sessionID+"?wait=2s")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: status %d", resp.StatusCode)
	}
	var batch marshaller.BatchResponse
	decodeBody(t, resp, &batch)
	if batch.TimedOut {
		t.Fatalf("poll timed out with an event pending")
	}
	if len(batch.Events) != 1 {
		t.Fatalf("poll returned %d events, want 1", len(batch.Events))
	}
	got := batch.Events[0]
	if got.ID != accepted["event_id"] || got.Type != "task_progress" || got.Priority != "high" {
		t.Fatalf("wrong wire event: %+v", got)
	}
}

func TestPollTimedOutResponse(t *testing.T) {
	st := newTestStack(t)
	resp := st.post(t, "/v1/poll/sessions", nil)
	var created map[string]string
	decodeBody(t, resp, &created)

	resp = st.get(t, "/v1/poll/sessions/"+created["session_id"]+"?wait=200ms")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idle poll: status %d", resp.StatusCode)
	}
	var batch marshaller.BatchResponse
	decodeBody(t, resp, &batch)
	if !batch.TimedOut || len(batch.Events) != 0 {
		t.Fatalf("idle poll: timed_out=%v events=%d", batch.TimedOut, len(batch.Events))
	}
}

func TestPollUnknownSession404(t *testing.T) {
	st := newTestStack(t)
	if resp := st.get(t, "/v1/poll/sessions/missing?wait=0"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestSubmitValidation(t *testing.T) {
	st := newTestStack(t)
	if resp := st.post(t, "/v1/events", map[string]any{"payload": 1}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type: status %d, want 400", resp.StatusCode)
	}
}

func TestBadWhereExpressionRejected(t *testing.T) {
	st := newTestStack(t)
	resp := st.post(t, "/v1/poll/sessions?where=type+%3D%3D", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestSSEStreamHandshake(t *testing.T) {
	st := newTestStack(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.server.URL+"/v1/events/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame marshaller.WireEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type != event.TypeConnected {
			t.Fatalf("first frame type %q, want %q", frame.Type, event.TypeConnected)
		}
		return
	}
	t.Fatalf("no frame received: %v", scanner.Err())
}

func TestPingUnknownConnection404(t *testing.T) {
	st := newTestStack(t)
	if resp := st.post(t, "/v1/connections/missing/ping", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestOverviewEndpoint(t *testing.T) {
	st := newTestStack(t)
	resp := st.get(t, "/v1/system/overview")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var ov struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &ov)
	if ov.Status == "" {
		t.Fatalf("overview carries no status")
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	st := newTestStack(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := st.svc.OpenStream(ctx, service.StreamParams{
		Correlation: event.Correlation{UserID: "u-9"},
		RemoteAddr:  "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	st.svc.SubmitEvent("task_progress", nil, event.PriorityNormal, event.Correlation{}, 0)

	type connListing struct {
		Count       int `json:"count"`
		Connections []struct {
			ID             string    `json:"id"`
			Transport      string    `json:"transport"`
			Status         string    `json:"status"`
			UserID         string    `json:"user_id"`
			ConnectedAt    time.Time `json:"connected_at"`
			LastActivityAt time.Time `json:"last_activity_at"`
			Subscriptions  []struct {
				ID          string    `json:"id"`
				Buffered    int       `json:"buffered"`
				LastMatchAt time.Time `json:"last_match_at"`
			} `json:"subscriptions"`
		} `json:"connections"`
	}

	// Fan-out is asynchronous, so poll the listing until the match shows up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := st.get(t, "/v1/system/connections")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		var listing connListing
		decodeBody(t, resp, &listing)

		if listing.Count == 1 && len(listing.Connections) == 1 {
			conn := listing.Connections[0]
			if conn.ID != stream.ConnectionID {
				t.Fatalf("listing carries conn %q, stream is %q", conn.ID, stream.ConnectionID)
			}
			if conn.Transport != "sse" || conn.Status != "connected" || conn.UserID != "u-9" {
				t.Fatalf("wrong connection stats: %+v", conn)
			}
			if conn.ConnectedAt.IsZero() || conn.LastActivityAt.IsZero() {
				t.Fatalf("connection timestamps missing: %+v", conn)
			}
			if len(conn.Subscriptions) == 1 && !conn.Subscriptions[0].LastMatchAt.IsZero() {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription stats never reflected the match")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAlertEndpoints(t *testing.T) {
	st := newTestStack(t)
	alert := st.monitor.CreateAlert(monitor.SeverityWarning, "t", "m", "c", nil)

	if resp := st.post(t, "/v1/alerts/"+alert.ID+"/ack", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack: status %d", resp.StatusCode)
	}
	if resp := st.post(t, "/v1/alerts/"+alert.ID+"/resolve", map[string]string{"note": "done"}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resolve: status %d", resp.StatusCode)
	}
	if resp := st.post(t, "/v1/alerts/missing/ack", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ack: status %d", resp.StatusCode)
	}
}

func TestAdmissionErrorMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAdmissionError(rec, fmt.Errorf("%w: global limit 2 reached", registry.ErrCapacityExceeded))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After hint")
	}

	rec = httptest.NewRecorder()
	writeAdmissionError(rec, fmt.Errorf("unrelated"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
}

func TestParseSubscribe(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/v1/events/stream?types=a,b&user_id=u-1&min_priority=high&where=priority+%3E%3D+20", nil)
	r.Header.Set("Authorization", "Bearer token")

	p, err := parseSubscribe(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.authenticated {
		t.Fatalf("authorization header not detected")
	}
	if p.correlation.UserID != "u-1" {
		t.Fatalf("user id not extracted")
	}
	if p.threshold != event.PriorityHigh {
		t.Fatalf("threshold %v, want high", p.threshold)
	}
	// types, user_id and where each contribute one clause.
	if len(p.filters) != 3 {
		t.Fatalf("got %d filter clauses, want 3", len(p.filters))
	}

	ok, _ := p.filters.Matches(event.New("a", nil, event.PriorityNormal,
		event.Correlation{UserID: "u-1"}, 0))
	if !ok {
		t.Fatalf("assembled filters reject a matching event")
	}
	ok, _ = p.filters.Matches(event.New("c", nil, event.PriorityNormal,
		event.Correlation{UserID: "u-1"}, 0))
	if ok {
		t.Fatalf("assembled filters accept a wrong type")
	}
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?n=5&bad=zz&d1=3&d2=150ms", nil)
	if got := queryInt(r, "n", 1); got != 5 {
		t.Fatalf("queryInt = %d", got)
	}
	if got := queryInt(r, "bad", 7); got != 7 {
		t.Fatalf("queryInt fallback = %d", got)
	}
	if got := queryDuration(r, "d1", 0); got != 3*time.Second {
		t.Fatalf("bare seconds = %v", got)
	}
	if got := queryDuration(r, "d2", 0); got != 150*time.Millisecond {
		t.Fatalf("duration string = %v", got)
	}
	if got := queryDuration(r, "missing", time.Minute); got != time.Minute {
		t.Fatalf("fallback = %v", got)
	}
}

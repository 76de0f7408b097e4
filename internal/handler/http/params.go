package httphandler

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
)

// subscribeParams is what both stream and poll handlers extract from a
// request: who the client is and what it wants to see.
type subscribeParams struct {
	correlation   event.Correlation
	filters       filter.Set
	threshold     event.Priority
	remoteAddr    string
	authenticated bool
}

// parseSubscribe reads correlation ids and filters from the query string.
// Supported keys: user_id, session_id, agent_id, task_id, types (comma
// separated), min_priority and an optional CEL "where" expression.
func parseSubscribe(r *http.Request) (subscribeParams, error) {
	q := r.URL.Query()
	p := subscribeParams{
		correlation: event.Correlation{
			UserID:    q.Get("user_id"),
			SessionID: q.Get("session_id"),
			AgentID:   q.Get("agent_id"),
			TaskID:    q.Get("task_id"),
		},
		threshold:     event.PriorityLow,
		remoteAddr:    remoteHost(r),
		authenticated: r.Header.Get("Authorization") != "",
	}

	if raw := q.Get("types"); raw != "" {
		var types []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		p.filters = append(p.filters, filter.TypeIn(types...))
	}
	for _, field := range []string{"user_id", "session_id", "agent_id", "task_id"} {
		if v := q.Get(field); v != "" {
			p.filters = append(p.filters, filter.CorrelationEquals(field, v))
		}
	}
	if raw := q.Get("min_priority"); raw != "" {
		p.threshold = event.ParsePriority(raw)
	}
	if expr := q.Get("where"); expr != "" {
		f, err := filter.Custom(expr)
		if err != nil {
			return p, fmt.Errorf("invalid where expression: %w", err)
		}
		p.filters = append(p.filters, f)
	}
	return p, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryDuration(r *http.Request, key string, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

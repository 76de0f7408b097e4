package monitor

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Severity ranks alerts for consumers; it does not affect aggregation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one recorded threshold breach. Breaches are never deduplicated;
// every occurrence is its own record.
type Alert struct {
	ID           string            `json:"id"`
	Severity     Severity          `json:"severity"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Component    string            `json:"component"`
	CreatedAt    time.Time         `json:"created_at"`
	Acknowledged bool              `json:"acknowledged"`
	Resolved     bool              `json:"resolved"`
	ResolvedAt   time.Time         `json:"resolved_at,omitzero"`
	Note         string            `json:"note,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AlertCallback observes alert creation. Callbacks run synchronously and are
// isolated from each other; a panicking callback never blocks the rest.
type AlertCallback func(*Alert)

// CreateAlert records a new alert and fires the callbacks.
func (m *Monitor) CreateAlert(severity Severity, title, message, component string, meta map[string]string) *Alert {
	alert := &Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Component: component,
		CreatedAt: time.Now(),
		Metadata:  meta,
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logger.Warn("alert created",
		"alert_id", alert.ID, "severity", severity, "component", component, "title", title)

	for _, cb := range callbacks {
		m.fireCallback(cb, alert)
	}
	return alert
}

func (m *Monitor) fireCallback(cb AlertCallback, alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked", "alert_id", alert.ID, "panic", r)
		}
	}()
	cb(alert)
}

// OnAlert registers a callback for future alerts.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Acknowledge marks an alert as seen. Unknown ids return ErrAlertNotFound.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	alert.Acknowledged = true
	return nil
}

// Resolve closes an alert with an operator note. Resolving twice keeps the
// first resolution time.
func (m *Monitor) Resolve(id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if !alert.Resolved {
		alert.Resolved = true
		alert.ResolvedAt = time.Now()
	}
	alert.Note = note
	return nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b *Alert) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

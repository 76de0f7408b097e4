package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
)

// Subscription is a standing registration of filters and limits owned by one
// connection, backed by a private bounded buffer.
type Subscription struct {
	ID        string
	Owner     string
	Filters   filter.Set
	Threshold event.Priority
	// RateLimit caps matched deliveries per rolling minute. 0 disables the cap.
	RateLimit int
	CreatedAt time.Time

	buf *buffer

	mu          sync.Mutex
	active      bool
	windowStart time.Time
	windowCount int
	lastMatchAt time.Time
}

func newSubscription(owner string, fs filter.Set, threshold event.Priority, ratePerMin int, buf *buffer) *Subscription {
	now := time.Now()
	return &Subscription{
		ID:          uuid.NewString(),
		Owner:       owner,
		Filters:     fs,
		Threshold:   threshold,
		RateLimit:   ratePerMin,
		CreatedAt:   now,
		buf:         buf,
		active:      true,
		windowStart: now,
	}
}

// matches applies the threshold and the clause set. A filter evaluation
// error fails open; the error is surfaced for logging only.
func (s *Subscription) matches(ev *event.Event) (bool, error) {
	if !s.Active() {
		return false, nil
	}
	if ev.Priority < s.Threshold {
		return false, nil
	}
	return s.Filters.Matches(ev)
}

// allow consumes one slot of the per-minute budget. The window resets a
// minute after its first consumed slot (fixed window, matching the
// events/minute contract).
func (s *Subscription) allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RateLimit > 0 {
		if now.Sub(s.windowStart) >= time.Minute {
			s.windowStart = now
			s.windowCount = 0
		}
		if s.windowCount >= s.RateLimit {
			return false
		}
		s.windowCount++
	}
	s.lastMatchAt = now
	return true
}

func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Subscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Wait returns a channel closed when the next event lands in the buffer.
func (s *Subscription) Wait() <-chan struct{} { return s.buf.wait() }

// Buffered returns the current number of replayable events.
func (s *Subscription) Buffered() int { return s.buf.len() }

// LastMatchAt reports when an event last matched and was admitted.
func (s *Subscription) LastMatchAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMatchAt
}

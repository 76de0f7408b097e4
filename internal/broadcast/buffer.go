package broadcast

import (
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/domain/event"
)

// buffer is the bounded per-subscription replay store. Appends evict the
// oldest entry once maxSize is reached; aged-out and TTL-expired entries are
// evicted lazily on read.
type buffer struct {
	mu      sync.Mutex
	items   []*event.Event
	maxSize int
	maxAge  time.Duration

	// notifyCh is closed and replaced on every append so waiters wake
	// without polling.
	notifyCh chan struct{}
}

func newBuffer(maxSize int, maxAge time.Duration) *buffer {
	return &buffer{
		maxSize:  maxSize,
		maxAge:   maxAge,
		notifyCh: make(chan struct{}),
	}
}

func (b *buffer) append(ev *event.Event) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	if len(b.items) > b.maxSize {
		over := len(b.items) - b.maxSize
		b.items = append(b.items[:0], b.items[over:]...)
	}
	ch := b.notifyCh
	b.notifyCh = make(chan struct{})
	b.mu.Unlock()

	close(ch)
}

// wait returns a channel closed on the next append.
func (b *buffer) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifyCh
}

// evictAged drops entries older than maxAge or past their own TTL.
// Caller must hold b.mu.
func (b *buffer) evictAged(now time.Time) {
	cutoff := now.Add(-b.maxAge).UnixMilli()
	keep := b.items[:0]
	for _, ev := range b.items {
		if ev.OccurredAt < cutoff || ev.Expired(now) {
			continue
		}
		keep = append(keep, ev)
	}
	b.items = keep
}

// snapshot returns all live entries, oldest first.
func (b *buffer) snapshot() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictAged(time.Now())
	out := make([]*event.Event, len(b.items))
	copy(out, b.items)
	return out
}

// since returns up to limit entries after lastID, oldest first. An unknown
// marker means the entry aged out; the whole remaining buffer is returned
// with resync=true so the caller can tell the client it may have gaps.
// limit <= 0 means no limit. An empty lastID reads from the start.
func (b *buffer) since(lastID string, limit int) (events []*event.Event, resync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictAged(time.Now())

	start := 0
	if lastID != "" {
		resync = true
		for i, ev := range b.items {
			if ev.ID == lastID {
				start = i + 1
				resync = false
				break
			}
		}
	}

	rest := b.items[start:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	events = make([]*event.Event, len(rest))
	copy(events, rest)
	return events, resync
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictAged(time.Now())
	return len(b.items)
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/streamgate/streamgate/internal/domain/event"
	"github.com/streamgate/streamgate/internal/domain/filter"
)

// MaxPollWait bounds how long a single poll call may hold the connection.
const MaxPollWait = 60 * time.Second

// PollResult is one poll response. TimedOut is set when the wait budget
// elapsed with nothing to deliver.
type PollResult struct {
	Events   []*event.Event `json:"events"`
	TimedOut bool           `json:"timed_out"`
}

// pollSession is a pull-based consumer backed by a regular subscription.
// Delivered event ids are remembered in a bounded, expiring set so a session
// never sees the same id twice.
type pollSession struct {
	ID          string
	Correlation event.Correlation
	SubID       string

	delivered *expirable.LRU[string, struct{}]

	// mu also serializes scan-and-record in collectUndelivered so two
	// concurrent polls on the same session cannot hand out the same id.
	mu             sync.Mutex
	lastActivityAt time.Time
}

func (p *pollSession) touch() {
	p.mu.Lock()
	p.lastActivityAt = time.Now()
	p.mu.Unlock()
}

func (p *pollSession) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActivityAt)
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*pollSession
	cfg      Config
}

func newSessionStore(cfg Config) *sessionStore {
	return &sessionStore{sessions: make(map[string]*pollSession), cfg: cfg}
}

func (st *sessionStore) add(sess *pollSession) {
	st.mu.Lock()
	st.sessions[sess.ID] = sess
	st.mu.Unlock()
}

func (st *sessionStore) get(id string) (*pollSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

func (st *sessionStore) remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// reapIdle removes sessions idle past the configured window and runs onReap
// for each so the caller can drop the backing subscription.
func (st *sessionStore) reapIdle(now time.Time, onReap func(*pollSession)) int {
	st.mu.Lock()
	var victims []*pollSession
	for id, sess := range st.sessions {
		if sess.idleSince(now) > st.cfg.SessionIdle {
			victims = append(victims, sess)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, sess := range victims {
		onReap(sess)
	}
	return len(victims)
}

func (st *sessionStore) purge() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.sessions)
	st.sessions = make(map[string]*pollSession)
	return n
}

// CreatePollSession registers a pull consumer with its own subscription and
// buffer. The session id doubles as the subscription owner, so reclamation
// cascades the same way connection removal does.
func (s *Service) CreatePollSession(corr event.Correlation, fs filter.Set, threshold event.Priority) (string, error) {
	if threshold == 0 {
		threshold = event.PriorityLow
	}
	sess := &pollSession{
		ID:          uuid.NewString(),
		Correlation: corr,
		delivered:   expirable.NewLRU[string, struct{}](s.cfg.DeliveredCap, nil, s.cfg.DeliveredTTL),
	}
	sess.touch()

	sub, err := s.broadcaster.CreateSubscription(sess.ID, fs, threshold, 0, 0)
	if err != nil {
		return "", err
	}
	sess.SubID = sub.ID
	s.sessions.add(sess)

	s.logger.Debug("poll session created", "session_id", sess.ID, "user_id", corr.UserID)
	return sess.ID, nil
}

// Poll returns undelivered events for the session, waiting up to wait for
// the first one. The call never exceeds the wait budget by more than one
// wakeup; an empty result with TimedOut=true is the normal idle outcome.
func (s *Service) Poll(ctx context.Context, sessionID string, wait time.Duration, maxEvents int) (*PollResult, error) {
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	sess.touch()

	if wait < 0 {
		wait = 0
	}
	if wait > MaxPollWait {
		wait = MaxPollWait
	}
	if maxEvents <= 0 {
		maxEvents = 100
	}

	sub, ok := s.broadcaster.Subscription(sess.SubID)
	if !ok {
		return nil, ErrNotFound
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		// Arm the wakeup before scanning so an append between scan and wait
		// cannot be missed.
		wake := sub.Wait()

		if events := s.collectUndelivered(sess, maxEvents); len(events) > 0 {
			sess.touch()
			s.mreg.EventsDelivered.Add(context.Background(), int64(len(events)))
			return &PollResult{Events: events}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return &PollResult{Events: []*event.Event{}, TimedOut: true}, nil
		case <-wake:
		}
	}
}

// collectUndelivered scans the session's buffer for ids not yet handed out
// and records what it returns. The session lock is held for the whole
// scan-and-record step so concurrent polls partition the buffer instead of
// both returning the same events.
func (s *Service) collectUndelivered(sess *pollSession, maxEvents int) []*event.Event {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	buffered, _, err := s.broadcaster.EventsSince(sess.SubID, "", 0)
	if err != nil {
		return nil
	}
	var out []*event.Event
	for _, ev := range buffered {
		if _, seen := sess.delivered.Get(ev.ID); seen {
			continue
		}
		out = append(out, ev)
		if len(out) >= maxEvents {
			break
		}
	}
	for _, ev := range out {
		sess.delivered.Add(ev.ID, struct{}{})
	}
	return out
}

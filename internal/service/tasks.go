package service

import (
	"context"
	"sync"
)

// taskSet supervises per-connection goroutines so shutdown can cancel and
// await all of them deterministically instead of firing and forgetting.
type taskSet struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func newTaskSet() *taskSet {
	return &taskSet{cancels: make(map[string]context.CancelFunc)}
}

// spawn runs fn under a child context tracked by id. It reports false when
// the set is already closed.
func (t *taskSet) spawn(parent context.Context, id string, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return false
	}
	t.cancels[id] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.cancels, id)
			t.mu.Unlock()
			cancel()
			t.wg.Done()
		}()
		fn(ctx)
	}()
	return true
}

// cancel stops one task if it is still running.
func (t *taskSet) cancel(id string) {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// shutdown cancels every task and waits for them, bounded by ctx.
func (t *taskSet) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for _, c := range t.cancels {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *taskSet) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

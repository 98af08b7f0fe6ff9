package server

import (
	"context"
	"sync"
)

// tracker follows live relays so shutdown can wait for them and cancel the
// stragglers. Once draining, it refuses new relays.
type tracker struct {
	mu       sync.Mutex
	relays   map[string]*trackedRelay
	active   int
	idle     chan struct{} // closed while active == 0
	draining bool
}

type trackedRelay struct {
	cancel func()
	once   sync.Once
}

func newTracker() *tracker {
	idle := make(chan struct{})
	close(idle)
	return &tracker{relays: make(map[string]*trackedRelay), idle: idle}
}

// register records a live relay. It reports false once the tracker is
// draining; the caller must not start the relay then.
func (t *tracker) register(id string, cancel func()) (unregister func(), ok bool) {
	entry := &trackedRelay{cancel: cancel}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return func() {}, false
	}
	old := t.relays[id]
	t.relays[id] = entry
	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }, true
}

func (t *tracker) unregister(id string, entry *trackedRelay) {
	entry.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.relays[id] == entry {
			delete(t.relays, id)
		}
		t.active--
		if t.active == 0 {
			close(t.idle)
		}
	})
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.relays)
}

func (t *tracker) cancelAll() int {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.relays))
	for _, entry := range t.relays {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// drain stops new registrations.
func (t *tracker) drain() {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
}

// wait blocks until every registered relay has unregistered or ctx ends.
func (t *tracker) wait(ctx context.Context) bool {
	for {
		t.mu.Lock()
		if t.active == 0 {
			t.mu.Unlock()
			return true
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
			// A relay may have registered after the count hit zero.
		case <-ctx.Done():
			return false
		}
	}
}

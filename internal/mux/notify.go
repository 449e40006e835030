package mux

import (
	"sync"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// notifyTable holds one-shot waiters keyed by channel name, used to match
// peer-status and relay responses to their pending requests.
type notifyTable struct {
	mu      sync.Mutex
	waiters map[protocol.ID]chan struct{}
}

func newNotifyTable() *notifyTable {
	return &notifyTable{waiters: make(map[protocol.ID]chan struct{})}
}

// register installs a waiter for name and returns its signal channel plus a
// cancel func the requester must call when done. A second register for the
// same name replaces the first.
func (t *notifyTable) register(name protocol.ID) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.waiters[name] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if t.waiters[name] == ch {
			delete(t.waiters, name)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// signal fires the waiter registered for name, if any. A miss is a benign
// race with a timed-out requester.
func (t *notifyTable) signal(name protocol.ID) bool {
	t.mu.Lock()
	ch, ok := t.waiters[name]
	if ok {
		delete(t.waiters, name)
	}
	t.mu.Unlock()

	if ok {
		close(ch)
	}
	return ok
}

// await blocks until signalled, the timeout elapses, or done closes.
func await(signalled <-chan struct{}, timeout time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signalled:
		return true
	case <-timer.C:
		return false
	case <-done:
		return false
	}
}

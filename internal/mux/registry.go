package mux

import (
	"sync"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// registry is one of the three kind-scoped name→channel tables of a
// connection. Names are unique per kind and independent across kinds.
type registry struct {
	mu    sync.Mutex
	chans map[protocol.ID]*Channel
}

func newRegistry() *registry {
	return &registry{chans: make(map[protocol.ID]*Channel)}
}

// insert adds ch under its name. A second channel with the same name fails
// with ErrDuplicateChannel.
func (r *registry) insert(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.chans[ch.name]; exists {
		return ErrDuplicateChannel
	}
	r.chans[ch.name] = ch
	return nil
}

// get looks up a channel by name.
func (r *registry) get(name protocol.ID) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[name]
	return ch, ok
}

// has reports whether a channel with the given name is registered.
func (r *registry) has(name protocol.ID) bool {
	_, ok := r.get(name)
	return ok
}

// remove deletes ch from the table. The entry stays if the name has been
// taken over by another channel; a missing name is a benign race with
// disposal.
func (r *registry) remove(name protocol.ID, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chans[name] == ch {
		delete(r.chans, name)
	}
}

// drain empties the table and returns a snapshot, so shutdown can dispose
// channels without holding the lock.
func (r *registry) drain() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]*Channel, 0, len(r.chans))
	for _, ch := range r.chans {
		snapshot = append(snapshot, ch)
	}
	clear(r.chans)
	return snapshot
}

// Package relay implements the relay registry a bitmesh node uses to host
// relays on behalf of remote peers. It is injected into each connection;
// there is no process-global registry.
package relay

import (
	"net/netip"
	"sync"

	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// Registry tracks which connections this node relays for, and which mesh
// channel names it has seen on them. A relay node cannot derive a member's
// channel name from the network ID alone (the name also depends on the two
// peer IDs), so membership is learned by observation: a peer lookup for a
// channel records the asking connection as a member of that channel when
// this node hosts at least one relay for it. Lookups from other connections
// are answered but not recorded.
type Registry struct {
	mu sync.Mutex

	// relaying marks connections with at least one hosted relay.
	relaying map[*mux.Conn]int

	// members maps a channel name to the connections seen opening it.
	members map[protocol.ID]map[*mux.Conn]netip.AddrPort
}

// NewRegistry creates an empty relay registry.
func NewRegistry() *Registry {
	return &Registry{
		relaying: make(map[*mux.Conn]int),
		members:  make(map[protocol.ID]map[*mux.Conn]netip.AddrPort),
	}
}

// PeerEndpoints records asker as a member of the channel (when this node
// relays for it) and returns the remote endpoints of the other member
// connections that are still alive.
func (r *Registry) PeerEndpoints(channel protocol.ID, asker *mux.Conn) []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	group := r.members[channel]
	if group == nil {
		group = make(map[*mux.Conn]netip.AddrPort)
		r.members[channel] = group
	}
	if _, hosted := r.relaying[asker]; hosted {
		group[asker] = asker.RemoteAddr()
	}

	var eps []netip.AddrPort
	for conn, ep := range group {
		if conn == asker {
			continue
		}
		select {
		case <-conn.Done():
			delete(group, conn)
		default:
			eps = append(eps, ep)
		}
	}
	return eps
}

// Start registers a relay for the network on behalf of conn. Tracker URIs
// are recorded with the relay; announcement is up to the caller's tracker
// client.
func (r *Registry) Start(network protocol.ID, conn *mux.Conn, trackers []string) (mux.RelayHandle, error) {
	r.mu.Lock()
	r.relaying[conn]++
	r.mu.Unlock()

	util.Infof("hosting relay for network %s (%d trackers)", network.Short(), len(trackers))
	return &handle{registry: r, network: network, conn: conn, trackers: trackers}, nil
}

// handle is one hosted relay; Stop retracts it.
type handle struct {
	registry *Registry
	network  protocol.ID
	conn     *mux.Conn
	trackers []string

	stopOnce sync.Once
}

func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		r := h.registry
		r.mu.Lock()
		if n := r.relaying[h.conn]; n <= 1 {
			delete(r.relaying, h.conn)
			for channel, group := range r.members {
				delete(group, h.conn)
				if len(group) == 0 {
					delete(r.members, channel)
				}
			}
		} else {
			r.relaying[h.conn] = n - 1
		}
		r.mu.Unlock()

		util.Infof("stopped relay for network %s", h.network.Short())
	})
}

// Package app wires the multiplexer into a runnable bitmesh node: a
// connection manager, transport listeners, and the host/client chat roles.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// Node is the connection manager of a bitmesh process. It dials peers,
// adopts inbound streams, and tracks live connections by remote endpoint.
// It implements mux.ConnManager, so connections can service proxy tunnels
// and virtual connections through it.
type Node struct {
	peerID protocol.ID
	relays mux.RelayService
	dht    mux.DHTClient
	events mux.Events

	mu    sync.Mutex
	conns map[netip.AddrPort]*mux.Conn
}

// NewNode creates a node with the given identity and collaborators. relays
// and dht may be nil.
func NewNode(peerID protocol.ID, relays mux.RelayService, dht mux.DHTClient, events mux.Events) *Node {
	return &Node{
		peerID: peerID,
		relays: relays,
		dht:    dht,
		events: events,
		conns:  make(map[netip.AddrPort]*mux.Conn),
	}
}

// PeerID returns the node's peer identifier.
func (n *Node) PeerID() protocol.ID { return n.peerID }

// Connect returns the live connection to ep, dialing a new TCP link if none
// exists.
func (n *Node) Connect(ep netip.AddrPort) (*mux.Conn, error) {
	n.mu.Lock()
	conn, ok := n.conns[ep]
	n.mu.Unlock()
	if ok {
		return conn, nil
	}

	raw, err := net.Dial("tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", ep, err)
	}
	return n.Adopt(raw, ep)
}

// IsReachable reports whether a live connection to ep exists right now.
func (n *Node) IsReachable(ep netip.AddrPort) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.conns[ep]
	return ok
}

// AcceptVirtual adopts an inbound virtual-connection channel as the base
// stream of a nested connection to the named endpoint.
func (n *Node) AcceptVirtual(stream io.ReadWriteCloser, ep netip.AddrPort) {
	if _, err := n.Adopt(stream, ep); err != nil {
		util.Warnf("adopt virtual connection from %s: %v", ep, err)
		stream.Close()
	}
}

// Adopt performs the identity handshake on a fresh base stream and brings
// the multiplexed connection up. Each side writes its 20-byte peer ID and
// reads the other's; authentication of the stream is the transport's job.
func (n *Node) Adopt(stream io.ReadWriteCloser, ep netip.AddrPort) (*mux.Conn, error) {
	if _, err := stream.Write(n.peerID[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("handshake send: %w", err)
	}
	var remote protocol.ID
	if _, err := io.ReadFull(stream, remote[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("handshake recv: %w", err)
	}

	events := n.events
	userDisposed := events.Disposed
	events.Disposed = func(c *mux.Conn) {
		n.mu.Lock()
		if n.conns[c.RemoteAddr()] == c {
			delete(n.conns, c.RemoteAddr())
		}
		n.mu.Unlock()
		if userDisposed != nil {
			userDisposed(c)
		}
	}

	conn := mux.NewConn(stream, mux.Config{
		LocalPeer:  n.peerID,
		RemotePeer: remote,
		RemoteAddr: ep,
		Manager:    n,
		DHT:        n.dht,
		Relays:     n.relays,
		Events:     events,
	})

	n.mu.Lock()
	if old, ok := n.conns[ep]; ok {
		n.mu.Unlock()
		conn.Close()
		return old, nil
	}
	n.conns[ep] = conn
	n.mu.Unlock()

	conn.Start()
	util.Infof("connected to peer %s at %s", remote.Short(), ep)
	return conn, nil
}

// Listen accepts inbound TCP peers on addr until ctx is cancelled.
func (n *Node) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.Infof("listening for peers on %s", listener.Addr())

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept peer: %w", err)
			}
		}

		go func(c net.Conn) {
			ep, err := netip.ParseAddrPort(c.RemoteAddr().String())
			if err != nil {
				c.Close()
				return
			}
			if _, err := n.Adopt(c, ep); err != nil {
				util.Warnf("inbound peer %s rejected: %v", ep, err)
			}
		}(raw)
	}
}

// Conns returns a snapshot of the live connections.
func (n *Node) Conns() []*mux.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*mux.Conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll disposes every live connection.
func (n *Node) CloseAll() {
	for _, c := range n.Conns() {
		c.Close()
	}
}

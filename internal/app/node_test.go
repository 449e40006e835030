package app

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// freeAddr finds a free TCP port on loopback.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitForListener polls addr until a TCP connection succeeds.
func waitForListener(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("listener at %s not ready within %v", addr, timeout)
}

// TestNodeConnectHandshake dials one node from another and verifies the
// identity handshake, connection tracking, and a mesh channel end to end.
func TestNodeConnectHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	networkID := NetworkID("test-mesh")

	var mu sync.Mutex
	var opened *mux.Channel
	hostEvents := mux.Events{ChannelOpen: func(c *mux.Conn, ch *mux.Channel) {
		mu.Lock()
		opened = ch
		mu.Unlock()
	}}

	host := NewNode(protocol.RandomID(), nil, nil, hostEvents)
	client := NewNode(protocol.RandomID(), nil, nil, mux.Events{})
	defer host.CloseAll()
	defer client.CloseAll()

	addr := freeAddr(t)
	go func() {
		if err := host.Listen(ctx, addr); err != nil {
			t.Errorf("host listen: %v", err)
		}
	}()
	waitForListener(t, addr, 5*time.Second)

	ep := netip.MustParseAddrPort(addr)
	conn, err := client.Connect(ep)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if conn.LocalPeer() != client.PeerID() {
		t.Errorf("local peer = %v, want %v", conn.LocalPeer(), client.PeerID())
	}
	if conn.RemotePeer() != host.PeerID() {
		t.Errorf("remote peer = %v, want %v", conn.RemotePeer(), host.PeerID())
	}
	if !client.IsReachable(ep) {
		t.Error("client does not report the host reachable")
	}

	// A second Connect must reuse the live connection.
	again, err := client.Connect(ep)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if again != conn {
		t.Error("second Connect dialed a new connection")
	}

	// Run a mesh channel across the two nodes.
	name := protocol.MeshChannelName(networkID, conn.LocalPeer(), conn.RemotePeer())
	ch, err := conn.OpenMeshChannel(name)
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		ready := opened != nil
		mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never observed the mesh channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	hostCh := opened
	mu.Unlock()
	if hostCh.Name() != name {
		t.Fatalf("host channel name = %v, want %v", hostCh.Name(), name)
	}

	if _, err := ch.Write([]byte("over tcp")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 8)
	n, err := hostCh.Read(got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[:n], []byte("over tcp")) {
		t.Fatalf("got %q", got[:n])
	}

	// Teardown clears the tracking table.
	client.CloseAll()
	deadline = time.Now().Add(5 * time.Second)
	for client.IsReachable(ep) {
		if time.Now().After(deadline) {
			t.Fatal("closed connection still reachable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestNetworkIDDeterministic pins the passphrase derivation.
func TestNetworkIDDeterministic(t *testing.T) {
	if NetworkID("alpha") != NetworkID("alpha") {
		t.Fatal("same passphrase produced different network IDs")
	}
	if NetworkID("alpha") == NetworkID("beta") {
		t.Fatal("different passphrases produced the same network ID")
	}
}

package mux

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// threeNodes wires A↔B and B↔C with pipes, giving B a manager that routes
// C's endpoint to its live connection. Returns A's conn to B and C's
// manager (whose AcceptVirtual the test customizes before traffic flows).
func threeNodes(t *testing.T) (ab *Conn, epC netip.AddrPort, managerC *testManager) {
	t.Helper()

	peerA := protocol.RandomID()
	peerB := protocol.RandomID()
	peerC := protocol.RandomID()
	epA := netip.MustParseAddrPort("10.0.0.1:5001")
	epB := netip.MustParseAddrPort("10.0.0.2:5002")
	epC = netip.MustParseAddrPort("10.0.0.3:5003")

	managerB := newTestManager()
	managerC = newTestManager()

	sa, sb1 := net.Pipe()
	sb2, sc := net.Pipe()

	ab = NewConn(sa, Config{LocalPeer: peerA, RemotePeer: peerB, RemoteAddr: epB})
	ba := NewConn(sb1, Config{LocalPeer: peerB, RemotePeer: peerA, RemoteAddr: epA, Manager: managerB})
	bc := NewConn(sb2, Config{LocalPeer: peerB, RemotePeer: peerC, RemoteAddr: epC, Manager: managerB})
	cb := NewConn(sc, Config{LocalPeer: peerC, RemotePeer: peerB, RemoteAddr: epB, Manager: managerC})

	managerB.add(epC, bc)

	t.Cleanup(func() {
		for _, c := range []*Conn{ab, ba, bc, cb} {
			c.Close()
		}
	})
	for _, c := range []*Conn{ab, ba, bc, cb} {
		c.Start()
	}
	return ab, epC, managerC
}

// TestProxyTunnelSplice covers the full proxy path: A opens a tunnel to C
// through B; B splices the tunnel onto a virtual channel toward C; bytes
// round-trip through an echo at C; closing A's end tears everything down.
func TestProxyTunnelSplice(t *testing.T) {
	ab, epC, managerC := threeNodes(t)

	echoReady := make(chan io.ReadWriteCloser, 1)
	managerC.onVirtual = func(stream io.ReadWriteCloser, from netip.AddrPort) {
		if want := netip.MustParseAddrPort("10.0.0.1:5001"); from != want {
			t.Errorf("virtual connection from %v, want %v", from, want)
		}
		echoReady <- stream
		// Echo until the channel closes.
		io.Copy(stream, stream)
		stream.Close()
	}

	tunnel, err := ab.OpenProxyTunnel(epC)
	if err != nil {
		t.Fatalf("OpenProxyTunnel: %v", err)
	}

	sent := makeTestData(64*1024, 9)
	errCh := make(chan error, 1)
	go func() {
		_, err := tunnel.Write(sent)
		errCh <- err
	}()

	got := readAll(t, tunnel, len(sent))
	if err := <-errCh; err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatalf("echo mismatch: got %d bytes", len(got))
	}

	// Closing A's end must propagate to C's end of the splice.
	var echoStream io.ReadWriteCloser
	select {
	case echoStream = <-echoReady:
	case <-time.After(5 * time.Second):
		t.Fatal("virtual stream never surfaced at C")
	}
	ch := echoStream.(*Channel)

	tunnel.Close()
	waitFor(t, 5*time.Second, func() bool { return ch.isClosed() },
		"C's end of the splice did not close")
}

// TestVirtualConnection nests a second mux inside a proxy tunnel: A runs a
// connection over its tunnel channel, C runs one over the virtual channel,
// and a mesh channel flows end to end through both muxes.
func TestVirtualConnection(t *testing.T) {
	ab, epC, managerC := threeNodes(t)

	peerA2 := protocol.RandomID()
	peerC2 := protocol.RandomID()
	sink := &channelSink{}
	nestedReady := make(chan *Conn, 1)

	managerC.onVirtual = func(stream io.ReadWriteCloser, from netip.AddrPort) {
		nested := NewConn(stream, Config{
			LocalPeer:  peerC2,
			RemotePeer: peerA2,
			RemoteAddr: from,
			Events:     Events{ChannelOpen: sink.open},
		})
		nested.Start()
		nestedReady <- nested
	}

	tunnel, err := ab.OpenProxyTunnel(epC)
	if err != nil {
		t.Fatalf("OpenProxyTunnel: %v", err)
	}

	nestedA := NewConn(tunnel, Config{
		LocalPeer:  peerA2,
		RemotePeer: peerC2,
		RemoteAddr: epC,
	})
	defer nestedA.Close()
	nestedA.Start()

	if !nestedA.IsVirtual() {
		t.Fatal("connection over a channel does not report IsVirtual")
	}

	chA, err := nestedA.OpenMeshChannel(protocol.RandomID())
	if err != nil {
		t.Fatalf("nested OpenMeshChannel: %v", err)
	}

	var nestedC *Conn
	select {
	case nestedC = <-nestedReady:
	case <-time.After(5 * time.Second):
		t.Fatal("nested connection never surfaced at C")
	}
	defer nestedC.Close()
	if !nestedC.IsVirtual() {
		t.Fatal("C's nested connection does not report IsVirtual")
	}

	chC := sink.get(t)

	sent := makeTestData(100_000, 5)
	errCh := make(chan error, 1)
	go func() {
		_, err := chA.Write(sent)
		errCh <- err
	}()

	got := readAll(t, chC, len(sent))
	if err := <-errCh; err != nil {
		t.Fatalf("nested write: %v", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatalf("nested transfer mismatch: got %d bytes", len(got))
	}
}

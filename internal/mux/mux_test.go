package mux

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// newConnPair links two connections with an in-process pipe, so frames
// written by one side are read by the other with real blocking semantics.
func newConnPair(t *testing.T, cfgA, cfgB Config) (*Conn, *Conn) {
	t.Helper()

	peerA := protocol.RandomID()
	peerB := protocol.RandomID()
	epA := netip.MustParseAddrPort("127.0.0.1:4101")
	epB := netip.MustParseAddrPort("127.0.0.1:4102")

	cfgA.LocalPeer, cfgA.RemotePeer, cfgA.RemoteAddr = peerA, peerB, epB
	cfgB.LocalPeer, cfgB.RemotePeer, cfgB.RemoteAddr = peerB, peerA, epA

	sa, sb := net.Pipe()
	a := NewConn(sa, cfgA)
	b := NewConn(sb, cfgB)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	a.Start()
	b.Start()
	return a, b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// channelSink captures peer-opened mesh channels.
type channelSink struct {
	mu    sync.Mutex
	chans []*Channel
}

func (s *channelSink) open(_ *Conn, ch *Channel) {
	s.mu.Lock()
	s.chans = append(s.chans, ch)
	s.mu.Unlock()
}

func (s *channelSink) get(t *testing.T) *Channel {
	t.Helper()
	var ch *Channel
	waitFor(t, 5*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.chans) == 0 {
			return false
		}
		ch = s.chans[0]
		return true
	}, "peer did not observe channel open")
	return ch
}

// testManager is an in-process ConnManager for tunnel, virtual-connection,
// and peer-status tests.
type testManager struct {
	mu        sync.Mutex
	conns     map[netip.AddrPort]*Conn
	reachable map[netip.AddrPort]bool
	onVirtual func(io.ReadWriteCloser, netip.AddrPort)
}

func newTestManager() *testManager {
	return &testManager{
		conns:     make(map[netip.AddrPort]*Conn),
		reachable: make(map[netip.AddrPort]bool),
	}
}

func (m *testManager) add(ep netip.AddrPort, conn *Conn) {
	m.mu.Lock()
	m.conns[ep] = conn
	m.reachable[ep] = true
	m.mu.Unlock()
}

func (m *testManager) Connect(ep netip.AddrPort) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[ep]; ok {
		return conn, nil
	}
	return nil, fmt.Errorf("no route to %s", ep)
}

func (m *testManager) IsReachable(ep netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable[ep]
}

func (m *testManager) AcceptVirtual(stream io.ReadWriteCloser, ep netip.AddrPort) {
	m.mu.Lock()
	fn := m.onVirtual
	m.mu.Unlock()
	if fn != nil {
		fn(stream, ep)
	} else {
		stream.Close()
	}
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// readAll reads exactly size bytes from the channel.
func readAll(t *testing.T, ch *Channel, size int) []byte {
	t.Helper()
	got := make([]byte, 0, size)
	buf := make([]byte, 64*1024)
	for len(got) < size {
		n, err := ch.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			t.Fatalf("read after %d/%d bytes: %v", len(got), size, err)
		}
	}
	return got
}

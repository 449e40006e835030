// Package mux implements the bitmesh peer-to-peer connection multiplexer:
// a framed signal protocol over a single reliable byte stream, carrying any
// number of logical channels plus control signals for peer probing, relay
// registration, NAT-traversal tunnels, and invitations.
package mux

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// Control request deadlines.
var (
	peerStatusTimeout = 10 * time.Second
	relayStartTimeout = 120 * time.Second
	relayStopTimeout  = 10 * time.Second
)

// ConnManager establishes and tracks connections to peers. It is implemented
// outside the mux; the mux calls it while servicing proxy tunnels, virtual
// connections, and peer-status queries.
type ConnManager interface {
	// Connect returns a live connection to the given peer endpoint,
	// dialing one if necessary.
	Connect(ep netip.AddrPort) (*Conn, error)

	// IsReachable reports whether a live connection to the endpoint
	// exists, for answering peer-status queries.
	IsReachable(ep netip.AddrPort) bool

	// AcceptVirtual adopts an inbound virtual-connection channel as the
	// base stream of a new nested connection to the named peer endpoint.
	AcceptVirtual(stream io.ReadWriteCloser, ep netip.AddrPort)
}

// DHTClient consumes out-of-band DHT datagrams carried by the mux.
type DHTClient interface {
	HandlePacket(payload []byte, from netip.Addr)
}

// RelayService hosts relays on behalf of remote peers and answers peer
// lookups by channel name. It is injected; the mux keeps no global state.
type RelayService interface {
	// PeerEndpoints returns the remote endpoints of other connections
	// known to carry the given channel name, excluding the asking one.
	PeerEndpoints(channel protocol.ID, exclude *Conn) []netip.AddrPort

	// Start registers a relay for the network on behalf of conn.
	Start(network protocol.ID, conn *Conn, trackers []string) (RelayHandle, error)
}

// RelayHandle stops one hosted relay.
type RelayHandle interface {
	Stop()
}

// Events are callbacks fired by the reader loop. All of them are invoked on
// worker goroutines with no mux lock held, so handlers may call back into
// the connection freely. Nil fields are skipped.
type Events struct {
	// ChannelOpen fires when the peer opens a mesh network channel.
	ChannelOpen func(*Conn, *Channel)

	// Invitation fires when the peer sends a mesh invitation. The ID is
	// the network being invited to.
	Invitation func(*Conn, protocol.ID, netip.AddrPort, string)

	// RelayPeers fires when a relay reports other peers' endpoints.
	RelayPeers func(*Conn, []netip.AddrPort)

	// Disposed fires once, after the connection has fully closed.
	Disposed func(*Conn)
}

// Config carries the identity and collaborators of a connection.
type Config struct {
	LocalPeer  protocol.ID
	RemotePeer protocol.ID
	RemoteAddr netip.AddrPort

	Manager ConnManager
	DHT     DHTClient
	Relays  RelayService
	Events  Events
}

// Conn multiplexes channels and control signals over one reliable base
// stream. It owns the stream exclusively: a single reader goroutine pulls
// frames, and all writers serialize on the frame writer's lock.
type Conn struct {
	stream  io.ReadWriteCloser
	virtual bool

	cfg Config

	fw *protocol.FrameWriter
	fr *protocol.FrameReader

	// regs holds the three kind-scoped channel tables.
	regs [protocol.NumKinds]*registry

	jointMu sync.Mutex
	joints  map[*Joint]struct{}

	statusWaiters *notifyTable
	relayWaiters  *notifyTable

	relayMu      sync.Mutex
	hostedRelays map[protocol.ID]RelayHandle

	writeTimeout atomic.Int64 // slot-stall budget handed to new channels

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps a base stream in a multiplexed connection. The stream must
// be reliable and bidirectional; if it is itself a Channel, the connection
// is virtual (a nested mux riding an outer one). Call Start to begin
// reading frames.
func NewConn(stream io.ReadWriteCloser, cfg Config) *Conn {
	base, nested := stream.(*Channel)
	if nested {
		// The mux reader has no idle deadline; only closure ends it.
		base.SetReadTimeout(0)
	}
	c := &Conn{
		stream:        stream,
		virtual:       nested,
		cfg:           cfg,
		fw:            protocol.NewFrameWriter(stream),
		fr:            protocol.NewFrameReader(stream),
		joints:        make(map[*Joint]struct{}),
		statusWaiters: newNotifyTable(),
		relayWaiters:  newNotifyTable(),
		hostedRelays:  make(map[protocol.ID]RelayHandle),
		closed:        make(chan struct{}),
	}
	for k := range c.regs {
		c.regs[k] = newRegistry()
	}
	c.writeTimeout.Store(int64(DefaultTimeout))
	util.Stats.AddConn()
	return c
}

// Start spawns the reader goroutine. Idempotent.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// LocalPeer returns the local peer ID.
func (c *Conn) LocalPeer() protocol.ID { return c.cfg.LocalPeer }

// RemotePeer returns the remote peer ID.
func (c *Conn) RemotePeer() protocol.ID { return c.cfg.RemotePeer }

// RemoteAddr returns the remote peer's endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.cfg.RemoteAddr }

// IsVirtual reports whether the base stream is itself a channel of an
// outer connection.
func (c *Conn) IsVirtual() bool { return c.virtual }

// ChannelWriteTimeout returns the slot-stall timeout assigned to newly
// created channels.
func (c *Conn) ChannelWriteTimeout() time.Duration {
	if d := c.writeTimeout.Load(); d != 0 {
		return time.Duration(d)
	}
	return DefaultTimeout
}

// SetChannelWriteTimeout changes the slot-stall timeout for channels
// created afterwards.
func (c *Conn) SetChannelWriteTimeout(d time.Duration) {
	c.writeTimeout.Store(int64(d))
}

// Done returns a channel closed when the connection has been disposed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) registry(kind protocol.Kind) *registry { return c.regs[kind] }

// writeFrame serializes one logical write onto the base stream.
func (c *Conn) writeFrame(signal protocol.Signal, channel protocol.ID, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if err := c.fw.WriteFrame(signal, channel, payload); err != nil {
		return err
	}
	util.Stats.AddSent(len(payload))
	return nil
}

// ---------------------------------------------------------------------------
// Channel operations
// ---------------------------------------------------------------------------

// OpenMeshChannel registers a mesh network channel under the given name and
// announces it to the peer.
func (c *Conn) OpenMeshChannel(name protocol.ID) (*Channel, error) {
	return c.openChannel(protocol.KindMesh, name)
}

// HasMeshChannel reports whether a mesh channel with the given name exists.
func (c *Conn) HasMeshChannel(name protocol.ID) bool {
	return c.registry(protocol.KindMesh).has(name)
}

// OpenProxyTunnel opens a tunnel channel to the given endpoint through the
// remote peer. The peer splices it onto a virtual connection toward the
// endpoint; bytes written here surface on the far side.
func (c *Conn) OpenProxyTunnel(ep netip.AddrPort) (*Channel, error) {
	name, err := protocol.EndpointChannelName(ep)
	if err != nil {
		return nil, err
	}
	return c.openChannel(protocol.KindTunnel, name)
}

// requestVirtualChannel opens a virtual-connection channel named after the
// peer the nested connection is for. Used while servicing an inbound proxy
// tunnel on another connection.
func (c *Conn) requestVirtualChannel(ep netip.AddrPort) (*Channel, error) {
	name, err := protocol.EndpointChannelName(ep)
	if err != nil {
		return nil, err
	}
	return c.openChannel(protocol.KindVirtual, name)
}

func (c *Conn) openChannel(kind protocol.Kind, name protocol.ID) (*Channel, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}

	ch := newChannel(c, kind, name)
	if err := c.registry(kind).insert(ch); err != nil {
		return nil, err
	}
	if err := c.writeFrame(kind.ConnectSignal(), name, nil); err != nil {
		ch.close(false)
		return nil, fmt.Errorf("open %s channel: %w", kind, err)
	}
	return ch, nil
}

// ---------------------------------------------------------------------------
// Control requests
// ---------------------------------------------------------------------------

// RequestPeerStatus asks the remote peer whether it holds a live connection
// to the given endpoint. It returns true iff an affirmative reply arrives
// within 10 seconds.
func (c *Conn) RequestPeerStatus(ep netip.AddrPort) (bool, error) {
	name, err := protocol.EndpointChannelName(ep)
	if err != nil {
		return false, err
	}

	signalled, cancel := c.statusWaiters.register(name)
	defer cancel()

	if err := c.writeFrame(protocol.SignalPeerStatusQuery, name, nil); err != nil {
		return false, err
	}
	return await(signalled, peerStatusTimeout, c.closed), nil
}

// RequestRelayStart asks the remote peer to host relays for the given
// networks, announced on the given trackers. The network IDs are masked
// with a per-request random channel name so they stay off the wire. Returns
// true iff the peer acknowledges within 120 seconds.
func (c *Conn) RequestRelayStart(networks []protocol.ID, trackers []string) (bool, error) {
	name := protocol.RandomID()
	payload, err := protocol.EncodeRelayStart(name, networks, trackers)
	if err != nil {
		return false, err
	}

	signalled, cancel := c.relayWaiters.register(name)
	defer cancel()

	if err := c.writeFrame(protocol.SignalRelayStart, name, payload); err != nil {
		return false, err
	}
	return await(signalled, relayStartTimeout, c.closed), nil
}

// RequestRelayStop asks the remote peer to stop hosting relays for the
// given networks. Returns true iff acknowledged within 10 seconds.
func (c *Conn) RequestRelayStop(networks []protocol.ID) (bool, error) {
	name := protocol.RandomID()
	payload, err := protocol.EncodeRelayStop(name, networks)
	if err != nil {
		return false, err
	}

	signalled, cancel := c.relayWaiters.register(name)
	defer cancel()

	if err := c.writeFrame(protocol.SignalRelayStop, name, payload); err != nil {
		return false, err
	}
	return await(signalled, relayStopTimeout, c.closed), nil
}

// SendNoop emits a keepalive frame. The channel name is random and ignored
// by the receiver; the caller owns the keepalive schedule.
func (c *Conn) SendNoop() error {
	return c.writeFrame(protocol.SignalNoop, protocol.RandomID(), nil)
}

// SendDHTPacket carries a DHT datagram to the remote peer out of band. The
// channel name is random and ignored by the receiver.
func (c *Conn) SendDHTPacket(payload []byte) error {
	return c.writeFrame(protocol.SignalDHTPacket, protocol.RandomID(), payload)
}

// SendInvitation invites the remote peer into a mesh network. The channel
// name carries the network ID; the payload is the UTF-8 message.
func (c *Conn) SendInvitation(network protocol.ID, message string) error {
	return c.writeFrame(protocol.SignalMeshInvitation, network, []byte(message))
}

// ---------------------------------------------------------------------------
// Joints and hosted relays
// ---------------------------------------------------------------------------

func (c *Conn) addJoint(j *Joint) {
	c.jointMu.Lock()
	c.joints[j] = struct{}{}
	c.jointMu.Unlock()
}

func (c *Conn) removeJoint(j *Joint) {
	c.jointMu.Lock()
	delete(c.joints, j)
	c.jointMu.Unlock()
}

func (c *Conn) drainJoints() []*Joint {
	c.jointMu.Lock()
	defer c.jointMu.Unlock()
	snapshot := make([]*Joint, 0, len(c.joints))
	for j := range c.joints {
		snapshot = append(snapshot, j)
	}
	clear(c.joints)
	return snapshot
}

func (c *Conn) drainHostedRelays() []RelayHandle {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	snapshot := make([]RelayHandle, 0, len(c.hostedRelays))
	for _, h := range c.hostedRelays {
		snapshot = append(snapshot, h)
	}
	clear(c.hostedRelays)
	return snapshot
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close disposes the connection: the base stream is closed first, which
// faults the reader and any blocked writers, then every channel, joint, and
// hosted relay is torn down. Idempotent and safe from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()

		for _, reg := range c.regs {
			for _, ch := range reg.drain() {
				ch.close(false)
			}
		}
		for _, j := range c.drainJoints() {
			j.close()
		}
		for _, h := range c.drainHostedRelays() {
			h.Stop()
		}

		util.Stats.RemoveConn()
		util.Debugf("connection to %s closed", c.cfg.RemoteAddr)

		if c.cfg.Events.Disposed != nil {
			go c.cfg.Events.Disposed(c)
		}
	})
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

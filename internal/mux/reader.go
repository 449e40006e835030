package mux

import (
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// readLoop is the single reader goroutine of a connection. It pulls frames
// off the base stream and dispatches them by signal kind. Per-signal
// failures dispose the affected channel only; a failure to read the next
// frame disposes the whole connection.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			if !c.isClosed() {
				util.Debugf("reader for %s stopped: %v", c.cfg.RemoteAddr, err)
			}
			return
		}
		util.Stats.AddRecv(len(frame.Payload))
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(f protocol.Frame) {
	switch f.Signal {
	case protocol.SignalNoop:
		// Keepalive; the channel name is random and meaningless.

	case protocol.SignalMeshConnect:
		c.handleMeshConnect(f)
	case protocol.SignalMeshData:
		c.handleData(protocol.KindMesh, f)
	case protocol.SignalMeshDisconnect:
		c.handleDisconnect(protocol.KindMesh, f)

	case protocol.SignalTunnelConnect:
		c.handleTunnelConnect(f)
	case protocol.SignalTunnelData:
		c.handleData(protocol.KindTunnel, f)
	case protocol.SignalTunnelDisconnect:
		c.handleDisconnect(protocol.KindTunnel, f)

	case protocol.SignalVirtualConnect:
		c.handleVirtualConnect(f)
	case protocol.SignalVirtualData:
		c.handleData(protocol.KindVirtual, f)
	case protocol.SignalVirtualDisconnect:
		c.handleDisconnect(protocol.KindVirtual, f)

	case protocol.SignalPeerStatusQuery:
		c.handlePeerStatusQuery(f)
	case protocol.SignalPeerStatusAvailable:
		c.statusWaiters.signal(f.Channel)

	case protocol.SignalRelayStart:
		go c.handleRelayStart(f)
	case protocol.SignalRelayStop:
		go c.handleRelayStop(f)
	case protocol.SignalRelayResponseSuccess:
		c.relayWaiters.signal(f.Channel)
	case protocol.SignalRelayResponsePeerList:
		c.handleRelayPeerList(f)

	case protocol.SignalDHTPacket:
		c.handleDHTPacket(f)
	case protocol.SignalMeshInvitation:
		c.handleInvitation(f)
	}
}

// handleMeshConnect registers the peer-opened mesh channel and announces it
// through the channel-open event. If this node relays the channel for other
// peers, their endpoints are sent back as a peer list.
func (c *Conn) handleMeshConnect(f protocol.Frame) {
	ch := newChannel(c, protocol.KindMesh, f.Channel)
	if err := c.registry(protocol.KindMesh).insert(ch); err != nil {
		// Collision with an existing channel: drop the new one silently
		// and leave the established channel undisturbed.
		util.Debugf("mesh connect for existing channel %s ignored", f.Channel.Short())
		return
	}

	if c.cfg.Events.ChannelOpen != nil {
		go c.cfg.Events.ChannelOpen(c, ch)
	}

	if c.cfg.Relays != nil {
		if eps := c.cfg.Relays.PeerEndpoints(f.Channel, c); len(eps) > 0 {
			payload, err := protocol.EncodePeerList(eps)
			if err == nil {
				_ = c.writeFrame(protocol.SignalRelayResponsePeerList, f.Channel, payload)
			}
		}
	}
}

// handleData places the payload into the channel's receive slot. A missing
// channel is a benign race with disposal; a stalled slot disposes the
// channel.
func (c *Conn) handleData(kind protocol.Kind, f protocol.Frame) {
	ch, ok := c.registry(kind).get(f.Channel)
	if !ok {
		util.Debugf("data for unknown %s channel %s dropped", kind, f.Channel.Short())
		return
	}
	if err := ch.deliver(f.Payload, ch.WriteTimeout()); err != nil {
		util.Warnf("%s channel %s stalled, disposing: %v", kind, f.Channel.Short(), err)
		ch.Close()
	}
}

func (c *Conn) handleDisconnect(kind protocol.Kind, f protocol.Frame) {
	if ch, ok := c.registry(kind).get(f.Channel); ok {
		// The peer already considers the channel gone; no echo.
		ch.close(false)
	}
}

// handleTunnelConnect services an inbound proxy tunnel: the local tunnel
// channel is registered synchronously (so following Data frames find it),
// then a worker obtains a connection to the decoded endpoint, requests a
// virtual channel from it, and splices the two with a Joint.
func (c *Conn) handleTunnelConnect(f protocol.Frame) {
	ep, err := protocol.ChannelNameEndpoint(f.Channel)
	if err != nil {
		util.Debugf("tunnel connect with bad endpoint name: %v", err)
		return
	}

	local := newChannel(c, protocol.KindTunnel, f.Channel)
	if err := c.registry(protocol.KindTunnel).insert(local); err != nil {
		util.Debugf("tunnel connect for existing channel %s ignored", f.Channel.Short())
		return
	}

	go func() {
		if c.cfg.Manager == nil {
			local.Close()
			return
		}
		remote, err := c.cfg.Manager.Connect(ep)
		if err != nil {
			util.Debugf("tunnel to %s failed: %v", ep, err)
			local.Close()
			return
		}
		virtual, err := remote.requestVirtualChannel(c.cfg.RemoteAddr)
		if err != nil {
			util.Debugf("virtual channel toward %s failed: %v", ep, err)
			local.Close()
			return
		}
		j := newJoint(local, virtual, c.removeJoint)
		c.addJoint(j)
		j.start()
	}()
}

// handleVirtualConnect registers the channel and hands it to the connection
// manager as the base stream of a new inbound connection.
func (c *Conn) handleVirtualConnect(f protocol.Frame) {
	ep, err := protocol.ChannelNameEndpoint(f.Channel)
	if err != nil {
		util.Debugf("virtual connect with bad endpoint name: %v", err)
		return
	}

	ch := newChannel(c, protocol.KindVirtual, f.Channel)
	if err := c.registry(protocol.KindVirtual).insert(ch); err != nil {
		util.Debugf("virtual connect for existing channel %s ignored", f.Channel.Short())
		return
	}

	if c.cfg.Manager != nil {
		go c.cfg.Manager.AcceptVirtual(ch, ep)
	}
}

// handlePeerStatusQuery answers with PeerStatusAvailable iff the manager
// reports a live connection to the queried endpoint. No reply means no.
func (c *Conn) handlePeerStatusQuery(f protocol.Frame) {
	ep, err := protocol.ChannelNameEndpoint(f.Channel)
	if err != nil {
		util.Debugf("peer status query with bad endpoint name: %v", err)
		return
	}
	go func() {
		if c.cfg.Manager != nil && c.cfg.Manager.IsReachable(ep) {
			_ = c.writeFrame(protocol.SignalPeerStatusAvailable, f.Channel, nil)
		}
	}()
}

// handleRelayStart registers relays for each network not already hosted and
// acknowledges. Runs on a worker goroutine; tracker announcements can be
// slow.
func (c *Conn) handleRelayStart(f protocol.Frame) {
	networks, trackers, err := protocol.DecodeRelayStart(f.Channel, f.Payload)
	if err != nil {
		util.Debugf("relay start rejected: %v", err)
		return
	}
	if c.cfg.Relays == nil {
		return
	}

	for _, network := range networks {
		c.relayMu.Lock()
		_, hosted := c.hostedRelays[network]
		c.relayMu.Unlock()
		if hosted {
			continue
		}

		handle, err := c.cfg.Relays.Start(network, c, trackers)
		if err != nil {
			util.Warnf("relay for network %s failed: %v", network.Short(), err)
			continue
		}
		c.relayMu.Lock()
		c.hostedRelays[network] = handle
		c.relayMu.Unlock()
	}

	_ = c.writeFrame(protocol.SignalRelayResponseSuccess, f.Channel, nil)
}

// handleRelayStop stops each matching hosted relay and acknowledges. Runs
// on a worker goroutine.
func (c *Conn) handleRelayStop(f protocol.Frame) {
	networks, err := protocol.DecodeRelayStop(f.Channel, f.Payload)
	if err != nil {
		util.Debugf("relay stop rejected: %v", err)
		return
	}

	for _, network := range networks {
		c.relayMu.Lock()
		handle, hosted := c.hostedRelays[network]
		if hosted {
			delete(c.hostedRelays, network)
		}
		c.relayMu.Unlock()
		if hosted {
			handle.Stop()
		}
	}

	_ = c.writeFrame(protocol.SignalRelayResponseSuccess, f.Channel, nil)
}

func (c *Conn) handleRelayPeerList(f protocol.Frame) {
	eps, err := protocol.DecodePeerList(f.Payload)
	if err != nil {
		util.Debugf("relay peer list rejected: %v", err)
		return
	}
	if c.cfg.Events.RelayPeers != nil {
		go c.cfg.Events.RelayPeers(c, eps)
	}
}

func (c *Conn) handleDHTPacket(f protocol.Frame) {
	if c.cfg.DHT != nil {
		go c.cfg.DHT.HandlePacket(f.Payload, c.cfg.RemoteAddr.Addr())
	}
}

func (c *Conn) handleInvitation(f protocol.Frame) {
	if c.cfg.Events.Invitation != nil {
		go c.cfg.Events.Invitation(c, f.Channel, c.cfg.RemoteAddr, string(f.Payload))
	}
}

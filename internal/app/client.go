package app

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"

	"github.com/pterm/pterm"

	"github.com/bitmesh-net/bitmesh/internal/config"
	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/signaling"
	"github.com/bitmesh-net/bitmesh/internal/transport"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// RunClient connects to the host over the selected transport, opens the
// mesh channel for the shared network, and attaches the terminal chat.
func RunClient(ctx context.Context, cfg config.Config) error {
	networkID := NetworkID(cfg.Passphrase)

	var dht mux.DHTClient
	if cfg.DHTTarget != "" {
		fw, err := NewUDPForwarder(cfg.DHTTarget)
		if err != nil {
			return fmt.Errorf("dht forwarder: %w", err)
		}
		defer fw.Close()
		dht = fw
	}

	events := mux.Events{
		Invitation: func(c *mux.Conn, network protocol.ID, from netip.AddrPort, message string) {
			pterm.FgYellow.Printf("invitation to network %s from %s: %s\n", network.Short(), from, message)
		},
		RelayPeers: func(c *mux.Conn, eps []netip.AddrPort) {
			for _, ep := range eps {
				util.Infof("relay peer available at %s", ep)
			}
		},
	}

	node := NewNode(protocol.RandomID(), nil, dht, events)
	defer node.CloseAll()

	conn, err := connectPeer(ctx, node, cfg)
	if err != nil {
		return err
	}

	name := protocol.MeshChannelName(networkID, conn.LocalPeer(), conn.RemotePeer())
	ch, err := conn.OpenMeshChannel(name)
	if err != nil {
		return fmt.Errorf("open mesh channel: %w", err)
	}

	go keepalive(ctx, node, keepaliveInterval)

	pterm.FgGreen.Println("✓ mesh channel open — chat away")
	return chat(ctx, ch, os.Stdin)
}

// connectPeer establishes the base stream per the configured transport and
// adopts it into a multiplexed connection.
func connectPeer(ctx context.Context, node *Node, cfg config.Config) (*mux.Conn, error) {
	switch cfg.Transport {
	case config.TransportWS:
		stream, err := transport.DialWS(ctx, cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		ep, err := endpointFromURL(cfg.PeerAddr)
		if err != nil {
			stream.Close()
			return nil, err
		}
		return node.Adopt(stream, ep)

	case config.TransportRTC:
		wsConn, err := signaling.Connect(ctx, cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		peer, err := transport.NewRTCPeer()
		if err != nil {
			wsConn.Close()
			return nil, err
		}
		if err := signaling.ClientExchange(wsConn, peer); err != nil {
			return nil, err
		}
		stream, err := peer.WaitStream(ctx)
		if err != nil {
			return nil, err
		}
		ep, err := endpointFromURL(cfg.PeerAddr)
		if err != nil {
			stream.Close()
			return nil, err
		}
		return node.Adopt(stream, ep)

	default:
		ep, err := resolveEndpoint(cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		return node.Connect(ep)
	}
}

func endpointFromURL(raw string) (netip.AddrPort, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse peer url: %w", err)
	}
	return resolveEndpoint(u.Host)
}

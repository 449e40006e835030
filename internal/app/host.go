package app

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/bitmesh-net/bitmesh/internal/config"
	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/relay"
	"github.com/bitmesh-net/bitmesh/internal/signaling"
	"github.com/bitmesh-net/bitmesh/internal/transport"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

const keepaliveInterval = 30 * time.Second

// RunHost brings up the host side: it listens for peers on the selected
// transport, relays mesh channels if asked to, and attaches the terminal
// chat to channels opened for the configured network.
func RunHost(ctx context.Context, cfg config.Config) error {
	networkID := NetworkID(cfg.Passphrase)

	var relays mux.RelayService
	if cfg.RelayHost {
		relays = relay.NewRegistry()
	}

	var dht mux.DHTClient
	if cfg.DHTTarget != "" {
		fw, err := NewUDPForwarder(cfg.DHTTarget)
		if err != nil {
			return fmt.Errorf("dht forwarder: %w", err)
		}
		defer fw.Close()
		dht = fw
	}

	channels := make(chan *mux.Channel, 4)
	events := mux.Events{
		ChannelOpen: func(c *mux.Conn, ch *mux.Channel) {
			want := protocol.MeshChannelName(networkID, c.LocalPeer(), c.RemotePeer())
			if ch.Name() != want {
				util.Debugf("channel %s is not for this network", ch.Name().Short())
				return
			}
			select {
			case channels <- ch:
			default:
				ch.Close()
			}
		},
		Invitation: func(c *mux.Conn, network protocol.ID, from netip.AddrPort, message string) {
			pterm.FgYellow.Printf("invitation to network %s from %s: %s\n", network.Short(), from, message)
		},
		RelayPeers: func(c *mux.Conn, eps []netip.AddrPort) {
			util.Infof("relay reported %d peer(s) for this channel", len(eps))
		},
	}

	node := NewNode(protocol.RandomID(), relays, dht, events)
	defer node.CloseAll()

	g, ctx := errgroup.WithContext(ctx)

	switch cfg.Transport {
	case config.TransportWS:
		g.Go(func() error { return node.ListenWS(ctx, cfg.ListenAddr) })
	case config.TransportRTC:
		g.Go(func() error { return hostRTC(ctx, node, cfg.ListenAddr) })
	default:
		g.Go(func() error { return node.Listen(ctx, cfg.ListenAddr) })
	}

	g.Go(func() error {
		keepalive(ctx, node, keepaliveInterval)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case ch := <-channels:
				pterm.FgGreen.Println("✓ mesh channel open — chat away")
				if err := chat(ctx, ch, os.Stdin); err != nil {
					util.Warnf("chat ended: %v", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// hostRTC accepts peers through the signaling server and a WebRTC base
// stream per peer.
func hostRTC(ctx context.Context, node *Node, addr string) error {
	server := signaling.NewServer()
	port, err := server.Start(addr)
	if err != nil {
		return err
	}
	defer server.Close()

	pterm.FgGreen.Printf("signaling at ws://<your-ip>:%d/ws?token=%s\n", port, server.Token())

	for {
		wsConn, err := server.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		peer, err := transport.NewRTCPeer()
		if err != nil {
			wsConn.Close()
			return err
		}
		if err := signaling.HostExchange(wsConn, peer); err != nil {
			util.Warnf("signaling exchange: %v", err)
			continue
		}
		stream, err := peer.WaitStream(ctx)
		if err != nil {
			return err
		}

		ep, err := resolveEndpoint(wsConn.RemoteAddr().String())
		if err != nil {
			ep = netip.AddrPort{}
		}
		if _, err := node.Adopt(stream, ep); err != nil {
			util.Warnf("adopt rtc peer: %v", err)
		}
	}
}

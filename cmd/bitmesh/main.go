// Bitmesh — CLI entry point.
//
// Bitmesh multiplexes mesh chat channels, proxy tunnels, and control
// signals over a single peer link (TCP, WebSocket, or WebRTC DataChannel).
// This binary runs a node in host or client role and attaches a terminal
// chat to the mesh channel of a shared network.
//
// It can be launched interactively (no -role flag) or via CLI flags
// (-role, -transport, -listen, -peer, -network).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/bitmesh-net/bitmesh/internal/app"
	"github.com/bitmesh-net/bitmesh/internal/config"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	transportFlag := flag.String("transport", "tcp", "Transport: tcp, ws, or rtc")
	listen := flag.String("listen", ":0", "Peer listen address (host only)")
	peer := flag.String("peer", "", "Host address or URL to connect to (client only)")
	network := flag.String("network", "", "Shared network passphrase")
	relayHost := flag.Bool("relay", false, "Relay mesh channels between peers (host only)")
	dhtTarget := flag.String("dht", "", "Local UDP endpoint for forwarded DHT packets")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Bitmesh — v%s", version))
	pterm.Println()

	util.StartStatsReporter(ctx, 15*time.Second)

	cfg := config.Config{
		Transport:  config.Transport(*transportFlag),
		Passphrase: *network,
		ListenAddr: *listen,
		PeerAddr:   *peer,
		RelayHost:  *relayHost,
		DHTTarget:  *dhtTarget,
		Debug:      *debugMode,
	}

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case "host":
		cfg.Role = config.RoleHost
		if cfg.Passphrase == "" {
			util.Errorf("missing -network passphrase")
			os.Exit(1)
		}
		runHost(ctx, cfg)

	case "client":
		cfg.Role = config.RoleClient
		if cfg.Passphrase == "" {
			util.Errorf("missing -network passphrase")
			os.Exit(1)
		}
		if cfg.PeerAddr == "" {
			util.Errorf("missing -peer for client role")
			os.Exit(1)
		}
		runClient(ctx, cfg)

	default:
		util.Errorf("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.Infof("node shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no -role flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   — Accept peers into the mesh", "Client — Join a host's mesh"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	cfg.Passphrase, _ = pterm.DefaultInteractiveTextInput.
		WithDefaultText("Network passphrase").
		Show()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		runHost(ctx, cfg)
	} else {
		cfg.Role = config.RoleClient
		cfg.PeerAddr, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host address (host:port or ws://…)").
			Show()
		runClient(ctx, cfg)
	}
}

func runHost(ctx context.Context, cfg config.Config) {
	if err := app.RunHost(ctx, cfg); err != nil {
		util.Errorf("host: %v", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, cfg config.Config) {
	if err := app.RunClient(ctx, cfg); err != nil {
		util.Errorf("client: %v", err)
		os.Exit(1)
	}
}

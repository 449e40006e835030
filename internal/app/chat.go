package app

import (
	"bufio"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/pterm/pterm"

	"github.com/bitmesh-net/bitmesh/internal/mux"
	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// NetworkID derives the 20-byte mesh network identifier from a shared
// passphrase.
func NetworkID(passphrase string) protocol.ID {
	return protocol.ID(sha1.Sum([]byte(passphrase)))
}

// chat bridges a mesh channel with the terminal: stdin lines go to the
// peer, inbound payloads are printed. It returns when the channel or ctx
// ends.
func chat(ctx context.Context, ch *mux.Channel, in io.Reader) error {
	// Chat sessions idle for long stretches; only closure ends them.
	ch.SetReadTimeout(0)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if _, err := ch.Write([]byte(line + "\n")); err != nil {
				util.Debugf("chat send: %v", err)
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			pterm.FgCyan.Printf("peer ▸ %s", buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// keepalive emits a Noop frame on every live connection at the given
// interval, until ctx ends.
func keepalive(ctx context.Context, node *Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, conn := range node.Conns() {
				if err := conn.SendNoop(); err != nil {
					util.Debugf("keepalive to %s: %v", conn.RemoteAddr(), err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// resolveEndpoint turns host:port (possibly a DNS name) into an AddrPort.
func resolveEndpoint(hostport string) (netip.AddrPort, error) {
	if ep, err := netip.ParseAddrPort(hostport); err == nil {
		return ep, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	return addr.AddrPort(), nil
}

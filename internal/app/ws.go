package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/gorilla/websocket"

	"github.com/bitmesh-net/bitmesh/internal/transport"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListenWS accepts inbound peers over WebSocket on addr (path /mesh) until
// ctx is cancelled. Each upgraded connection becomes a base stream.
func (n *Node) ListenWS(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ep, err := netip.ParseAddrPort(wsConn.RemoteAddr().String())
		if err != nil {
			wsConn.Close()
			return
		}
		if _, err := n.Adopt(transport.NewWSStream(wsConn), ep); err != nil {
			util.Warnf("inbound ws peer %s rejected: %v", ep, err)
		}
	})

	util.Infof("listening for ws peers on %s", listener.Addr())

	err = http.Serve(listener, httpMux)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

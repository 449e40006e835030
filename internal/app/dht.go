package app

import (
	"net"
	"net/netip"

	"github.com/bitmesh-net/bitmesh/internal/util"
)

// UDPForwarder hands inbound DHT datagrams to a local DHT process over UDP.
// It satisfies mux.DHTClient.
type UDPForwarder struct {
	conn *net.UDPConn
}

// NewUDPForwarder opens a UDP socket toward the local DHT endpoint.
func NewUDPForwarder(target string) (*UDPForwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &UDPForwarder{conn: conn}, nil
}

// HandlePacket forwards one DHT payload. The sender's address is not
// forwarded; it appears only in the debug line logged when a forward fails.
func (f *UDPForwarder) HandlePacket(payload []byte, from netip.Addr) {
	if _, err := f.conn.Write(payload); err != nil {
		util.Debugf("dht forward from %s failed: %v", from, err)
	}
}

// Close releases the UDP socket.
func (f *UDPForwarder) Close() error {
	return f.conn.Close()
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Address family tags used by the endpoint encodings.
const (
	familyIPv4 = 0
	familyIPv6 = 1
)

// EndpointChannelName encodes an IP endpoint into a 20-byte channel name:
// family tag, address bytes, port (little-endian), zero padding. Per-peer
// channels (proxy tunnels, virtual connections, peer status probes) use the
// endpoint itself as the channel name so the receiver can recover it.
func EndpointChannelName(ep netip.AddrPort) (ID, error) {
	var name ID
	if _, err := putEndpoint(name[:], ep); err != nil {
		return ID{}, err
	}
	return name, nil
}

// ChannelNameEndpoint decodes an endpoint-encoded channel name back into an
// IP endpoint.
func ChannelNameEndpoint(name ID) (netip.AddrPort, error) {
	ep, _, err := readEndpoint(name[:])
	return ep, err
}

// putEndpoint writes the compact endpoint encoding (family tag, address,
// port LE) at the start of dst and returns the number of bytes written.
func putEndpoint(dst []byte, ep netip.AddrPort) (int, error) {
	addr := ep.Addr().Unmap()
	switch {
	case addr.Is4():
		b := addr.As4()
		dst[0] = familyIPv4
		copy(dst[1:5], b[:])
		binary.LittleEndian.PutUint16(dst[5:7], ep.Port())
		return 7, nil
	case addr.Is6():
		b := addr.As16()
		dst[0] = familyIPv6
		copy(dst[1:17], b[:])
		binary.LittleEndian.PutUint16(dst[17:19], ep.Port())
		return 19, nil
	default:
		return 0, fmt.Errorf("encode endpoint: invalid address %v", ep)
	}
}

// readEndpoint parses a compact endpoint encoding from the start of src and
// returns the endpoint plus the number of bytes consumed.
func readEndpoint(src []byte) (netip.AddrPort, int, error) {
	if len(src) < 7 {
		return netip.AddrPort{}, 0, fmt.Errorf("decode endpoint: %d bytes is too short", len(src))
	}
	switch src[0] {
	case familyIPv4:
		addr := netip.AddrFrom4([4]byte(src[1:5]))
		port := binary.LittleEndian.Uint16(src[5:7])
		return netip.AddrPortFrom(addr, port), 7, nil
	case familyIPv6:
		if len(src) < 19 {
			return netip.AddrPort{}, 0, fmt.Errorf("decode endpoint: %d bytes is too short for IPv6", len(src))
		}
		addr := netip.AddrFrom16([16]byte(src[1:17]))
		port := binary.LittleEndian.Uint16(src[17:19])
		return netip.AddrPortFrom(addr, port), 19, nil
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("decode endpoint: unsupported address family %d", src[0])
	}
}

// endpointLen returns the compact encoding length for ep.
func endpointLen(ep netip.AddrPort) int {
	if ep.Addr().Unmap().Is4() {
		return 7
	}
	return 19
}

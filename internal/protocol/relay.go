package protocol

import (
	"fmt"
	"net/netip"
)

// Relay request and response payload codecs.
//
// RelayStart and RelayStop carry lists of network IDs that must not be
// readable by a passive observer, so each ID is XOR-masked with the
// request's random channel name. The responder unmasks with the same name
// from the frame header.

// EncodeRelayStart builds a RelayStart payload: a masked network-ID list
// followed by a tracker URI list.
//
//	count(u8) || count × (20 B networkID ⊕ mask)
//	count(u8) || count × (len(u8) || UTF-8 bytes)
func EncodeRelayStart(mask ID, networks []ID, trackers []string) ([]byte, error) {
	if len(networks) > 255 {
		return nil, fmt.Errorf("encode relay start: %d networks exceeds 255", len(networks))
	}
	if len(trackers) > 255 {
		return nil, fmt.Errorf("encode relay start: %d trackers exceeds 255", len(trackers))
	}

	size := 1 + len(networks)*IDSize + 1
	for _, t := range trackers {
		size += 1 + len(t)
	}
	buf := make([]byte, 0, size)

	buf = appendMaskedIDs(buf, mask, networks)
	buf = append(buf, byte(len(trackers)))
	for _, t := range trackers {
		if len(t) > 255 {
			return nil, fmt.Errorf("encode relay start: tracker %q exceeds 255 bytes", t)
		}
		buf = append(buf, byte(len(t)))
		buf = append(buf, t...)
	}
	return buf, nil
}

// DecodeRelayStart parses a RelayStart payload, unmasking the network IDs.
func DecodeRelayStart(mask ID, payload []byte) (networks []ID, trackers []string, err error) {
	networks, rest, err := readMaskedIDs(mask, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode relay start: %w", err)
	}
	if len(rest) < 1 {
		return nil, nil, fmt.Errorf("decode relay start: missing tracker count")
	}
	count := int(rest[0])
	rest = rest[1:]
	trackers = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("decode relay start: truncated tracker %d", i)
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n {
			return nil, nil, fmt.Errorf("decode relay start: truncated tracker %d", i)
		}
		trackers = append(trackers, string(rest[:n]))
		rest = rest[n:]
	}
	return networks, trackers, nil
}

// EncodeRelayStop builds a RelayStop payload: the masked network-ID list
// only.
func EncodeRelayStop(mask ID, networks []ID) ([]byte, error) {
	if len(networks) > 255 {
		return nil, fmt.Errorf("encode relay stop: %d networks exceeds 255", len(networks))
	}
	buf := make([]byte, 0, 1+len(networks)*IDSize)
	return appendMaskedIDs(buf, mask, networks), nil
}

// DecodeRelayStop parses a RelayStop payload, unmasking the network IDs.
func DecodeRelayStop(mask ID, payload []byte) ([]ID, error) {
	networks, _, err := readMaskedIDs(mask, payload)
	if err != nil {
		return nil, fmt.Errorf("decode relay stop: %w", err)
	}
	return networks, nil
}

func appendMaskedIDs(buf []byte, mask ID, ids []ID) []byte {
	buf = append(buf, byte(len(ids)))
	for _, id := range ids {
		masked := id.XOR(mask)
		buf = append(buf, masked[:]...)
	}
	return buf
}

func readMaskedIDs(mask ID, payload []byte) ([]ID, []byte, error) {
	if len(payload) < 1 {
		return nil, nil, fmt.Errorf("missing network count")
	}
	count := int(payload[0])
	rest := payload[1:]
	if len(rest) < count*IDSize {
		return nil, nil, fmt.Errorf("truncated network list: %d bytes for %d networks", len(rest), count)
	}
	ids := make([]ID, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, IDFromBytes(rest[:IDSize]).XOR(mask))
		rest = rest[IDSize:]
	}
	return ids, rest, nil
}

// EncodePeerList builds a RelayResponsePeerList payload: a count byte
// followed by compactly encoded endpoints.
func EncodePeerList(eps []netip.AddrPort) ([]byte, error) {
	if len(eps) > 255 {
		eps = eps[:255]
	}
	size := 1
	for _, ep := range eps {
		size += endpointLen(ep)
	}
	buf := make([]byte, size)
	buf[0] = byte(len(eps))
	off := 1
	for _, ep := range eps {
		n, err := putEndpoint(buf[off:], ep)
		if err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}

// DecodePeerList parses a RelayResponsePeerList payload.
func DecodePeerList(payload []byte) ([]netip.AddrPort, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("decode peer list: empty payload")
	}
	count := int(payload[0])
	rest := payload[1:]
	eps := make([]netip.AddrPort, 0, count)
	for i := 0; i < count; i++ {
		ep, n, err := readEndpoint(rest)
		if err != nil {
			return nil, fmt.Errorf("decode peer list: endpoint %d: %w", i, err)
		}
		eps = append(eps, ep)
		rest = rest[n:]
	}
	return eps, nil
}

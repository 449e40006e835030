// Package protocol defines the frame wire format and identifier types for
// the bitmesh multiplexer.
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
)

// IDSize is the fixed length of peer, network, and channel identifiers.
const IDSize = 20

// ID is a 20-byte opaque identifier. It is used for peer IDs, network IDs,
// and channel names. IDs are comparable, so they can key maps directly.
type ID [IDSize]byte

// RandomID returns a fresh identifier from the system CSPRNG.
func RandomID() ID {
	var id ID
	// crypto/rand.Read never fails on supported platforms.
	rand.Read(id[:])
	return id
}

// IDFromBytes copies b into an ID. It panics if b is not exactly IDSize bytes.
func IDFromBytes(b []byte) ID {
	if len(b) != IDSize {
		panic("protocol: ID must be exactly 20 bytes")
	}
	var id ID
	copy(id[:], b)
	return id
}

// XOR returns the byte-wise XOR of two identifiers.
func (id ID) XOR(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// IsZero reports whether all bytes of the identifier are zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the identifier as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 4 bytes as hex, for log lines.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// MeshChannelName derives the channel name used by two peers for a mesh
// network: HMAC-SHA1 keyed with the network ID over the XOR of the two peer
// IDs. The XOR makes the derivation symmetric, so both peers compute the
// same name, and the HMAC keeps the network ID itself off the wire.
func MeshChannelName(network, localPeer, remotePeer ID) ID {
	mixed := localPeer.XOR(remotePeer)
	mac := hmac.New(sha1.New, network[:])
	mac.Write(mixed[:])
	return IDFromBytes(mac.Sum(nil))
}

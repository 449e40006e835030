package protocol

import "fmt"

// Signal is the 1-byte frame opcode.
type Signal uint8

// Signal constants. The numeric codes are part of the wire contract and
// must not be reordered.
const (
	SignalNoop Signal = iota // keepalive, channel name is random and ignored

	SignalMeshConnect    // open a mesh network channel
	SignalMeshData       // payload for a mesh network channel
	SignalMeshDisconnect // close a mesh network channel

	SignalTunnelConnect    // open a proxy tunnel channel (name encodes the target endpoint)
	SignalTunnelData       // payload for a proxy tunnel channel
	SignalTunnelDisconnect // close a proxy tunnel channel

	SignalVirtualConnect    // open a virtual connection channel (nested mux base stream)
	SignalVirtualData       // payload for a virtual connection channel
	SignalVirtualDisconnect // close a virtual connection channel

	SignalPeerStatusQuery     // ask whether the receiver can reach the encoded endpoint
	SignalPeerStatusAvailable // affirmative reply to a peer status query

	SignalRelayStart            // register relays for the masked network IDs in the payload
	SignalRelayStop             // stop relays for the masked network IDs in the payload
	SignalRelayResponseSuccess  // acknowledges RelayStart / RelayStop
	SignalRelayResponsePeerList // endpoint list of other peers on the same channel
	SignalDHTPacket             // out-of-band DHT datagram, channel name is random and ignored
	SignalMeshInvitation        // UTF-8 invitation message, channel name carries the network ID
)

var signalNames = map[Signal]string{
	SignalNoop:                  "Noop",
	SignalMeshConnect:           "MeshConnect",
	SignalMeshData:              "MeshData",
	SignalMeshDisconnect:        "MeshDisconnect",
	SignalTunnelConnect:         "TunnelConnect",
	SignalTunnelData:            "TunnelData",
	SignalTunnelDisconnect:      "TunnelDisconnect",
	SignalVirtualConnect:        "VirtualConnect",
	SignalVirtualData:           "VirtualData",
	SignalVirtualDisconnect:     "VirtualDisconnect",
	SignalPeerStatusQuery:       "PeerStatusQuery",
	SignalPeerStatusAvailable:   "PeerStatusAvailable",
	SignalRelayStart:            "RelayStart",
	SignalRelayStop:             "RelayStop",
	SignalRelayResponseSuccess:  "RelayResponseSuccess",
	SignalRelayResponsePeerList: "RelayResponsePeerList",
	SignalDHTPacket:             "DHTPacket",
	SignalMeshInvitation:        "MeshInvitation",
}

// Valid reports whether s is a known signal code.
func (s Signal) Valid() bool {
	_, ok := signalNames[s]
	return ok
}

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Signal(%d)", uint8(s))
}

// Kind identifies one of the three channel tables a channel lives in.
type Kind uint8

const (
	KindMesh Kind = iota
	KindTunnel
	KindVirtual

	// NumKinds is the number of channel kinds, for sizing registry arrays.
	NumKinds = 3
)

func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "mesh"
	case KindTunnel:
		return "tunnel"
	case KindVirtual:
		return "virtual"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ConnectSignal returns the Connect opcode for the kind.
func (k Kind) ConnectSignal() Signal {
	return SignalMeshConnect + Signal(k)*3
}

// DataSignal returns the Data opcode for the kind.
func (k Kind) DataSignal() Signal {
	return SignalMeshData + Signal(k)*3
}

// DisconnectSignal returns the Disconnect opcode for the kind.
func (k Kind) DisconnectSignal() Signal {
	return SignalMeshDisconnect + Signal(k)*3
}

// Frame layout constants.
const (
	// HeaderSize is Signal(1) + channel name(20) + payload length(2).
	HeaderSize = 1 + IDSize + 2

	// MaxFrameSize caps a whole frame at 65535 minus a 256-byte allowance
	// for lower-layer headers.
	MaxFrameSize = 65535 - 256

	// MaxPayloadSize is the largest payload a single frame can carry.
	// Logical writes larger than this are split across frames.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// Frame is one decoded wire frame.
type Frame struct {
	Signal  Signal
	Channel ID
	Payload []byte
}

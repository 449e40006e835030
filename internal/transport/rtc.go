package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"

	"github.com/bitmesh-net/bitmesh/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — NAT traversal that
// needs a relay goes through the mux's own relay machinery instead.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// maxMessageSize bounds one SCTP message; a mux frame always fits.
const maxMessageSize = 65535

// RTCPeer owns a PeerConnection with a single pre-negotiated DataChannel
// that, once open, is detached into a raw byte stream for the mux. Using
// negotiated mode (ID 0) lets both sides create the channel independently;
// ordered reliable mode gives the mux the in-order base stream it requires.
type RTCPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	ready    chan struct{}
	openOnce sync.Once
	stream   *RTCStream
}

// NewRTCPeer creates the PeerConnection and negotiated DataChannel. The
// caller performs SDP/ICE signaling against PC, then obtains the base
// stream with WaitStream.
func NewRTCPeer() (*RTCPeer, error) {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("bitmesh", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &RTCPeer{pc: pc, dc: dc, ready: make(chan struct{})}

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			util.Errorf("detach data channel: %v", err)
			return
		}
		p.openOnce.Do(func() {
			p.stream = newRTCStream(pc, raw)
			close(p.ready)
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.Debugf("peer connection state: %s", state)
	})

	return p, nil
}

// PC exposes the PeerConnection for the signaling exchange.
func (p *RTCPeer) PC() *webrtc.PeerConnection { return p.pc }

// Ready is closed once the DataChannel is open and detached.
func (p *RTCPeer) Ready() <-chan struct{} { return p.ready }

// WaitStream blocks until the DataChannel opens and returns the detached
// base stream.
func (p *RTCPeer) WaitStream(ctx context.Context) (*RTCStream, error) {
	select {
	case <-p.ready:
		return p.stream, nil
	case <-ctx.Done():
		p.pc.Close()
		return nil, ctx.Err()
	}
}

// RTCStream adapts a detached DataChannel to a byte stream. SCTP delivers
// whole messages, so reads are served out of a reassembly buffer: one
// message is pulled in at a time and handed out in as many Read calls as
// the caller needs.
type RTCStream struct {
	pc *webrtc.PeerConnection
	dc datachannel.ReadWriteCloser

	buf      [maxMessageSize]byte
	off, end int

	closeOnce sync.Once
}

func newRTCStream(pc *webrtc.PeerConnection, dc datachannel.ReadWriteCloser) *RTCStream {
	return &RTCStream{pc: pc, dc: dc}
}

func (s *RTCStream) Read(p []byte) (int, error) {
	for s.off == s.end {
		n, err := s.dc.Read(s.buf[:])
		if err != nil {
			return 0, err
		}
		s.off, s.end = 0, n
	}
	n := copy(p, s.buf[s.off:s.end])
	s.off += n
	return n, nil
}

func (s *RTCStream) Write(p []byte) (int, error) {
	if len(p) > maxMessageSize {
		return 0, errors.New("rtc stream: write exceeds one message")
	}
	return s.dc.Write(p)
}

func (s *RTCStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.dc.Close(), s.pc.Close())
	})
	return err
}

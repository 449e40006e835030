package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/bitmesh-net/bitmesh/internal/transport"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// HostExchange drives the offering side: it sends an SDP offer over the
// WebSocket, consumes the answer and remote ICE candidates, and returns
// once the peer's DataChannel is open. The WebSocket is closed on success;
// it has no further role.
func HostExchange(wsConn *websocket.Conn, peer *transport.RTCPeer) error {
	send := newSender(wsConn, peer)
	pc := peer.PC()

	send.trickleCandidates()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	send.message(Message{Type: MsgTypeOffer, SDP: offer.SDP})

	return runExchange(wsConn, peer, func(msg Message) {
		switch msg.Type {
		case MsgTypeAnswer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP,
			}); err != nil {
				util.Warnf("set remote description: %v", err)
			}
		case MsgTypeCandidate:
			addCandidate(pc, msg.Candidate)
		}
	})
}

// ClientExchange drives the answering side: it consumes the offer, replies
// with an answer, exchanges ICE candidates, and returns once the
// DataChannel is open.
func ClientExchange(wsConn *websocket.Conn, peer *transport.RTCPeer) error {
	send := newSender(wsConn, peer)
	pc := peer.PC()

	send.trickleCandidates()

	return runExchange(wsConn, peer, func(msg Message) {
		switch msg.Type {
		case MsgTypeOffer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer,
				SDP:  msg.SDP,
			}); err != nil {
				util.Warnf("set remote description: %v", err)
				return
			}
			answer, err := pc.CreateAnswer(nil)
			if err != nil {
				util.Warnf("create answer: %v", err)
				return
			}
			if err := pc.SetLocalDescription(answer); err != nil {
				util.Warnf("set local description: %v", err)
				return
			}
			send.message(Message{Type: MsgTypeAnswer, SDP: answer.SDP})

		case MsgTypeCandidate:
			addCandidate(pc, msg.Candidate)
		}
	})
}

// runExchange pumps signaling messages into handle until the DataChannel
// opens or the WebSocket fails. A WebSocket failure after the channel is
// already open is not an error.
func runExchange(wsConn *websocket.Conn, peer *transport.RTCPeer, handle func(Message)) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			handle(msg)
		}
	}()

	select {
	case <-peer.Ready():
		wsConn.Close()
		return nil
	case err := <-errCh:
		select {
		case <-peer.Ready():
			return nil
		default:
			return fmt.Errorf("signaling read: %w", err)
		}
	}
}

// sender serializes outgoing WebSocket writes; pion fires candidate
// callbacks from its own goroutines.
type sender struct {
	mu     sync.Mutex
	wsConn *websocket.Conn
	peer   *transport.RTCPeer
}

func newSender(wsConn *websocket.Conn, peer *transport.RTCPeer) *sender {
	return &sender{wsConn: wsConn, peer: peer}
}

func (s *sender) message(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wsConn.WriteJSON(msg); err != nil {
		// The socket may have been closed because the channel opened.
		select {
		case <-s.peer.Ready():
		default:
			util.Warnf("signaling send: %v", err)
		}
	}
}

func (s *sender) trickleCandidates() {
	s.peer.PC().OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		s.message(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})
}

func addCandidate(pc *webrtc.PeerConnection, raw string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		util.Warnf("parse ice candidate: %v", err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		util.Warnf("add ice candidate: %v", err)
	}
}

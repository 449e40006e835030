// Package transport provides base-stream adapters for the multiplexer:
// WebSocket connections and detached WebRTC DataChannels presented as
// reliable byte streams.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSStream adapts a WebSocket connection to a reliable byte stream. Frames
// become binary messages on write; reads chain message readers together so
// the consumer sees one continuous stream.
//
// gorilla/websocket allows one concurrent reader and one concurrent writer,
// which matches the mux exactly: a single reader goroutine and a mutex-held
// frame writer.
type WSStream struct {
	conn *websocket.Conn

	// current is the reader for the in-progress message; nil between
	// messages. Only the mux reader goroutine touches it.
	current io.Reader

	closeOnce sync.Once
}

// NewWSStream wraps an established WebSocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	return &WSStream{conn: conn}
}

// DialWS connects to a bitmesh WebSocket endpoint and returns it as a base
// stream.
func DialWS(ctx context.Context, url string) (*WSStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ws %s: %w", url, err)
	}
	return NewWSStream(conn), nil
}

func (s *WSStream) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.current = r
		}

		n, err := s.current.Read(p)
		if err == io.EOF {
			// Message exhausted; move on to the next one.
			s.current = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Best-effort close handshake before dropping the socket.
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}

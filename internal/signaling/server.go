package signaling

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the listening side of the signaling exchange. Each server
// carries a random session token; a client must present it as a query
// parameter to be accepted.
type Server struct {
	token    string
	listener net.Listener
	connCh   chan *websocket.Conn
}

// NewServer creates a signaling server with a fresh session token.
func NewServer() *Server {
	return &Server{
		token:  uuid.NewString(),
		connCh: make(chan *websocket.Conn, 1),
	}
}

// Token returns the session token clients must present.
func (s *Server) Token() string { return s.token }

// Start begins listening on addr (":0" picks a free port) and returns the
// bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("signaling listen: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, httpMux)
	}()

	return port, nil
}

// Accept waits for the next authenticated signaling connection.
func (s *Server) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.token {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case s.connCh <- conn:
	default:
		// A signaling session is already in progress.
		conn.Close()
	}
}

// Connect dials a signaling server. The URL must include the session
// token, e.g. ws://host:port/ws?token=….
func Connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect signaling server: %w", err)
	}
	return conn, nil
}

// Package websockettest provides an in-process event-stream server speaking
// the session wire protocol, so connection and heartbeat tests can exercise
// real sockets without a live platform.
package websockettest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/protocol"
)

// Server is a protocol-aware WebSocket test peer.
type Server struct {
	t    *testing.T
	http *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	silent bool

	received chan protocol.Frame
	// Responder, when set, replaces the default handshake/heartbeat replies.
	Responder func(conn *websocket.Conn, frame protocol.Frame)
}

// NewServer starts the test peer. By default it acknowledges handshakes and
// answers heartbeats with a popularity reply.
func NewServer(t *testing.T) *Server {
	t.Helper()
	server := &Server{t: t, received: make(chan protocol.Frame, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server.mu.Lock()
		server.conns = append(server.conns, conn)
		server.mu.Unlock()
		go server.readLoop(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, _, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		select {
		case s.received <- frame:
		default:
		}
		s.mu.Lock()
		responder := s.Responder
		silent := s.silent
		s.mu.Unlock()
		if responder != nil {
			responder(conn, frame)
			continue
		}
		if silent {
			continue
		}
		//1.- Default behaviour mirrors the platform: ack handshakes, answer
		// heartbeats with a popularity payload.
		switch frame.Op {
		case protocol.OpHandshake:
			_ = s.writeFrame(conn, protocol.Frame{Op: protocol.OpHandshakeReply, Body: []byte(`{"code":0}`)})
		case protocol.OpHeartbeat:
			_ = s.writeFrame(conn, protocol.Frame{Version: protocol.VersionPopularity, Op: protocol.OpHeartbeatReply, Body: []byte{0, 0, 0, 1}})
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	return conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame))
}

// Endpoint describes the test server as a stream endpoint candidate.
func (s *Server) Endpoint() endpoint.Endpoint {
	host, portRaw, err := net.SplitHostPort(strings.TrimPrefix(s.http.URL, "http://"))
	if err != nil {
		s.t.Fatalf("split test server address: %v", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		s.t.Fatalf("parse test server port: %v", err)
	}
	return endpoint.Endpoint{Host: host, Port: port}
}

// Received exposes the frames the peer has decoded from the client.
func (s *Server) Received() <-chan protocol.Frame {
	return s.received
}

// Silence stops the default replies so heartbeats go unanswered.
func (s *Server) Silence() {
	s.mu.Lock()
	s.silent = true
	s.mu.Unlock()
}

// Send pushes a frame to the most recent client connection.
func (s *Server) Send(frame protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no client connected")
	}
	conn := s.conns[len(s.conns)-1]
	if err := s.writeFrame(conn, frame); err != nil {
		s.t.Logf("send frame: %v", err)
	}
}

// DropClients closes every live client connection, simulating a transport failure.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropClients()
	s.http.Close()
}

// UnusedEndpoint returns an endpoint that refuses connections, for failover tests.
func UnusedEndpoint(t *testing.T) endpoint.Endpoint {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	_ = listener.Close()
	return endpoint.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

package signalr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// receivedInvocation is one invocation frame the test server decoded off a
// client connection.
type receivedInvocation struct {
	target string
	args   []json.RawMessage
}

// testHubServer is a minimal JSON Hub Protocol server: it accepts the
// handshake unconditionally, completes invocations (optionally forcing a
// configurable number of failures per target), and can push
// server-to-client invocations or sever connections on demand to exercise
// the egress/ingest clients' reconnect paths without a real SignalR
// backend.
type testHubServer struct {
	srv *httptest.Server
	url string

	upgrader websocket.Upgrader

	mu           sync.Mutex
	connects     int
	conns        []*websocket.Conn
	received     []receivedInvocation
	failCounts   map[string]int
	pushOnInvoke map[string][]byte
	onConnected  func(*websocket.Conn)
}

func newTestHubServer() *testHubServer {
	s := &testHubServer{failCounts: make(map[string]int), pushOnInvoke: make(map[string][]byte)}
	s.srv = httptest.NewServer(s)
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

// ServeHTTP implements http.Handler so testHubServer can be passed straight
// to httptest.NewServer.
func (s *testHubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.connects++
	s.conns = append(s.conns, conn)
	hook := s.onConnected
	s.mu.Unlock()

	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return
	}
	hsResp, _ := encodeFrame(struct{}{})
	if err := conn.WriteMessage(websocket.TextMessage, hsResp); err != nil {
		conn.Close()
		return
	}

	if hook != nil {
		hook(conn)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range splitFrames(msg) {
			s.handleFrame(conn, frame)
		}
	}
}

func (s *testHubServer) handleFrame(conn *websocket.Conn, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}
	if env.Type != msgInvocation {
		return
	}

	s.mu.Lock()
	s.received = append(s.received, receivedInvocation{target: env.Target, args: env.Arguments})
	failErr := ""
	if s.failCounts[env.Target] > 0 {
		s.failCounts[env.Target]--
		failErr = "forced failure for " + env.Target
	}
	push := s.pushOnInvoke[env.Target]
	s.mu.Unlock()

	if push != nil {
		conn.WriteMessage(websocket.TextMessage, push)
	}

	if env.InvocationID == "" {
		return // fire-and-forget Send(), no completion expected
	}
	resp, err := encodeFrame(envelope{Type: msgCompletion, InvocationID: env.InvocationID, Error: failErr})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, resp)
}

func (s *testHubServer) failNext(target string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCounts[target] = n
}

// setPushOnInvoke arms the server to write frame to the connection as soon
// as it receives an invocation for target, guaranteeing the push happens
// after whatever client-side registration preceded that invocation (avoids
// a race against OnTarget handler registration).
func (s *testHubServer) setPushOnInvoke(target string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushOnInvoke[target] = frame
}

func (s *testHubServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *testHubServer) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *testHubServer) receivedTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	for i, r := range s.received {
		out[i] = r.target
	}
	return out
}

func (s *testHubServer) invocationsFor(target string) []receivedInvocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []receivedInvocation
	for _, r := range s.received {
		if r.target == target {
			out = append(out, r)
		}
	}
	return out
}

// dropAllConnections simulates a broker-side disconnect, forcing every
// connected client's read loop to exit and fire onClose.
func (s *testHubServer) dropAllConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testHubServer) close() {
	s.srv.Close()
}

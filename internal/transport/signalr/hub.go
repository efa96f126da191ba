package signalr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Hub is one persistent WebSocket connection speaking the JSON Hub
// Protocol. It is the transport primitive both the ingest and egress
// SignalR-class clients are built on.
type Hub struct {
	url  string
	log  *slog.Logger
	conn *websocket.Conn

	mu sync.Mutex // serializes writes (single-writer discipline)

	handlers map[string]func([]json.RawMessage)

	pending   sync.Map // invocationID -> chan envelope
	seq       atomic.Uint64
	onClose   func(error)
	readDone  chan struct{}
}

// BasicAuthHeader builds the request header for hub servers that expect
// credentials on the WebSocket upgrade. Returns nil when username is empty.
func BasicAuthHeader(username, password string) http.Header {
	if username == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	return h
}

// Dial opens the WebSocket connection and performs the JSON Hub Protocol
// handshake. onClose is invoked exactly once, from a dedicated goroutine,
// when the read loop exits for any reason. Callers must hop back onto
// their own context before touching state: doing work in the callback is
// not safe against a concurrent Close.
func Dial(ctx context.Context, url string, header http.Header, log *slog.Logger, onClose func(error)) (*Hub, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		return nil, fmt.Errorf("signalr dial %s: %w", url, err)
	}

	h := &Hub{
		url:      url,
		log:      log,
		conn:     conn,
		handlers: make(map[string]func([]json.RawMessage)),
		onClose:  onClose,
		readDone: make(chan struct{}),
	}

	hs, err := encodeHandshake()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := h.writeRaw(hs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signalr handshake: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("signalr handshake response: %w", err)
	}
	for _, f := range splitFrames(msg) {
		var resp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(f, &resp) == nil && resp.Error != "" {
			conn.Close()
			return nil, fmt.Errorf("signalr handshake rejected: %s", resp.Error)
		}
	}

	go h.readLoop()
	return h, nil
}

// OnTarget registers a handler for invocations of the named hub method
// (e.g. "ingress"). The handler map is not locked: the read goroutine
// reads it on every invocation, so register a target before the server
// can invoke it (the ingest client registers before calling JoinGroup).
func (h *Hub) OnTarget(target string, fn func([]json.RawMessage)) {
	h.handlers[target] = fn
}

func (h *Hub) readLoop() {
	var closeErr error
	defer func() {
		close(h.readDone)
		if h.onClose != nil {
			h.onClose(closeErr)
		}
	}()

	for {
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}
		for _, frame := range splitFrames(msg) {
			h.dispatch(frame)
		}
	}
}

func (h *Hub) dispatch(frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.log.Debug("signalr: malformed frame", "error", err)
		return
	}
	switch env.Type {
	case msgInvocation:
		if fn, ok := h.handlers[env.Target]; ok {
			fn(env.Arguments)
		}
	case msgCompletion:
		if ch, ok := h.pending.LoadAndDelete(env.InvocationID); ok {
			ch.(chan envelope) <- env
		}
	case msgPing:
		// no-op; this client sends no periodic pings of its own (nothing calls Ping).
	case msgClose:
		h.log.Info("signalr: server sent close message", "error", env.Error)
	}
}

// Invoke calls a hub method and blocks for its completion or ctx's
// deadline. Used for JoinGroup/LeaveGroup and for the egress send method,
// where the caller needs to know whether the server accepted the call.
func (h *Hub) Invoke(ctx context.Context, target string, args ...any) error {
	id := fmt.Sprintf("%d", h.seq.Add(1))
	ch := make(chan envelope, 1)
	h.pending.Store(id, ch)
	defer h.pending.Delete(id)

	frame, err := invocationFrame(id, target, args...)
	if err != nil {
		return err
	}
	if err := h.writeRaw(frame); err != nil {
		return err
	}

	select {
	case env := <-ch:
		if env.Error != "" {
			return fmt.Errorf("signalr %s failed: %s", target, env.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send calls a hub method without waiting for a completion. The egress
// client does not use it; its sends go through Invoke.
func (h *Hub) Send(target string, args ...any) error {
	frame, err := invocationFrame("", target, args...)
	if err != nil {
		return err
	}
	return h.writeRaw(frame)
}

func (h *Hub) writeRaw(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, b)
}

// Ping sends a keepalive frame.
func (h *Hub) Ping() error {
	frame, err := pingFrame()
	if err != nil {
		return err
	}
	return h.writeRaw(frame)
}

// Close tears down the WebSocket connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	err := h.conn.Close()
	h.mu.Unlock()
	<-h.readDone
	return err
}

// SPDX-License-Identifier: MIT
package transport

import (
	"net/http"
	"sync"

	applog "specrec/internal/log"

	"github.com/gorilla/websocket"
)

// clientBuffer is the number of messages queued per client before new
// messages for that client are dropped.
const clientBuffer = 32

// WebSocketTransport broadcasts display messages as JSON to every connected
// client. It is an http.Handler; mount it on the control server's /ws route.
// A slow client loses messages rather than holding up Send.
type WebSocketTransport struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	dropped uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan any
	once sync.Once
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.send) })
}

// NewWebSocketTransport creates a transport with no clients.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // The feed is read-only display data.
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (wst *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warnf("WebSocketTransport: Upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan any, clientBuffer)}
	wst.mu.Lock()
	if wst.closed {
		wst.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	wst.clients[client] = struct{}{}
	total := len(wst.clients)
	wst.mu.Unlock()
	applog.Infof("WebSocketTransport: Client connected from %s, total: %d", r.RemoteAddr, total)

	go wst.writeLoop(client)
	go wst.readLoop(client)
}

// readLoop discards client messages and unregisters the client once its
// connection fails.
func (wst *WebSocketTransport) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	wst.remove(c)
}

func (wst *WebSocketTransport) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteJSON(data); err != nil {
			applog.Debugf("WebSocketTransport: Error sending to client: %v", err)
			wst.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (wst *WebSocketTransport) remove(c *wsClient) {
	wst.mu.Lock()
	_, ok := wst.clients[c]
	delete(wst.clients, c)
	total := len(wst.clients)
	wst.mu.Unlock()
	if ok {
		c.stop()
		applog.Infof("WebSocketTransport: Client disconnected, total: %d", total)
	}
}

// Send queues data for every client without blocking.
func (wst *WebSocketTransport) Send(data any) error {
	wst.mu.Lock()
	defer wst.mu.Unlock()
	for c := range wst.clients {
		select {
		case c.send <- data:
		default:
			wst.dropped++
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.mu.Lock()
	defer wst.mu.Unlock()
	return len(wst.clients)
}

// Dropped returns the number of per-client messages dropped so far.
func (wst *WebSocketTransport) Dropped() uint64 {
	wst.mu.Lock()
	defer wst.mu.Unlock()
	return wst.dropped
}

// Close disconnects every client and refuses new ones.
func (wst *WebSocketTransport) Close() error {
	wst.mu.Lock()
	if wst.closed {
		wst.mu.Unlock()
		return nil
	}
	wst.closed = true
	clients := wst.clients
	wst.clients = make(map[*wsClient]struct{})
	wst.mu.Unlock()

	applog.Infof("WebSocketTransport: Closing %d client(s)", len(clients))
	for c := range clients {
		c.stop()
	}
	return nil
}

// Ensure WebSocketTransport satisfies the interfaces
var (
	_ Transport    = (*WebSocketTransport)(nil)
	_ http.Handler = (*WebSocketTransport)(nil)
)

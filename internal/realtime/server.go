package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tabbridge/internal/conn"
	"tabbridge/internal/mux"
	"tabbridge/internal/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// HealthSource reports the connection state for /healthz.
type HealthSource interface {
	State() conn.State
}

// Server exposes the shared session over HTTP and WebSocket. Each socket is
// registered as a multiplexer client for its lifetime; POST /rpc gets an
// ephemeral registration per request.
type Server struct {
	broker *mux.Mux
	health HealthSource

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	muxID  string
	server *Server
}

// New creates a realtime server over the given multiplexer.
func New(broker *mux.Mux, health HealthSource) *Server {
	return &Server{
		broker:  broker,
		health:  health,
		clients: make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	httpMux := http.NewServeMux()

	// WebSocket endpoint.
	httpMux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	httpMux.HandleFunc("POST /rpc", s.handleRPC)
	httpMux.HandleFunc("GET /healthz", s.handleHealthz)

	return corsMiddleware(httpMux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket and registers it
// as a multiplexer client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   wsConn,
		send:   make(chan []byte, 256),
		muxID:  s.broker.Register(),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads frames from the WebSocket connection and routes each one
// through the multiplexer.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
		c.server.handleFrame(c, raw)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if !s.clients[c] {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.broker.Unregister(c.muxID)
	close(c.send)
}

// handleFrame processes one client frame and queues the response. Frames that
// fail validation get an error envelope; a full send buffer drops the
// response rather than blocking the reader.
func (s *Server) handleFrame(c *client, raw []byte) {
	var resp protocol.Response

	req, err := protocol.ValidateRequest(raw)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		resp = protocol.ErrorResponseFrom(id, err)
	} else {
		resp = s.broker.Execute(c.muxID, *req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("realtime: marshal response: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

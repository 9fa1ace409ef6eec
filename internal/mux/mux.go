package mux

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabbridge/internal/command"
	"tabbridge/internal/protocol"
)

// Handler is the inner dispatcher the multiplexer forwards to.
type Handler interface {
	HandleRequest(req protocol.Request) protocol.Response
}

// Stats is an aggregate snapshot of multiplexer activity.
type Stats struct {
	Clients       int   `json:"clients"`
	Pending       int   `json:"pending"`
	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
}

type client struct {
	id           string
	registeredAt time.Time
	requests     int64
	failures     int64
	lastSeen     time.Time
}

type pendingRequest struct {
	clientID   string
	originalID json.RawMessage
}

// Mux lets several independent clients share the one underlying session by
// namespacing request identifiers. Each client's original id is restored on
// its own response, so colliding ids across clients stay isolated.
//
// The execute path beneath is single-flight by design, so concurrent clients
// are serialized at the physical layer rather than interleaved; id isolation
// holds regardless.
type Mux struct {
	inner Handler

	mu            sync.Mutex
	clients       map[string]*client
	pending       map[string]pendingRequest
	seq           uint64
	totalRequests int64
	totalFailures int64
}

// New creates a multiplexer forwarding to inner.
func New(inner Handler) *Mux {
	return &Mux{
		inner:   inner,
		clients: make(map[string]*client),
		pending: make(map[string]pendingRequest),
	}
}

// Register adds a client and returns its generated id.
func (m *Mux) Register() string {
	id := uuid.New().String()
	now := time.Now().UTC()

	m.mu.Lock()
	m.clients[id] = &client{id: id, registeredAt: now, lastSeen: now}
	m.mu.Unlock()
	return id
}

// Unregister removes a client. Its in-flight requests complete normally;
// only the bookkeeping entry goes away.
func (m *Mux) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return fmt.Errorf("unknown client: %s", id)
	}
	delete(m.clients, id)
	return nil
}

// Execute forwards one request on behalf of clientID. The request id is
// rewritten to a value unique for the mapping's lifetime and restored before
// the response is handed back.
func (m *Mux) Execute(clientID string, req protocol.Request) protocol.Response {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return protocol.NewErrorResponse(req.ID, protocol.CodeBadArguments,
			fmt.Sprintf("unregistered client: %s", clientID),
			map[string]interface{}{"client_id": clientID})
	}
	m.seq++
	rewritten := fmt.Sprintf("%.8s:%d", clientID, m.seq)
	m.pending[rewritten] = pendingRequest{clientID: clientID, originalID: req.ID}
	c.lastSeen = time.Now().UTC()
	m.mu.Unlock()

	forwarded := req
	forwarded.ID, _ = json.Marshal(rewritten)

	resp := m.inner.HandleRequest(forwarded)

	m.mu.Lock()
	mapping, had := m.pending[rewritten]
	delete(m.pending, rewritten)
	m.totalRequests++
	if resp.Error != nil {
		m.totalFailures++
	}
	// The client may have unregistered mid-flight; counters are best-effort
	// then.
	if c, ok := m.clients[clientID]; ok {
		c.requests++
		if resp.Error != nil {
			c.failures++
		}
	}
	m.mu.Unlock()

	if had {
		resp.ID = mapping.originalID
	}
	if resp.ID == nil {
		resp.ID = protocol.NullID
	}
	return resp
}

// Snapshot lists registered clients. Implements command.ClientsHandle.
func (m *Mux) Snapshot() []command.ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]command.ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, command.ClientInfo{
			ID:           c.id,
			RegisteredAt: c.registeredAt,
			Requests:     c.requests,
			Failures:     c.failures,
			LastSeen:     c.lastSeen,
		})
	}
	return out
}

// Stats returns the aggregate counters.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Clients:       len(m.clients),
		Pending:       len(m.pending),
		TotalRequests: m.totalRequests,
		TotalFailures: m.totalFailures,
	}
}

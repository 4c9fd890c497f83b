package hub

import (
	"sort"
	"sync"

	"github.com/shigarus/telebroker/internal/logging"
	"github.com/shigarus/telebroker/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Client is the writable handle for one listener connection. Out carries
// ready-to-write text chunks; the per-connection writer goroutine drains it,
// so writes to one listener are serialized and keep dispatcher order.
type Client struct {
	ID        uint64 // registry listener id
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client handle with an outbound buffer of buf chunks.
func NewClient(id uint64, buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{ID: id, Out: make(chan []byte, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub is the listener connection table: live writable handles keyed by
// listener id, plus the backpressure policy applied when a handle's outbound
// queue is full.
type Hub struct {
	mu         sync.RWMutex
	clients    map[uint64]*Client
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[uint64]*Client)} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c.ID] = c
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubListeners(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("listeners_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
// Identity is checked so a stale handle cannot evict a newer one under the same id.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	cur, existed := h.clients[c.ID]
	if existed && cur == c {
		delete(h.clients, c.ID)
	} else {
		existed = false
	}
	n := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetHubListeners(n)
	if existed && n == 0 {
		logging.L().Info("listeners_last_disconnected")
	}
}

// Get returns the client registered under id.
func (h *Hub) Get(id uint64) (*Client, bool) {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	return c, ok
}

// Offer enqueues chunk on c honoring the backpressure policy. It reports
// whether the chunk was accepted; it never blocks.
func (h *Hub) Offer(c *Client, chunk []byte) bool {
	select {
	case c.Out <- chunk:
		return true
	default:
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close() // signal writer to exit; server will Remove on disconnect
		} else {
			metrics.IncHubDrop()
		}
		return false
	}
}

// Snapshot returns a slice copy of current clients in ascending id order.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }

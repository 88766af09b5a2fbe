package websocket

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"intelligence-coordinator/internal/database"
	"intelligence-coordinator/internal/models"
)

// client pairs a connection with a write lock. gorilla/websocket allows at
// most one concurrent writer per connection, and overlapping broadcasts
// would otherwise race on the same conn.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Manager manages WebSocket monitor connections and broadcasts
type Manager struct {
	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
	db        *database.DB
}

// New creates a new WebSocket manager
func New(db *database.DB) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]*client),
		db:      db,
	}
}

// AddClient adds a new WebSocket client
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn}

	m.clientsMu.Lock()
	m.clients[conn] = c
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] New monitor connected. Total clients: %d", m.ClientCount())

	// Send initial snapshot
	m.sendSnapshot(c)

	// Handle disconnection
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WEBSOCKET] Monitor disconnected. Total clients: %d", m.ClientCount())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends updates to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	for _, c := range clients {
		go m.sendSnapshot(c)
	}
}

// sendSnapshot sends the current coordinator snapshot to one client
func (m *Manager) sendSnapshot(c *client) {
	metrics, _ := m.db.GetMetrics()
	dispatched, _ := m.db.ListIntelligences(string(models.StateDispatched), "", 100)

	update := map[string]interface{}{
		"metrics":    metrics,
		"dispatched": dispatched,
	}

	if err := c.writeJSON(update); err != nil {
		log.Printf("[ERROR] Failed to send WebSocket update: %v", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is one WebSocket connection. Writes are serialized because the
// connection allows only one concurrent writer.
type Client struct {
	ID string

	conn *websocket.Conn
	mu   sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{ID: uuid.New().String(), conn: conn}
}

// Send writes v as JSON.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) close() {
	_ = c.conn.Close()
}

// shortID is the first eight characters of the client ID, for logs.
func (c *Client) shortID() string {
	if len(c.ID) > 8 {
		return c.ID[:8]
	}
	return c.ID
}

// ClientManager manages WebSocket client connections and broadcasting.
type ClientManager struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewClientManager creates a new ClientManager instance.
func NewClientManager(logger zerolog.Logger) *ClientManager {
	return &ClientManager{
		clients: make(map[*Client]struct{}),
		log:     logger,
	}
}

// Register adds a new client connection.
func (cm *ClientManager) Register(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[c] = struct{}{}
}

// Unregister removes a client connection.
func (cm *ClientManager) Unregister(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.clients, c)
}

// Count returns the number of connected clients.
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// CloseAll closes all client connections.
func (cm *ClientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for c := range cm.clients {
		c.close()
		delete(cm.clients, c)
	}
}

// Broadcast sends a message to all connected clients. Clients that cannot
// be written to are closed and dropped.
func (cm *ClientManager) Broadcast(message any) {
	cm.mu.RLock()
	clients := make([]*Client, 0, len(cm.clients))
	for c := range cm.clients {
		clients = append(clients, c)
	}
	cm.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(message); err != nil {
			cm.log.Warn().Err(err).Str("client", c.shortID()).Msg("WebSocket write error")
			c.close()
			cm.Unregister(c)
		}
	}
}

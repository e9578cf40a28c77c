package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// Client is one live websocket connection implicitly subscribed to its own
// owner's job events. The send channel is never closed; done signals the
// write pump to finish, so a concurrent Publish can never hit a closed
// channel.
type Client struct {
	ownerID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
}

// Hub fans events out to every live connection of an owner. An owner may hold
// several connections at once (extension popup plus dashboard tab).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "notify_hub").Logger(),
	}
}

// Attach upgrades nothing itself; the HTTP handler hands over an established
// websocket connection and the hub runs its pumps.
func (h *Hub) Attach(ownerID string, conn *websocket.Conn) {
	client := &Client{
		ownerID: ownerID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.clients[ownerID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[ownerID] = set
	}
	set[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info().Str("owner_id", ownerID).Msg("websocket attached")
	go client.writePump(h)
	go client.readPump(h)
}

func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	if set, ok := h.clients[client.ownerID]; ok {
		if _, present := set[client]; present {
			delete(set, client)
			close(client.done)
			if len(set) == 0 {
				delete(h.clients, client.ownerID)
			}
		}
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// Publish delivers the event to every live connection of the owner.
// Best-effort: a connection with a full send buffer, or one already on its
// way out, is skipped rather than blocked on.
func (h *Hub) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	set := h.clients[event.OwnerID]
	targets := make([]*Client, 0, len(set))
	for client := range set {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- payload:
		case <-client.done:
		default:
			h.logger.Warn().Str("owner_id", event.OwnerID).Msg("send buffer full, dropping event")
		}
	}
	return nil
}

// ConnectionCount reports live connections for the owner.
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer h.detach(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients only listen; any inbound frame besides control traffic is
		// drained and ignored.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ Publisher = (*Hub)(nil)

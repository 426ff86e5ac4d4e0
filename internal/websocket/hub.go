// Package websocket fans processed events, alerts, and session updates out
// to dashboard clients over a channel-addressed pub/sub protocol.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/metrics"
	"github.com/IngaCherny/AgentsLeak/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard token (when configured) is the real gate; the
		// collector host is routinely reached from file:// dashboards.
		return true
	},
}

// Channel names.
const (
	ChannelEvents   = "events"
	ChannelAlerts   = "alerts"
	ChannelSessions = "sessions"
)

// SessionChannel returns the per-session channel name.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// clientMessage is what clients send: subscribe/unsubscribe/ping.
type clientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Client is one connected dashboard subscriber. The send channel is never
// closed; drop signals done instead, so publishers racing a disconnect can
// still enqueue into the buffer without panicking. writePump owns the exit.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	dropOnce sync.Once
	id       string
	channels map[string]bool
}

// Hub tracks clients and their channel subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and runs the client until it
// disconnects. New connections are subscribed to events and alerts.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		id:   fmt.Sprintf("client-%d", time.Now().UnixNano()),
		channels: map[string]bool{
			ChannelEvents: true,
			ChannelAlerts: true,
		},
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(total))
	log.Info().Str("client", client.id).Int("total", total).Msg("WebSocket client connected")

	client.sendControl("connected", map[string]any{
		"message":       "Connected to AgentsLeak WebSocket",
		"subscriptions": client.channelList(),
	})

	go client.writePump()
	client.readPump()
}

// drop unregisters the client and signals its pumps to exit. Safe to call
// from any goroutine, any number of times.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.dropOnce.Do(func() { close(client.done) })
	if !ok {
		return
	}
	metrics.WSClients.Set(float64(total))
	log.Info().Str("client", client.id).Int("total", total).Msg("WebSocket client disconnected")
}

// BroadcastEvent publishes a processed event to the events channel and the
// event's session channel.
func (h *Hub) BroadcastEvent(e *models.Event) {
	h.publish("event", e, ChannelEvents, SessionChannel(e.SessionID))
}

// BroadcastAlert publishes an alert to the alerts channel and the alert's
// session channel.
func (h *Hub) BroadcastAlert(a *models.Alert) {
	h.publish("alert", a, ChannelAlerts, SessionChannel(a.SessionID))
}

// BroadcastSessionUpdate publishes a session state change.
func (h *Hub) BroadcastSessionUpdate(s *models.Session) {
	h.publish("session_update", s, ChannelSessions, SessionChannel(s.SessionID))
}

// publish serializes once and sends to every client subscribed to any of
// the given channels. A full or broken client is dropped, not retried.
func (h *Hub) publish(msgType string, payload any, channels ...string) {
	data, err := json.Marshal(map[string]any{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
	})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.subscribedAny(channels) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			log.Warn().Str("client", client.id).Msg("Send buffer full, dropping client")
			h.drop(client)
		}
	}
}

// subscribedAny reports whether the client listens on any of the channels,
// honoring trailing-star wildcard subscriptions like "session:*".
func (c *Client) subscribedAny(channels []string) bool {
	for _, channel := range channels {
		if c.channels[channel] {
			return true
		}
		for sub := range c.channels {
			if strings.HasSuffix(sub, "*") && strings.HasPrefix(channel, strings.TrimSuffix(sub, "*")) {
				return true
			}
		}
	}
	return false
}

func (c *Client) channelList() []string {
	list := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		list = append(list, ch)
	}
	return list
}

// sendControl queues a control frame ("connected", "subscribed", "pong",
// "error"); these use a data key, broadcast frames use payload.
func (c *Client) sendControl(msgType string, data map[string]any) {
	frame, err := json.Marshal(map[string]any{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendControl("error", map[string]any{"message": "Invalid JSON message"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.hub.mu.Lock()
			for _, channel := range msg.Channels {
				c.channels[channel] = true
			}
			c.hub.mu.Unlock()
			c.sendControl("subscribed", map[string]any{"channels": c.channelList()})
		case "unsubscribe":
			c.hub.mu.Lock()
			for _, channel := range msg.Channels {
				delete(c.channels, channel)
			}
			c.hub.mu.Unlock()
			c.sendControl("unsubscribed", map[string]any{"channels": c.channelList()})
		case "ping":
			c.sendControl("pong", map[string]any{})
		default:
			c.sendControl("error", map[string]any{"message": "Unknown action: " + msg.Action})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

func dialTestHub(t *testing.T) (*Hub, *gws.Conn) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, resp, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *gws.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestHubConnectAndDefaultSubscriptions(t *testing.T) {
	hub, conn := dialTestHub(t)

	hello := readFrame(t, conn)
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, 1, hub.ClientCount())

	// New clients get events and alerts without subscribing.
	event := models.NewEvent("s1", models.HookPostToolUse)
	hub.BroadcastEvent(event)
	got := readFrame(t, conn)
	assert.Equal(t, "event", got.Type)

	var payload models.Event
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, event.ID, payload.ID)

	hub.BroadcastAlert(models.NewAlert("s1", "t", models.SeverityHigh))
	assert.Equal(t, "alert", readFrame(t, conn).Type)
}

func TestHubSubscribeSessionsChannel(t *testing.T) {
	hub, conn := dialTestHub(t)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "subscribe",
		"channels": []string{ChannelSessions},
	}))
	assert.Equal(t, "subscribed", readFrame(t, conn).Type)

	hub.BroadcastSessionUpdate(models.NewSession("s1"))
	assert.Equal(t, "session_update", readFrame(t, conn).Type)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub, conn := dialTestHub(t)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "unsubscribe",
		"channels": []string{ChannelEvents},
	}))
	assert.Equal(t, "unsubscribed", readFrame(t, conn).Type)

	hub.BroadcastEvent(models.NewEvent("s1", models.HookPostToolUse))
	// Still subscribed to alerts; the alert must be the next frame, with no
	// event frame in between.
	hub.BroadcastAlert(models.NewAlert("s1", "t", models.SeverityLow))
	assert.Equal(t, "alert", readFrame(t, conn).Type)
}

func TestHubPing(t *testing.T) {
	_, conn := dialTestHub(t)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestHubUnknownActionAndBadJSON(t *testing.T) {
	_, conn := dialTestHub(t)
	readFrame(t, conn) // connected

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("{bad json")))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "launch"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub, conn := dialTestHub(t)
	readFrame(t, conn) // connected
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubConcurrentBroadcastAndDisconnect(t *testing.T) {
	hub := NewHub()

	// Tiny send buffers force the publish path into its drop branch while
	// the other goroutine drops the same clients directly.
	for round := 0; round < 50; round++ {
		clients := make([]*Client, 0, 20)
		for i := 0; i < 20; i++ {
			c := &Client{
				hub:      hub,
				send:     make(chan []byte, 1),
				done:     make(chan struct{}),
				id:       fmt.Sprintf("c%d-%d", round, i),
				channels: map[string]bool{ChannelEvents: true},
			}
			hub.mu.Lock()
			hub.clients[c] = true
			hub.mu.Unlock()
			clients = append(clients, c)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				hub.BroadcastEvent(models.NewEvent("s1", models.HookPostToolUse))
			}
		}()
		go func() {
			defer wg.Done()
			for _, c := range clients {
				hub.drop(c)
			}
		}()
		wg.Wait()
	}

	assert.Equal(t, 0, hub.ClientCount())
}

func TestSubscribedAnyWildcard(t *testing.T) {
	c := &Client{channels: map[string]bool{"session:*": true}}
	assert.True(t, c.subscribedAny([]string{SessionChannel("abc")}))
	assert.False(t, c.subscribedAny([]string{ChannelEvents}))

	exact := &Client{channels: map[string]bool{ChannelAlerts: true}}
	assert.True(t, exact.subscribedAny([]string{ChannelAlerts}))
	assert.False(t, exact.subscribedAny([]string{ChannelEvents}))
}

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "session:abc", SessionChannel("abc"))
}

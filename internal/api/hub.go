package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/knx-gateway/internal/agent"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/logging"
)

// liveChannels are the channels a WebSocket client may subscribe to.
var liveChannels = map[string]bool{
	agent.ChannelAttributeValue:      true,
	agent.ChannelConfigurationStatus: true,
}

// SnapshotFunc returns the current state of a channel, sent to a client
// right after it subscribes. It may return nil.
type SnapshotFunc func(ctx context.Context, channel string) []any

// Hub fans attribute values and configuration statuses out to WebSocket
// clients. It implements agent.Broadcaster.
type Hub struct {
	logger   *logging.Logger
	snapshot SnapshotFunc

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(logger *logging.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // shutdown
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", c.id, "subject", c.subject, "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "client", c.id, "clients", n)
}

// Broadcast sends payload to every client whose subscription matches the
// channel and, for attribute values and statuses, the asset or
// configuration.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("failed to encode websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, payload) && !c.deliver(data) {
			h.logger.Warn("websocket client too slow, event dropped", "client", c.id, "channel", channel)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// filter is what a client subscribed to. Empty asset or configuration
// sets match everything on their channel.
type filter struct {
	channels       map[string]bool
	assets         map[string]bool
	configurations map[string]bool
}

func newFilter() filter {
	return filter{
		channels:       make(map[string]bool),
		assets:         make(map[string]bool),
		configurations: make(map[string]bool),
	}
}

func (f filter) matches(channel string, payload any) bool {
	if !f.channels[channel] {
		return false
	}
	switch m := payload.(type) {
	case agent.AttributeValueMessage:
		return len(f.assets) == 0 || f.assets[m.AssetID]
	case agent.ConfigurationStatusMessage:
		return len(f.configurations) == 0 || f.configurations[m.ConfigurationID]
	}
	return true
}

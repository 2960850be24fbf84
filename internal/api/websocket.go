package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/knx-gateway/internal/agent"
	"github.com/nerrad567/knx-gateway/internal/auth"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
	snapshotTimeout  = 2 * time.Second
)

// WSMessage is a frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and optionally narrows them to
// assets (attribute.value) or configurations (configuration.status).
type WSSubscribePayload struct {
	Channels       []string `json:"channels"`
	Assets         []string `json:"assets,omitempty"`
	Configurations []string `json:"configurations,omitempty"`
}

// wsRequest is a frame received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket authenticates and upgrades a live feed connection.
// Browsers cannot set headers on the upgrade request, so the token may
// also be passed as the "token" query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeUnauthorized(w, "token is required")
		return
	}
	claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret, s.secCfg.JWT.Issuer)
	if err != nil {
		writeUnauthorized(w, "invalid or expired token")
		return
	}
	if !auth.HasPermission(claims.Role, auth.PermRead) {
		writeForbidden(w, "missing permission "+string(auth.PermRead))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn, claims.Subject)
	s.hub.add(c)
	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

// statusSnapshot lists the current status of every configuration for
// clients that just subscribed to configuration.status.
func (s *Server) statusSnapshot(ctx context.Context, channel string) []any {
	if channel != agent.ChannelConfigurationStatus {
		return nil
	}
	infos, err := s.gateway.Configurations(ctx)
	if err != nil {
		s.logger.Warn("configuration status snapshot failed", "error", err)
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Config.ID < infos[j].Config.ID })

	now := time.Now().UTC()
	out := make([]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, agent.ConfigurationStatusMessage{
			ConfigurationID: info.Config.ID,
			Status:          string(info.Status),
			Timestamp:       now,
		})
	}
	return out
}

// wsClient is one live feed connection.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	subject string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	filter filter
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *wsClient {
	return &wsClient{
		hub:     hub,
		conn:    conn,
		id:      uuid.NewString(),
		subject: subject,
		send:    make(chan []byte, wsSendBufferSize),
		filter:  newFilter(),
	}
}

// deliver queues data without blocking. It reports false when the buffer
// is full; a closed client silently discards.
func (c *wsClient) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close ends the write pump. It is safe to call more than once.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) wants(channel string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.matches(channel, payload)
}

func (c *wsClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close() //nolint:errcheck // connection is done
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }
	extend("") //nolint:errcheck // first deadline
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		// Application messages count as liveness too; some browsers never
		// answer protocol pings.
		extend("") //nolint:errcheck // a failed deadline surfaces on the next read
		c.handle(data)
	}
}

func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // connection is done
	}()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error reported below
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error reported below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || len(p.Channels) == 0 {
			c.reply(req.ID, WSTypeError, map[string]string{"message": "payload needs a channels list"})
			return
		}
		if unknown := unknownChannels(p.Channels); len(unknown) > 0 {
			c.reply(req.ID, WSTypeError, map[string]any{"message": "unknown channels", "channels": unknown})
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(req.ID, p)
		} else {
			c.unsubscribe(req.ID, p)
		}
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

func (c *wsClient) subscribe(id string, p WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range p.Channels {
		c.filter.channels[ch] = true
	}
	for _, a := range p.Assets {
		c.filter.assets[a] = true
	}
	for _, cfg := range p.Configurations {
		c.filter.configurations[cfg] = true
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "client", c.id, "subject", c.subject, "channels", p.Channels)
	c.reply(id, WSTypeResponse, map[string]any{"subscribed": p.Channels})

	if c.hub.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	for _, ch := range p.Channels {
		for _, payload := range c.hub.snapshot(ctx, ch) {
			if !c.wants(ch, payload) {
				continue
			}
			if data, err := encodeEvent(ch, payload); err == nil {
				c.deliver(data)
			}
		}
	}
}

func (c *wsClient) unsubscribe(id string, p WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range p.Channels {
		delete(c.filter.channels, ch)
	}
	for _, a := range p.Assets {
		delete(c.filter.assets, a)
	}
	for _, cfg := range p.Configurations {
		delete(c.filter.configurations, cfg)
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": p.Channels})
}

func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.deliver(data)
}

func unknownChannels(channels []string) []string {
	var unknown []string
	for _, ch := range channels {
		if !liveChannels[ch] {
			unknown = append(unknown, ch)
		}
	}
	return unknown
}

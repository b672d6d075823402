package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/tydom-bridge/internal/device"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/logging"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSnapshot    = "snapshot"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels. A client may also subscribe to "device:<unique_id>" to
// receive both events for a single device.
const (
	ChannelDeviceCreated = "device.created"
	ChannelDeviceUpdated = "device.updated"
	ChannelAll           = "*"

	deviceChannelPrefix = "device:"
)

const wsSendBufferSize = 256

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame; the payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// DeviceChannel names the per-device channel of uniqueID.
func DeviceChannel(uniqueID string) string {
	return deviceChannelPrefix + uniqueID
}

func validChannel(ch string) bool {
	switch ch {
	case ChannelAll, ChannelDeviceCreated, ChannelDeviceUpdated:
		return true
	}
	id, ok := strings.CutPrefix(ch, deviceChannelPrefix)
	return ok && id != "" && len(id) <= maxQueryParamLen
}

// Hub fans registry events out to WebSocket clients.
//
// Once attached it observes every device: creations are published on
// ChannelDeviceCreated and merged deltas on ChannelDeviceUpdated, both
// carrying the device snapshot.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	registry *device.Registry
	detached bool
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes client. Whoever deletes the map entry closes the send
// channel, so shutdown and a concurrent read error cannot both close it.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// publish delivers an event to clients subscribed to channel or to the
// channel of uniqueID.
func (h *Hub) publish(channel, uniqueID string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "channel", channel, "error", err)
		return
	}

	// Client locks are taken only after the hub lock is released.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, uniqueID) {
			c.trySend(data)
		}
	}
}

// Attach subscribes the hub to every current and future device in reg.
func (h *Hub) Attach(reg *device.Registry) {
	h.mu.Lock()
	h.registry = reg
	h.detached = false
	h.mu.Unlock()

	reg.OnCreated(h)
	for _, dev := range reg.List() {
		reg.Subscribe(dev.UniqueID(), h)
	}
}

// Detach stops device events. The registry keeps the creation observer,
// which is ignored from then on.
func (h *Hub) Detach(reg *device.Registry) {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()

	for _, dev := range reg.List() {
		reg.Unsubscribe(dev.UniqueID(), h)
	}
}

// DeviceCreated implements device.CreationObserver.
func (h *Hub) DeviceCreated(dev *device.Device) {
	h.mu.RLock()
	reg, detached := h.registry, h.detached
	h.mu.RUnlock()
	if detached {
		return
	}
	if reg != nil {
		reg.Subscribe(dev.UniqueID(), h)
	}
	h.publish(ChannelDeviceCreated, dev.UniqueID(), dev.Snapshot())
}

// DeviceUpdated implements device.Observer.
func (h *Hub) DeviceUpdated(dev *device.Device) {
	h.publish(ChannelDeviceUpdated, dev.UniqueID(), dev.Snapshot())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshots() []device.Snapshot {
	h.mu.RLock()
	reg := h.registry
	h.mu.RUnlock()
	if reg == nil {
		return []device.Snapshot{}
	}
	devices := reg.List()
	out := make([]device.Snapshot, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev.Snapshot())
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the request. Browsers are held to the same
// origin list as the REST API.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writeLoop(s.wsCfg)
	go client.readLoop(s.wsCfg)
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // a dead conn fails the first read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application frames count as liveness too; some browsers never
		// answer control pings.
		extend() //nolint:errcheck // next read reports a broken conn
		c.handle(data)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // surfaced by WriteMessage
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.changeChannels(req)
	case WSTypeSnapshot:
		c.reply(req.ID, WSTypeResponse, map[string]any{"devices": c.hub.snapshots()})
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorBody("unknown message type: "+req.Type))
	}
}

// changeChannels applies a subscribe or unsubscribe request. Unknown
// channel names reject the whole request.
func (c *WSClient) changeChannels(req wsRequest) {
	var body WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &body) != nil || len(body.Channels) == 0 {
		c.reply(req.ID, WSTypeError, errorBody("payload must list channels"))
		return
	}
	for _, ch := range body.Channels {
		if !validChannel(ch) {
			c.reply(req.ID, WSTypeError, errorBody("unknown channel: "+ch))
			return
		}
	}

	c.mu.Lock()
	for _, ch := range body.Channels {
		if req.Type == WSTypeSubscribe {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if req.Type == WSTypeUnsubscribe {
		key = "unsubscribed"
	}
	c.reply(req.ID, WSTypeResponse, map[string]any{key: body.Channels})
}

// wants reports whether an event on channel for uniqueID should reach c.
func (c *WSClient) wants(channel, uniqueID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[ChannelAll]; ok {
		return true
	}
	if _, ok := c.channels[channel]; ok {
		return true
	}
	_, ok := c.channels[DeviceChannel(uniqueID)]
	return ok
}

// trySend queues data without blocking. Slow clients lose events, and a
// send racing with Unregister is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on closed channel
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}

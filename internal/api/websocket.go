package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/device"
	"github.com/nerrad567/growlink-core/internal/gateway"
	"github.com/nerrad567/growlink-core/internal/infrastructure/config"
	"github.com/nerrad567/growlink-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeSnapshot    = "snapshot"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// Device channel.
	WSTypeCommand   = "command"
	WSTypeTelemetry = "telemetry"
	WSTypeOutcome   = "outcome"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WebSocket defaults applied when the configuration leaves a value unset.
const (
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// WSMessage represents a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsInbound is a message received from a WebSocket client. The payload is
// decoded once the type is known.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSOutcomePayload is the payload of a device "outcome" message.
type WSOutcomePayload struct {
	CommandID int64 `json:"command_id"`
	Success   *bool `json:"success"`
}

// clientKind distinguishes observers from device push channels.
type clientKind int

const (
	kindObserver clientKind = iota
	kindDevice
)

// Hub tracks connected WebSocket clients and disconnects them on shutdown.
// Event fan-out itself is done by the gateway's broadcaster; each client
// owns one subscription.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	id       string
	kind     clientKind
	deviceID string // device channels only
	hub      *Hub
	gw       *gateway.Service
	conn     *websocket.Conn
	send     chan []byte
	sub      *broadcast.Subscription
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return cfg
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected",
		"client_id", client.id,
		"device_id", client.deviceID,
		"clients", h.ClientCount(),
	)
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	client.sub.Close()
	h.logger.Debug("websocket client disconnected", "client_id", client.id, "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Counts returns the number of connected observers and devices.
func (h *Hub) Counts() (observers, devices int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.kind == kindDevice {
			devices++
		} else {
			observers++
		}
	}
	return observers, devices
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.sub.Close()
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades an observer connection. The client receives a
// snapshot of the full state and then live events.
//
// The optional channels query parameter is a comma separated list of
// "global" and "device:<id>"; the default is "global".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topics := []string{broadcast.GlobalTopic}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		parsed, err := parseChannels(strings.Split(raw, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		topics = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	snapshot, sub := s.gw.Subscribe(topics...)
	client := s.newClient(conn, sub, kindObserver, "")
	s.hub.Register(client)

	// The snapshot is queued before forwarding starts so it is always the
	// first message.
	client.sendResponse("", WSTypeSnapshot, snapshot)

	go client.forward()
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// handleDeviceWebSocket upgrades a device push channel. Pending commands
// are pushed as soon as the channel is open.
func (s *Server) handleDeviceWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	sub, err := s.gw.OpenDeliveryChannel(deviceID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Error("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	client := s.newClient(conn, sub, kindDevice, deviceID)
	s.hub.Register(client)

	go client.forward()
	go client.writePump(s.wsCfg)

	// The backlog is flushed before the first inbound message is read.
	if _, err := s.gw.PushCommand(context.Background(), deviceID); err != nil {
		s.logger.Warn("flushing pending commands failed", "device_id", deviceID, "error", err)
	}
	go client.readPump(s.wsCfg)
}

func (s *Server) newClient(conn *websocket.Conn, sub *broadcast.Subscription, kind clientKind, deviceID string) *WSClient {
	return &WSClient{
		id:       uuid.NewString(),
		kind:     kind,
		deviceID: deviceID,
		hub:      s.hub,
		gw:       s.gw,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		sub:      sub,
	}
}

// parseChannels maps observer channel names onto broadcast topics.
// Delivery topics belong to devices and are refused.
func parseChannels(channels []string) ([]string, error) {
	topics := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		switch {
		case ch == broadcast.GlobalTopic:
		case strings.HasPrefix(ch, "device:"):
			if err := device.ValidateID(strings.TrimPrefix(ch, "device:")); err != nil {
				return nil, fmt.Errorf("channel %q: %w", ch, err)
			}
		default:
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
		topics = append(topics, ch)
	}
	if len(topics) == 0 {
		return nil, errors.New("no channels given")
	}
	return topics, nil
}

// forward relays broadcaster events into the client's send buffer until the
// subscription is closed.
func (c *WSClient) forward() {
	for ev := range c.sub.C() {
		msg := WSMessage{
			Type:      WSTypeEvent,
			EventType: string(ev.Type),
			DeviceID:  ev.DeviceID,
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Payload:   ev.Payload,
		}
		if ev.Type == broadcast.EventCommandPush {
			msg.Type = WSTypeCommand
			msg.EventType = ""
		}
		data, err := json.Marshal(msg)
		if err != nil {
			c.hub.logger.Error("failed to marshal websocket event", "event_type", ev.Type, "error", err)
			continue
		}
		c.trySend(data)
	}
	// Gateway shutdown ends the subscription; drop the connection with it.
	if c.conn != nil {
		c.conn.Close()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client_id", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if the peer doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	if msg.Type == WSTypePing {
		c.sendResponse(msg.ID, WSTypePong, nil)
		return
	}

	switch c.kind {
	case kindObserver:
		switch msg.Type {
		case WSTypeSubscribe:
			c.handleSubscribe(msg)
			return
		case WSTypeUnsubscribe:
			c.handleUnsubscribe(msg)
			return
		}
	case kindDevice:
		switch msg.Type {
		case WSTypeTelemetry:
			c.handleTelemetry(msg)
			return
		case WSTypeOutcome:
			c.handleOutcome(msg)
			return
		}
	}
	c.sendError(msg.ID, "unknown message type: "+msg.Type)
}

// handleSubscribe adds channels to the client's subscription.
func (c *WSClient) handleSubscribe(msg wsInbound) {
	var payload WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}
	topics, err := parseChannels(payload.Channels)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.sub.Add(topics...)
	c.hub.logger.Info("websocket client subscribed", "client_id", c.id, "channels", topics)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": topics,
	})
}

// handleUnsubscribe removes channels from the client's subscription.
func (c *WSClient) handleUnsubscribe(msg wsInbound) {
	var payload WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}
	topics, err := parseChannels(payload.Channels)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.sub.Remove(topics...)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": topics,
	})
}

// handleTelemetry ingests a reading sent over a device channel.
func (c *WSClient) handleTelemetry(msg wsInbound) {
	var values map[string]any
	if err := json.Unmarshal(msg.Payload, &values); err != nil {
		c.sendError(msg.ID, "invalid telemetry payload")
		return
	}
	reading, err := c.gw.IngestTelemetry(context.Background(), c.deviceID, values)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	c.sendResponse(msg.ID, WSTypeResponse, reading)
}

// handleOutcome records a command result sent over a device channel.
func (c *WSClient) handleOutcome(msg wsInbound) {
	var payload WSOutcomePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Success == nil {
		c.sendError(msg.ID, "invalid outcome payload")
		return
	}
	cmd, err := c.gw.ReportCommandOutcome(context.Background(), c.deviceID, payload.CommandID, *payload.Success)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	c.sendResponse(msg.ID, WSTypeResponse, cmd)
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during forward)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket send buffer full, message dropped", "client_id", c.id)
	}
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/rs/zerolog/log"
)

// ConnectionManager owns the WebSocket connections of one gateway instance
// and routes frames between registered users.
type ConnectionManager struct {
	instanceID string

	// All open sockets by connection ID, and registered users on this instance
	connections map[string]*Connection
	users       map[string]*Connection
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	presence PresenceStore
	bus      Bus
	metrics  MetricsCollector
	clock    clockwork.Clock
}

// Connection represents a WebSocket connection to a player
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// userID is guarded by Manager.mu
	userID string

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  64 * 1024, // offers and answers carry full SDP
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS layer
			return true
		},
	}
}

// NewConnectionManager creates a connection manager for instanceID.
func NewConnectionManager(instanceID string, config ConnectionConfig, presence PresenceStore, bus Bus, metrics MetricsCollector, clock clockwork.Clock) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	return &ConnectionManager{
		instanceID:  instanceID,
		connections: make(map[string]*Connection),
		users:       make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		presence: presence,
		bus:      bus,
		metrics:  metrics,
		clock:    clock,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	cm.connections[conn.ID] = conn
	total := len(cm.connections)
	cm.mu.Unlock()

	cm.metrics.RecordConnection(true)
	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

// unregisterConnection removes a connection and, if it still owned a user
// registration, tells every client the user is gone.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if _, exists := cm.connections[conn.ID]; !exists {
		cm.mu.Unlock()
		return
	}
	delete(cm.connections, conn.ID)
	close(conn.Send)

	userID := conn.userID
	if userID != "" && cm.users[userID] == conn {
		delete(cm.users, userID)
	}
	cm.mu.Unlock()

	cm.metrics.RecordConnection(false)
	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Msg("connection unregistered")

	if userID == "" {
		return
	}

	ctx := context.Background()
	removed, err := cm.presence.Remove(ctx, userID, conn.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to remove presence")
		return
	}
	if removed {
		cm.broadcast(ctx, relay.EventOpponentDisconnected, relay.OpponentDisconnected{UserID: userID})
	}
}

// bindUser makes conn the local route for userID.
func (cm *ConnectionManager) bindUser(conn *Connection, userID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn.userID != "" && cm.users[conn.userID] == conn {
		delete(cm.users, conn.userID)
	}
	conn.userID = userID
	cm.users[userID] = conn
}

// deliver routes a frame to userID, locally or through the bus. It reports
// false when the user is not online.
func (cm *ConnectionManager) deliver(ctx context.Context, userID, event string, payload interface{}) bool {
	frame, err := relay.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to build frame")
		return false
	}

	p, online, err := cm.presence.Lookup(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence lookup failed")
		return false
	}
	if !online {
		cm.metrics.RecordDelivery(event, false)
		return false
	}

	delivered := false
	if p.Instance == cm.instanceID {
		delivered = cm.sendToUser(userID, frame)
	} else {
		d := Delivery{Origin: cm.instanceID, UserID: userID, Frame: frame}
		if err := cm.bus.Send(ctx, p.Instance, d); err != nil {
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("instance", p.Instance).
				Msg("failed to route frame to instance")
		} else {
			delivered = true
		}
	}
	cm.metrics.RecordDelivery(event, delivered)
	return delivered
}

// broadcast sends a frame to every connected client on every instance.
func (cm *ConnectionManager) broadcast(ctx context.Context, event string, payload interface{}) {
	frame, err := relay.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to build frame")
		return
	}
	cm.broadcastLocal(frame)
	if err := cm.bus.Broadcast(ctx, Delivery{Origin: cm.instanceID, Frame: frame}); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to broadcast to other instances")
	}
}

// deliverRemote handles a delivery published by another instance.
func (cm *ConnectionManager) deliverRemote(d Delivery) {
	if d.UserID == "" {
		cm.broadcastLocal(d.Frame)
		return
	}
	if !cm.sendToUser(d.UserID, d.Frame) {
		log.Debug().Str("user_id", d.UserID).Str("origin", d.Origin).Msg("routed user is not connected here")
	}
}

func (cm *ConnectionManager) sendToUser(userID string, frame relay.Frame) bool {
	cm.mu.RLock()
	conn := cm.users[userID]
	cm.mu.RUnlock()
	if conn == nil {
		return false
	}
	return cm.sendFrame(conn, frame)
}

func (cm *ConnectionManager) broadcastLocal(frame relay.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}

	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.enqueue(conn, data)
	}
	log.Debug().
		Str("event", frame.Event).
		Int("connections", len(targets)).
		Msg("frame broadcasted")
}

func (cm *ConnectionManager) sendFrame(conn *Connection, frame relay.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("event", frame.Event).Msg("failed to marshal frame")
		return false
	}
	return cm.enqueue(conn, data)
}

func (cm *ConnectionManager) reply(conn *Connection, event string, payload interface{}) {
	frame, err := relay.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to build reply")
		return
	}
	cm.sendFrame(conn, frame)
}

// enqueue hands data to the connection's write pump. A connection whose
// buffer is full is closed.
func (cm *ConnectionManager) enqueue(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	if _, open := cm.connections[conn.ID]; !open {
		cm.mu.RUnlock()
		return false
	}
	select {
	case conn.Send <- data:
		cm.mu.RUnlock()
		return true
	default:
		cm.mu.RUnlock()
	}

	log.Warn().
		Str("connection_id", conn.ID).
		Msg("connection send buffer full, closing connection")
	conn.Conn.Close()
	return false
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return map[string]interface{}{
		"instance":          cm.instanceID,
		"total_connections": len(cm.connections),
		"registered_users":  len(cm.users),
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading frames from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		var frame relay.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping malformed frame")
			c.Manager.reply(c, relay.EventError, relay.Error{Message: "Invalid frame"})
			continue
		}

		c.Manager.handleFrame(context.Background(), c, frame)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

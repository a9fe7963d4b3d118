package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotRegistered is returned when sending before Connect completed
	ErrNotRegistered = errors.New("relay client not registered")
	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("relay client closed")
)

// Handler receives relay traffic after registration.
// Both methods are called from the client's read goroutine.
type Handler interface {
	HandleFrame(frame Frame)
	HandleDisconnect(err error)
}

// ClientConfig holds configuration for the relay client
type ClientConfig struct {
	URL             string
	UserID          string
	PingInterval    time.Duration // application heartbeat, "ping" frames
	WriteTimeout    time.Duration
	RegisterTimeout time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
}

// DefaultClientConfig returns default relay client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:             "ws://localhost:5000/ws",
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		RegisterTimeout: 10 * time.Second,
		MaxMessageSize:  64 * 1024, // SDP blobs are a few KB
		SendBufferSize:  256,
	}
}

// Client is a websocket connection to the relay, addressed by user ID.
type Client struct {
	config ClientConfig
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	handler    Handler
	registered bool
	closed     bool

	send         chan []byte
	done         chan struct{}
	registeredCh chan struct{}
	closeOnce    sync.Once
}

// NewClient creates a relay client. Connect must be called before Send.
func NewClient(config ClientConfig) *Client {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultClientConfig().PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultClientConfig().WriteTimeout
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = DefaultClientConfig().RegisterTimeout
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultClientConfig().SendBufferSize
	}
	return &Client{
		config:       config,
		dialer:       websocket.DefaultDialer,
		send:         make(chan []byte, config.SendBufferSize),
		done:         make(chan struct{}),
		registeredCh: make(chan struct{}),
	}
}

// UserID returns the identity this client registers under.
func (c *Client) UserID() string {
	return c.config.UserID
}

// SetHandler sets the receiver for frames that arrive after registration.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the relay, registers the user ID and waits for the
// registered acknowledgement.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.UserID == "" {
		return fmt.Errorf("relay client: user id is required")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	if err := c.enqueue(EventRegister, Register{UserID: c.config.UserID}); err != nil {
		c.Close()
		return err
	}

	timer := time.NewTimer(c.config.RegisterTimeout)
	defer timer.Stop()

	select {
	case <-c.registeredCh:
		log.Info().
			Str("user_id", c.config.UserID).
			Str("url", c.config.URL).
			Msg("registered with relay")
		return nil
	case <-timer.C:
		c.Close()
		return fmt.Errorf("relay registration timed out after %s", c.config.RegisterTimeout)
	case <-c.done:
		return fmt.Errorf("relay connection closed before registration")
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Send queues an event for delivery. Safe for concurrent use.
func (c *Client) Send(event string, payload interface{}) error {
	c.mu.Lock()
	registered, closed := c.registered, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if !registered {
		return ErrNotRegistered
	}
	return c.enqueue(event, payload)
}

func (c *Client) enqueue(event string, payload interface{}) error {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return fmt.Errorf("relay send buffer full, dropping %s", event)
	}
}

// Close severs the relay link. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			deadline := time.Now().Add(c.config.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = conn.Close()
		}
		log.Info().Str("user_id", c.config.UserID).Msg("relay client closed")
	})
	return err
}

// writePump serialises all writes and emits the heartbeat
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("user_id", c.config.UserID).Msg("failed to write relay frame")
				c.conn.Close()
				return
			}

		case <-ticker.C:
			if err := c.enqueue(EventPing, Ping{UserID: c.config.UserID}); err != nil {
				log.Warn().Err(err).Msg("failed to queue relay heartbeat")
			}
		}
	}
}

// readPump decodes frames until the socket fails
func (c *Client) readPump() {
	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}

	var readErr error
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay frame")
			continue
		}
		c.dispatch(frame)
	}

	c.mu.Lock()
	intentional := c.closed
	handler := c.handler
	c.mu.Unlock()

	c.Close()

	if intentional {
		return
	}
	log.Warn().Err(readErr).Str("user_id", c.config.UserID).Msg("disconnected from relay")
	if handler != nil {
		handler.HandleDisconnect(readErr)
	}
}

func (c *Client) dispatch(frame Frame) {
	c.mu.Lock()
	if !c.registered {
		if frame.Event != EventRegistered {
			c.mu.Unlock()
			log.Debug().Str("event", frame.Event).Msg("ignoring relay frame before registration")
			return
		}
		c.registered = true
		c.mu.Unlock()
		close(c.registeredCh)
		return
	}
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		log.Debug().Str("event", frame.Event).Msg("no relay handler set, dropping frame")
		return
	}
	handler.HandleFrame(frame)
}

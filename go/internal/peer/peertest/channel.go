package peertest

import (
	"errors"
	"sync"
)

// Channel is a fake message channel. Messages sent on one end are delivered
// synchronously to the paired end.
type Channel struct {
	label string

	mu        sync.Mutex
	remote    *Channel
	isOpen    bool
	closed    bool
	sent      [][]byte
	pending   [][]byte
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	onError   func(error)
}

func newChannel(label string) *Channel {
	return &Channel{label: label}
}

func (c *Channel) pair(other *Channel) {
	c.mu.Lock()
	c.remote = other
	c.mu.Unlock()
	other.mu.Lock()
	other.remote = c
	other.mu.Unlock()
}

func (c *Channel) open() {
	c.mu.Lock()
	if c.isOpen || c.closed {
		c.mu.Unlock()
		return
	}
	c.isOpen = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) Label() string {
	return c.label
}

// Sent returns every payload sent from this end.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.isOpen {
		c.mu.Unlock()
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.Deliver(data)
	}
	return nil
}

// Deliver hands data to this end as if it arrived from the peer. Messages
// arriving before OnMessage is set are held until it is.
func (c *Channel) Deliver(data []byte) {
	msg := append([]byte(nil), data...)
	c.mu.Lock()
	fn := c.onMessage
	if fn == nil {
		c.pending = append(c.pending, msg)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, msg := range pending {
		fn(msg)
	}
}

func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Close closes both ends.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.isOpen = false
	remote, fn := c.remote, c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	if remote != nil {
		remote.Close()
	}
	return nil
}

package pionrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// channel adapts a pion data channel to peer.Channel. pion callbacks are
// registered once at construction; events that arrive before the owner sets
// its handlers are held and replayed.
type channel struct {
	dc *webrtc.DataChannel

	mu        sync.Mutex
	opened    bool
	closed    bool
	replaying bool
	pending   [][]byte
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	onError   func(error)
}

func newChannel(dc *webrtc.DataChannel) *channel {
	ch := &channel{dc: dc}

	dc.OnOpen(func() {
		ch.mu.Lock()
		ch.opened = true
		fn := ch.onOpen
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnClose(func() {
		ch.mu.Lock()
		ch.closed = true
		fn := ch.onClose
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.mu.Lock()
		fn := ch.onMessage
		if fn == nil || ch.replaying {
			ch.pending = append(ch.pending, msg.Data)
			ch.mu.Unlock()
			return
		}
		ch.mu.Unlock()
		fn(msg.Data)
	})
	dc.OnError(func(err error) {
		ch.mu.Lock()
		fn := ch.onError
		ch.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
	return ch
}

func (c *channel) Label() string {
	return c.dc.Label()
}

func (c *channel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}

func (c *channel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	opened := c.opened
	c.mu.Unlock()
	if opened && fn != nil {
		fn()
	}
}

func (c *channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed && fn != nil {
		fn()
	}
}

// OnMessage sets the message handler and replays held messages. Messages
// arriving during the replay are queued behind it.
func (c *channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	if fn == nil || c.replaying {
		c.mu.Unlock()
		return
	}
	c.replaying = true
	for len(c.pending) > 0 {
		pending := c.pending
		current := c.onMessage
		c.pending = nil
		c.mu.Unlock()
		for _, msg := range pending {
			current(msg)
		}
		c.mu.Lock()
	}
	c.replaying = false
	c.mu.Unlock()
}

func (c *channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *channel) Close() error {
	return c.dc.Close()
}

// Package peertest provides an in-memory peer.Transport for tests.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/relay"
)

// ChannelLabel is the label of every channel created by the fake network.
const ChannelLabel = "chess-moves"

// Network pairs fake connections by the SDP strings they exchange.
type Network struct {
	mu      sync.Mutex
	nextID  int
	offers  map[string]*Conn
	answers map[string]*Conn
	conns   []*Conn

	// FailNewConn makes every NewConn call fail.
	FailNewConn error
}

// NewNetwork creates an empty fake network.
func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*Conn),
		answers: make(map[string]*Conn),
	}
}

// Transport returns a peer.Transport backed by this network.
func (n *Network) Transport() peer.Transport {
	return transport{net: n}
}

// Conns returns every connection created so far.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// Last returns the most recently created connection.
func (n *Network) Last() *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

type transport struct {
	net *Network
}

func (t transport) NewConn() (peer.Conn, error) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailNewConn != nil {
		return nil, n.FailNewConn
	}
	n.nextID++
	c := &Conn{net: n, id: n.nextID}
	n.conns = append(n.conns, c)
	return c, nil
}

// Conn is a fake direct connection.
type Conn struct {
	net *Network
	id  int

	mu          sync.Mutex
	remote      *Conn
	channel     *Channel
	closed      bool
	candidates  []relay.Candidate
	onCandidate func(relay.Candidate)
	onLink      func(peer.LinkState)
	onChannel   func(peer.Channel)
}

// ID returns the creation index of the connection.
func (c *Conn) ID() int {
	return c.id
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel returns the local end of the game channel, if one was created.
func (c *Conn) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// RemoteCandidates returns the candidates added through AddCandidate.
func (c *Conn) RemoteCandidates() []relay.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Candidate(nil), c.candidates...)
}

func (c *Conn) CreateOffer(ctx context.Context) (relay.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return relay.SessionDescription{}, err
	}
	sdp := fmt.Sprintf("offer-%d", c.id)
	ch := newChannel(ChannelLabel)

	c.net.mu.Lock()
	c.net.offers[sdp] = c
	c.net.mu.Unlock()

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	c.emitChannel(ch)
	c.EmitCandidate(relay.Candidate{Candidate: fmt.Sprintf("candidate:%d host", c.id)})
	return relay.SessionDescription{Type: "offer", SDP: sdp}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context, offer relay.SessionDescription) (relay.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return relay.SessionDescription{}, err
	}
	if offer.Type != "offer" {
		return relay.SessionDescription{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}

	c.net.mu.Lock()
	host, ok := c.net.offers[offer.SDP]
	sdp := fmt.Sprintf("answer-%d", c.id)
	if ok {
		c.net.answers[sdp] = c
	}
	c.net.mu.Unlock()
	if !ok {
		return relay.SessionDescription{}, fmt.Errorf("unknown offer %q", offer.SDP)
	}

	c.mu.Lock()
	c.remote = host
	c.mu.Unlock()

	c.EmitCandidate(relay.Candidate{Candidate: fmt.Sprintf("candidate:%d host", c.id)})
	return relay.SessionDescription{Type: "answer", SDP: sdp}, nil
}

// SetAnswer completes the pairing: both sides report connected and the
// guest receives its end of the host's channel.
func (c *Conn) SetAnswer(answer relay.SessionDescription) error {
	c.net.mu.Lock()
	guest, ok := c.net.answers[answer.SDP]
	c.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown answer %q", answer.SDP)
	}

	c.mu.Lock()
	c.remote = guest
	hostCh := c.channel
	c.mu.Unlock()
	if hostCh == nil {
		return errors.New("no local channel")
	}

	guestCh := newChannel(hostCh.label)
	hostCh.pair(guestCh)

	guest.mu.Lock()
	guest.channel = guestCh
	guest.mu.Unlock()

	c.EmitLinkState(peer.LinkConnected)
	guest.EmitLinkState(peer.LinkConnected)
	guest.emitChannel(guestCh)
	hostCh.open()
	guestCh.open()
	return nil
}

func (c *Conn) AddCandidate(candidate relay.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) OnCandidate(fn func(relay.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnLinkState(fn func(peer.LinkState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLink = fn
}

func (c *Conn) OnChannel(fn func(peer.Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannel = fn
}

// Close closes the connection and its channel. The remote side sees a
// disconnected link, as a browser peer would.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remote, ch := c.remote, c.channel
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if remote != nil {
		remote.EmitLinkState(peer.LinkDisconnected)
	}
	return nil
}

// EmitCandidate reports a locally discovered candidate.
func (c *Conn) EmitCandidate(candidate relay.Candidate) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// EmitLinkState reports a transport state change.
func (c *Conn) EmitLinkState(s peer.LinkState) {
	c.mu.Lock()
	fn := c.onLink
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) emitChannel(ch *Channel) {
	c.mu.Lock()
	fn := c.onChannel
	c.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoNegotiation  = errors.New("no active negotiation")
	ErrNotHost        = errors.New("negotiation is not host side")
	ErrNotNegotiating = errors.New("negotiation already settled")
)

// State is the connection state of the direct link.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
	// StateDisconnected is reported when the relay link is lost. The
	// negotiator itself never enters it.
	StateDisconnected State = "disconnected"
)

// Role is the side of the handshake.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Signaler delivers negotiation traffic to the peer through the relay.
type Signaler interface {
	Send(event string, payload interface{}) error
}

// Listener observes negotiator transitions. Calls happen on the dispatcher.
type Listener interface {
	NegotiationStateChanged(state State)
	ChannelReady(ch Channel)
}

// Config holds negotiator settings
type Config struct {
	// NegotiationTimeout fails a handshake that has not connected in time.
	// Zero disables the deadline.
	NegotiationTimeout time.Duration
}

// DefaultConfig returns default negotiator configuration
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 30 * time.Second,
	}
}

// Negotiator drives the offer/answer/candidate exchange that turns a relay
// introduction into a direct Channel. At most one negotiation is live; a new
// Initiate or Accept supersedes the previous one.
//
// Negotiator is not safe for concurrent use. Transport callbacks are moved
// onto the owner's loop through the Dispatcher.
type Negotiator struct {
	localID   string
	transport Transport
	signaler  Signaler
	listener  Listener
	dispatch  Dispatcher
	clock     clockwork.Clock
	config    Config

	state      State
	current    *negotiation
	generation uint64
}

type negotiation struct {
	id         uint64
	peerID     string
	role       Role
	conn       Conn
	channel    Channel
	exposed    bool
	candidates []relay.Candidate
	deadline   clockwork.Timer
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithDispatcher sets how transport callbacks reach the owner's loop.
func WithDispatcher(d Dispatcher) Option {
	return func(n *Negotiator) {
		n.dispatch = d
	}
}

// WithClock replaces the real clock used for the negotiation deadline.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Negotiator) {
		n.clock = clock
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(config Config) Option {
	return func(n *Negotiator) {
		n.config = config
	}
}

// NewNegotiator creates an idle negotiator for localID.
func NewNegotiator(localID string, transport Transport, signaler Signaler, listener Listener, opts ...Option) *Negotiator {
	n := &Negotiator{
		localID:   localID,
		transport: transport,
		signaler:  signaler,
		listener:  listener,
		dispatch:  Immediate,
		clock:     clockwork.NewRealClock(),
		config:    DefaultConfig(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// State returns the current connection state.
func (n *Negotiator) State() State {
	return n.state
}

// Role returns the role of the live negotiation, or "" when there is none.
func (n *Negotiator) Role() Role {
	if n.current == nil {
		return ""
	}
	return n.current.role
}

// PeerID returns the remote identity of the live negotiation.
func (n *Negotiator) PeerID() string {
	if n.current == nil {
		return ""
	}
	return n.current.peerID
}

// Initiate starts a host-side negotiation with peerID and returns the offer.
// Local candidates are forwarded to the peer as they are discovered.
func (n *Negotiator) Initiate(ctx context.Context, peerID string) (relay.SessionDescription, error) {
	neg, err := n.begin(peerID, RoleHost)
	if err != nil {
		return relay.SessionDescription{}, err
	}

	offer, err := neg.conn.CreateOffer(ctx)
	if err != nil {
		n.fail(neg.id, err)
		return relay.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	log.Info().Str("peer_id", peerID).Msg("offer created")
	return offer, nil
}

// Accept starts a guest-side negotiation bound to the remote offer and
// returns the answer.
func (n *Negotiator) Accept(ctx context.Context, peerID string, offer relay.SessionDescription) (relay.SessionDescription, error) {
	neg, err := n.begin(peerID, RoleGuest)
	if err != nil {
		return relay.SessionDescription{}, err
	}

	answer, err := neg.conn.CreateAnswer(ctx, offer)
	if err != nil {
		n.fail(neg.id, err)
		return relay.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	log.Info().Str("peer_id", peerID).Msg("answer created")
	return answer, nil
}

// CompleteAsHost applies the guest's answer.
func (n *Negotiator) CompleteAsHost(answer relay.SessionDescription) error {
	neg := n.current
	switch {
	case neg == nil:
		return ErrNoNegotiation
	case neg.role != RoleHost:
		return ErrNotHost
	case n.state != StateNegotiating:
		return ErrNotNegotiating
	}

	if err := neg.conn.SetAnswer(answer); err != nil {
		n.fail(neg.id, err)
		return fmt.Errorf("apply answer: %w", err)
	}
	log.Info().Str("peer_id", neg.peerID).Msg("answer applied")
	return nil
}

// AddRemoteCandidate feeds a peer candidate into the live negotiation.
// Candidates without a negotiation to apply to are logged and dropped.
func (n *Negotiator) AddRemoteCandidate(candidate relay.Candidate) {
	neg := n.current
	if neg == nil {
		log.Debug().Msg("no active negotiation, dropping remote candidate")
		return
	}
	if err := neg.conn.AddCandidate(candidate); err != nil {
		log.Warn().Err(err).Str("peer_id", neg.peerID).Msg("failed to add remote candidate")
	}
}

// Close tears down the live negotiation or link.
func (n *Negotiator) Close() {
	if n.current == nil {
		return
	}
	n.teardown()
	n.setState(StateClosed)
}

func (n *Negotiator) begin(peerID string, role Role) (*negotiation, error) {
	if peerID == "" {
		return nil, fmt.Errorf("negotiate: empty peer id")
	}
	if n.current != nil {
		log.Info().
			Str("previous_peer", n.current.peerID).
			Msg("replacing previous negotiation")
		n.teardown()
	}

	conn, err := n.transport.NewConn()
	if err != nil {
		n.setState(StateFailed)
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n.generation++
	neg := &negotiation{
		id:     n.generation,
		peerID: peerID,
		role:   role,
		conn:   conn,
	}
	n.current = neg

	id := neg.id
	conn.OnCandidate(func(c relay.Candidate) {
		n.dispatch(func() { n.handleLocalCandidate(id, c) })
	})
	conn.OnLinkState(func(s LinkState) {
		n.dispatch(func() { n.handleLinkState(id, s) })
	})
	conn.OnChannel(func(ch Channel) {
		n.dispatch(func() { n.handleChannel(id, ch) })
	})

	if n.config.NegotiationTimeout > 0 {
		neg.deadline = n.clock.AfterFunc(n.config.NegotiationTimeout, func() {
			n.dispatch(func() { n.handleDeadline(id) })
		})
	}

	n.setState(StateNegotiating)
	log.Debug().
		Str("peer_id", peerID).
		Str("role", string(role)).
		Uint64("negotiation", id).
		Msg("negotiation started")
	return neg, nil
}

// live returns the negotiation with the given id, or nil if it was superseded.
func (n *Negotiator) live(id uint64) *negotiation {
	if n.current == nil || n.current.id != id {
		return nil
	}
	return n.current
}

func (n *Negotiator) handleLocalCandidate(id uint64, c relay.Candidate) {
	neg := n.live(id)
	if neg == nil {
		return
	}
	neg.candidates = append(neg.candidates, c)
	n.flushCandidates(neg)
}

// flushCandidates sends buffered candidates in discovery order. A failed
// send leaves the rest buffered for the next flush.
func (n *Negotiator) flushCandidates(neg *negotiation) {
	for len(neg.candidates) > 0 {
		msg := relay.ICECandidate{
			From:      n.localID,
			To:        neg.peerID,
			Candidate: neg.candidates[0],
		}
		if err := n.signaler.Send(relay.EventICECandidate, msg); err != nil {
			log.Warn().Err(err).
				Int("buffered", len(neg.candidates)).
				Msg("failed to forward local candidate")
			return
		}
		neg.candidates = neg.candidates[1:]
	}
}

func (n *Negotiator) handleLinkState(id uint64, s LinkState) {
	neg := n.live(id)
	if neg == nil {
		return
	}
	log.Debug().Str("link_state", string(s)).Str("peer_id", neg.peerID).Msg("link state changed")

	switch s {
	case LinkConnected:
		if n.state != StateNegotiating {
			return
		}
		stopDeadline(neg)
		n.setState(StateConnected)
		n.exposeChannel(neg)

	case LinkFailed:
		if n.state == StateNegotiating {
			n.fail(id, fmt.Errorf("transport failed"))
			return
		}
		n.Close()

	case LinkDisconnected, LinkClosed:
		switch n.state {
		case StateConnected:
			n.Close()
		case StateNegotiating:
			if s == LinkClosed {
				n.fail(id, fmt.Errorf("transport closed during negotiation"))
			}
		}
	}
}

func (n *Negotiator) handleChannel(id uint64, ch Channel) {
	neg := n.live(id)
	if neg == nil {
		ch.Close()
		return
	}
	neg.channel = ch
	if n.state == StateConnected {
		n.exposeChannel(neg)
	}
}

func (n *Negotiator) exposeChannel(neg *negotiation) {
	if neg.exposed || neg.channel == nil {
		return
	}
	neg.exposed = true
	log.Info().
		Str("peer_id", neg.peerID).
		Str("label", neg.channel.Label()).
		Msg("message channel ready")
	n.listener.ChannelReady(neg.channel)
}

func (n *Negotiator) handleDeadline(id uint64) {
	if n.live(id) == nil || n.state != StateNegotiating {
		return
	}
	n.fail(id, fmt.Errorf("negotiation timed out after %s", n.config.NegotiationTimeout))
}

func (n *Negotiator) fail(id uint64, cause error) {
	neg := n.live(id)
	if neg == nil {
		return
	}
	log.Error().Err(cause).Str("peer_id", neg.peerID).Msg("negotiation failed")
	n.teardown()
	n.setState(StateFailed)
}

// teardown releases the live negotiation without reporting a state change
func (n *Negotiator) teardown() {
	neg := n.current
	if neg == nil {
		return
	}
	n.current = nil
	stopDeadline(neg)
	if neg.channel != nil {
		if err := neg.channel.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close message channel")
		}
	}
	if err := neg.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close peer connection")
	}
}

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	log.Info().
		Str("from", string(n.state)).
		Str("to", string(s)).
		Msg("connection state changed")
	n.state = s
	if n.listener != nil {
		n.listener.NegotiationStateChanged(s)
	}
}

func stopDeadline(neg *negotiation) {
	if neg.deadline != nil {
		neg.deadline.Stop()
		neg.deadline = nil
	}
}

// Package pionrtc implements peer.Transport on top of pion/webrtc.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Config holds WebRTC settings
type Config struct {
	ICEServers   []string
	ChannelLabel string

	// IncludeLoopback gathers 127.0.0.1 candidates, for two peers on one host.
	IncludeLoopback bool
}

// DefaultConfig returns the public Google STUN servers and the game channel label
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		ChannelLabel: "chess-moves",
	}
}

// Transport creates pion peer connections.
type Transport struct {
	config Config
	api    *webrtc.API
}

// NewTransport creates a WebRTC transport.
func NewTransport(config Config) *Transport {
	if config.ChannelLabel == "" {
		config.ChannelLabel = DefaultConfig().ChannelLabel
	}
	var settings webrtc.SettingEngine
	settings.SetIncludeLoopbackCandidate(config.IncludeLoopback)
	return &Transport{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
	}
}

func (t *Transport) rtcConfiguration() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(t.config.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: t.config.ICEServers}}
	}
	return cfg
}

// NewConn creates a fresh peer connection.
func (t *Transport) NewConn() (peer.Conn, error) {
	pc, err := t.api.NewPeerConnection(t.rtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &conn{pc: pc, label: t.config.ChannelLabel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("ice_state", s.String()).Msg("ICE connection state changed")
	})
	return c, nil
}

type conn struct {
	pc    *webrtc.PeerConnection
	label string

	mu        sync.Mutex
	onChannel func(peer.Channel)
}

func (c *conn) CreateOffer(ctx context.Context) (relay.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return relay.SessionDescription{}, err
	}
	dc, err := c.pc.CreateDataChannel(c.label, nil)
	if err != nil {
		return relay.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	c.emitChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return relay.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return toRelayDescription(offer), nil
}

func (c *conn) CreateAnswer(ctx context.Context, offer relay.SessionDescription) (relay.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return relay.SessionDescription{}, err
	}
	remote, err := fromRelayDescription(offer)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return relay.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return relay.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return toRelayDescription(answer), nil
}

func (c *conn) SetAnswer(answer relay.SessionDescription) error {
	remote, err := fromRelayDescription(answer)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(remote)
}

func (c *conn) AddCandidate(candidate relay.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *conn) OnCandidate(fn func(relay.Candidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		fn(relay.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *conn) OnLinkState(fn func(peer.LinkState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(linkState(s))
	})
}

func (c *conn) OnChannel(fn func(peer.Channel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.emitChannel(dc)
	})
}

func (c *conn) emitChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	fn := c.onChannel
	c.mu.Unlock()
	if fn != nil {
		fn(newChannel(dc))
	}
}

func (c *conn) Close() error {
	return c.pc.Close()
}

func linkState(s webrtc.PeerConnectionState) peer.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peer.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return peer.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return peer.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return peer.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return peer.LinkClosed
	default:
		return peer.LinkNew
	}
}

func toRelayDescription(desc webrtc.SessionDescription) relay.SessionDescription {
	return relay.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromRelayDescription(desc relay.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}

package pionrtc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/pion/webrtc/v4"
)

func TestLinkStateMapping(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want peer.LinkState
	}{
		{webrtc.PeerConnectionStateNew, peer.LinkNew},
		{webrtc.PeerConnectionStateConnecting, peer.LinkConnecting},
		{webrtc.PeerConnectionStateConnected, peer.LinkConnected},
		{webrtc.PeerConnectionStateDisconnected, peer.LinkDisconnected},
		{webrtc.PeerConnectionStateFailed, peer.LinkFailed},
		{webrtc.PeerConnectionStateClosed, peer.LinkClosed},
	}

	for _, tc := range cases {
		if got := linkState(tc.in); got != tc.want {
			t.Fatalf("linkState(%s) = %s; want %s", tc.in, got, tc.want)
		}
	}
}

func TestDescriptionConversion(t *testing.T) {
	desc, err := fromRelayDescription(relay.SessionDescription{Type: "answer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("fromRelayDescription: %v", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("type = %s; want answer", desc.Type)
	}
	if back := toRelayDescription(desc); back.Type != "answer" || back.SDP != "v=0" {
		t.Fatalf("round trip = %+v", back)
	}

	if _, err := fromRelayDescription(relay.SessionDescription{Type: "bogus", SDP: "v=0"}); err == nil {
		t.Fatalf("unknown type accepted")
	}
	if _, err := fromRelayDescription(relay.SessionDescription{Type: "offer"}); err == nil {
		t.Fatalf("empty sdp accepted")
	}
}

func TestNewConnUsesConfiguredServers(t *testing.T) {
	tr := NewTransport(Config{ICEServers: []string{"stun:stun.example.org:3478"}})
	cfg := tr.rtcConfiguration()
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("ice servers = %+v", cfg.ICEServers)
	}

	c, err := tr.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type loopbackPeer struct {
	conn       peer.Conn
	candidates chan relay.Candidate
	channels   chan peer.Channel
}

func newLoopbackPeer(t *testing.T) *loopbackPeer {
	t.Helper()
	c, err := NewTransport(Config{IncludeLoopback: true}).NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	p := &loopbackPeer{
		conn:       c,
		candidates: make(chan relay.Candidate, 64),
		channels:   make(chan peer.Channel, 1),
	}
	c.OnCandidate(func(cand relay.Candidate) { p.candidates <- cand })
	c.OnChannel(func(ch peer.Channel) { p.channels <- ch })
	return p
}

// exchangeCandidates forwards gathered candidates once both descriptions are set.
func exchangeCandidates(ctx context.Context, from, to *loopbackPeer) {
	for {
		select {
		case cand := <-from.candidates:
			to.conn.AddCandidate(cand)
		case <-ctx.Done():
			return
		}
	}
}

func waitChannel(t *testing.T, p *loopbackPeer) peer.Channel {
	t.Helper()
	select {
	case ch := <-p.channels:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatalf("no message channel")
		return nil
	}
}

func TestLoopbackMessagesArriveInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, guest := newLoopbackPeer(t), newLoopbackPeer(t)

	offer, err := host.conn.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := guest.conn.CreateAnswer(ctx, offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := host.conn.SetAnswer(answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	go exchangeCandidates(ctx, host, guest)
	go exchangeCandidates(ctx, guest, host)

	hostCh := waitChannel(t, host)
	if hostCh.Label() != DefaultConfig().ChannelLabel {
		t.Fatalf("label = %s", hostCh.Label())
	}
	opened := make(chan struct{})
	hostCh.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("host channel never opened")
	}
	guestCh := waitChannel(t, guest)

	// The first messages land before the guest sets its handler and are
	// replayed; the rest race with the replay.
	const total = 20
	for i := 0; i < total/2; i++ {
		if err := hostCh.Send([]byte(fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	received := make(chan string, total)
	guestCh.OnMessage(func(data []byte) { received <- string(data) })
	for i := total / 2; i < total; i++ {
		if err := hostCh.Send([]byte(fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i := 0; i < total; i++ {
		select {
		case got := <-received:
			if want := fmt.Sprintf("m%02d", i); got != want {
				t.Fatalf("message %d = %s; want %s", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d messages arrived", i, total)
		}
	}

	replies := make(chan string, 1)
	hostCh.OnMessage(func(data []byte) { replies <- string(data) })
	if err := guestCh.Send([]byte("pong")); err != nil {
		t.Fatalf("guest Send: %v", err)
	}
	select {
	case got := <-replies:
		if got != "pong" {
			t.Fatalf("reply = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reply never arrived")
	}
}

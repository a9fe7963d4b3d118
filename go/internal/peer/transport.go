package peer

import (
	"context"

	"github.com/mcdev12/openchess/go/internal/relay"
)

// LinkState is the connectivity of the underlying direct transport.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Transport creates direct peer connections (WebRTC in production).
type Transport interface {
	NewConn() (Conn, error)
}

// Conn is one direct connection attempt. Callbacks may be invoked from any
// goroutine; the Negotiator re-dispatches them onto its owner's loop.
type Conn interface {
	// CreateOffer opens the game channel and returns the local offer.
	CreateOffer(ctx context.Context) (relay.SessionDescription, error)
	// CreateAnswer applies a remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer relay.SessionDescription) (relay.SessionDescription, error)
	SetAnswer(answer relay.SessionDescription) error
	AddCandidate(candidate relay.Candidate) error

	OnCandidate(fn func(relay.Candidate))
	OnLinkState(fn func(LinkState))
	OnChannel(fn func(Channel))

	Close() error
}

// Channel is the reliable, ordered message pipe between the two players.
type Channel interface {
	Label() string
	Send(data []byte) error
	IsOpen() bool

	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func([]byte))
	OnError(fn func(error))

	Close() error
}

// Dispatcher runs fn on the owner's event loop.
type Dispatcher func(fn func())

// Immediate runs fn in the calling goroutine. Useful when the caller already
// serialises access, and in tests.
func Immediate(fn func()) {
	fn()
}

package session

import (
	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/protocol"
)

// Observer receives session events. Every method is called on the session
// loop and must return quickly.
type Observer interface {
	// OnMoveReceived is called after the clock mirrored the sender's values.
	OnMoveReceived(move protocol.Move)
	OnConnectionStateChange(state peer.State)
	OnClockUpdate(state gameclock.State)
	// OnTimeout reports the side that ran out of time.
	OnTimeout(loser gameclock.Side)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnMoveReceived(protocol.Move) {}
func (NopObserver) OnConnectionStateChange(peer.State) {}
func (NopObserver) OnClockUpdate(gameclock.State) {}
func (NopObserver) OnTimeout(gameclock.Side) {}

// RelayLink is the signalling connection a session talks through.
// *relay.Client satisfies it.
type RelayLink interface {
	Send(event string, payload interface{}) error
	Close() error
}

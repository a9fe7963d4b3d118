package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy               = errors.New("already in a game or challenge")
	ErrNoPendingChallenge = errors.New("no pending challenge")
	ErrInvalidOpponent    = errors.New("invalid opponent")
	ErrUnexpectedAnswer   = errors.New("unexpected answer")
)

// BusyMessage is sent to challengers while a game or challenge is active.
const BusyMessage = "User is already in a game"

// Negotiator is the part of peer.Negotiator the coordinator drives.
type Negotiator interface {
	State() peer.State
	Role() peer.Role
	Initiate(ctx context.Context, peerID string) (relay.SessionDescription, error)
	Accept(ctx context.Context, peerID string, offer relay.SessionDescription) (relay.SessionDescription, error)
	CompleteAsHost(answer relay.SessionDescription) error
	Close()
}

// Coordinator runs the challenge handshake on top of the negotiator: one
// outgoing challenge or game at a time, one buffered incoming challenge, and
// colour assignment (host plays white).
//
// Coordinator is not safe for concurrent use.
type Coordinator struct {
	localID    string
	negotiator Negotiator
	signaler   peer.Signaler
	prompt     Prompt

	inProgress bool
	opponent   string
	color      gameclock.Side
	pending    *relay.ChallengeReceived
	lookup     string // opponent awaiting a user_status reply
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(localID string, negotiator Negotiator, signaler peer.Signaler, prompt Prompt) *Coordinator {
	if prompt == nil {
		prompt = NopPrompt{}
	}
	return &Coordinator{
		localID:    localID,
		negotiator: negotiator,
		signaler:   signaler,
		prompt:     prompt,
	}
}

// Busy reports whether a challenge or game is in progress.
func (c *Coordinator) Busy() bool {
	return c.inProgress || c.negotiator.State() == peer.StateConnected
}

// InProgress reports whether a challenge is being negotiated.
func (c *Coordinator) InProgress() bool {
	return c.inProgress
}

// Opponent returns the current opponent, if any.
func (c *Coordinator) Opponent() string {
	return c.opponent
}

// Color returns the local colour for the current challenge or game.
func (c *Coordinator) Color() gameclock.Side {
	return c.color
}

// Pending returns the challenger of the buffered incoming challenge.
func (c *Coordinator) Pending() (string, bool) {
	if c.pending == nil {
		return "", false
	}
	return c.pending.From, true
}

// RequestChallenge checks that opponent is online before challenging it.
// The challenge itself is sent from OnUserStatus.
func (c *Coordinator) RequestChallenge(opponent string) error {
	opponent = NormalizeID(opponent)
	switch {
	case opponent == "":
		c.prompt.Notify(NoticeWarning, "Please enter opponent ID")
		return ErrInvalidOpponent
	case opponent == c.localID:
		c.prompt.Notify(NoticeWarning, "You cannot challenge yourself!")
		return ErrInvalidOpponent
	case c.Busy():
		c.prompt.Notify(NoticeWarning, "Already in a game or challenge")
		return ErrBusy
	}

	c.lookup = opponent
	if err := c.signaler.Send(relay.EventCheckUser, relay.CheckUser{UserID: opponent}); err != nil {
		c.lookup = ""
		return fmt.Errorf("check user %s: %w", opponent, err)
	}
	return nil
}

// OnUserStatus continues a RequestChallenge once the relay answered.
func (c *Coordinator) OnUserStatus(ctx context.Context, status relay.UserStatus) error {
	if c.lookup == "" || status.UserID != c.lookup {
		log.Debug().Str("user_id", status.UserID).Msg("ignoring unsolicited user status")
		return nil
	}
	c.lookup = ""

	if !status.Online {
		c.prompt.Notify(NoticeWarning, fmt.Sprintf("User %s is not online", status.UserID))
		return nil
	}
	return c.SendChallenge(ctx, status.UserID)
}

// SendChallenge challenges opponent as host. It does nothing and returns
// ErrBusy while a challenge or game is in progress.
func (c *Coordinator) SendChallenge(ctx context.Context, opponent string) error {
	if c.Busy() {
		c.prompt.Notify(NoticeWarning, "Already in a game or challenge")
		return ErrBusy
	}
	opponent = NormalizeID(opponent)
	if opponent == "" || opponent == c.localID {
		return ErrInvalidOpponent
	}

	c.inProgress = true
	c.opponent = opponent
	c.color = gameclock.White

	offer, err := c.negotiator.Initiate(ctx, opponent)
	if err != nil {
		c.clearChallenge()
		c.prompt.Notify(NoticeError, "Could not start a connection")
		return fmt.Errorf("initiate with %s: %w", opponent, err)
	}

	msg := relay.Challenge{From: c.localID, To: opponent, Offer: offer}
	if err := c.signaler.Send(relay.EventChallenge, msg); err != nil {
		c.negotiator.Close()
		c.clearChallenge()
		c.prompt.Notify(NoticeError, "Could not reach the relay")
		return fmt.Errorf("send challenge to %s: %w", opponent, err)
	}

	log.Info().Str("opponent", opponent).Msg("challenge sent")
	c.prompt.Notify(NoticeInfo, "Challenge sent! Waiting for response...")
	return nil
}

// OnChallengeReceived buffers an incoming challenge and asks the user.
// Challenges arriving while busy are refused over the relay; a second
// challenge while one is buffered is dropped locally.
func (c *Coordinator) OnChallengeReceived(msg relay.ChallengeReceived) {
	log.Info().Str("from", msg.From).Msg("challenge received")

	if c.Busy() {
		reply := relay.ChallengeFailed{To: msg.From, Message: BusyMessage}
		if err := c.signaler.Send(relay.EventChallengeFailed, reply); err != nil {
			log.Warn().Err(err).Str("from", msg.From).Msg("failed to refuse challenge")
		}
		return
	}

	if c.pending != nil {
		c.prompt.Notify(NoticeWarning, fmt.Sprintf("Already have pending challenge from %s", c.pending.From))
		return
	}

	c.pending = &msg
	c.prompt.ChallengeReceived(msg.From, gameclock.Black)
}

// AcceptPending accepts the buffered challenge as guest and answers it.
func (c *Coordinator) AcceptPending(ctx context.Context) error {
	if c.pending == nil {
		return ErrNoPendingChallenge
	}
	if c.Busy() {
		c.prompt.Notify(NoticeWarning, "Already in a game or challenge")
		return ErrBusy
	}

	challenge := *c.pending
	c.pending = nil
	c.inProgress = true
	c.opponent = challenge.From
	c.color = gameclock.Black

	answer, err := c.negotiator.Accept(ctx, challenge.From, challenge.Offer)
	if err != nil {
		c.clearChallenge()
		c.prompt.Notify(NoticeError, "Could not accept the challenge")
		return fmt.Errorf("accept challenge from %s: %w", challenge.From, err)
	}

	msg := relay.Answer{From: c.localID, To: challenge.From, Answer: answer}
	if err := c.signaler.Send(relay.EventAnswer, msg); err != nil {
		c.negotiator.Close()
		c.clearChallenge()
		c.prompt.Notify(NoticeError, "Could not reach the relay")
		return fmt.Errorf("send answer to %s: %w", challenge.From, err)
	}

	log.Info().Str("opponent", challenge.From).Msg("challenge accepted")
	c.prompt.Notify(NoticeInfo, "Connecting...")
	return nil
}

// DeclinePending drops the buffered challenge. The challenger is not told.
func (c *Coordinator) DeclinePending() bool {
	if c.pending == nil {
		return false
	}
	log.Info().Str("from", c.pending.From).Msg("challenge declined")
	c.pending = nil
	return true
}

// OnAnswerReceived completes a host-side handshake.
func (c *Coordinator) OnAnswerReceived(msg relay.AnswerReceived) error {
	if c.negotiator.Role() != peer.RoleHost || c.negotiator.State() != peer.StateNegotiating {
		log.Warn().Str("from", msg.From).Msg("answer received outside a host negotiation")
		return ErrUnexpectedAnswer
	}
	if msg.From != c.opponent {
		log.Warn().
			Str("from", msg.From).
			Str("opponent", c.opponent).
			Msg("answer from someone other than the challenged user")
		return ErrUnexpectedAnswer
	}
	return c.negotiator.CompleteAsHost(msg.Answer)
}

// OnChallengeFailed handles the relay or the opponent refusing our challenge.
// Refusals that arrive with no handshake in flight are ignored, so a stray
// frame cannot disturb a running game.
func (c *Coordinator) OnChallengeFailed(msg relay.ChallengeFailed) {
	if !c.Negotiating() {
		log.Warn().Str("reason", msg.Message).Msg("ignoring challenge failure outside a handshake")
		return
	}
	log.Warn().Str("reason", msg.Message).Str("opponent", c.opponent).Msg("challenge failed")
	c.prompt.Notify(NoticeError, msg.Message)
	c.negotiator.Close()
	c.clearChallenge()
}

// Negotiating reports whether a challenge handshake is in flight.
func (c *Coordinator) Negotiating() bool {
	return c.inProgress && c.negotiator.State() == peer.StateNegotiating
}

// Connected marks the handshake as settled.
func (c *Coordinator) Connected() {
	c.inProgress = false
}

// Finish forgets the current challenge or game. A buffered incoming
// challenge is kept.
func (c *Coordinator) Finish() {
	c.clearChallenge()
}

// Reset forgets every challenge and the current opponent.
func (c *Coordinator) Reset() {
	c.clearChallenge()
	c.pending = nil
	c.lookup = ""
}

func (c *Coordinator) clearChallenge() {
	c.inProgress = false
	c.opponent = ""
	c.color = ""
}

// NormalizeID trims and upper-cases a user-entered identity.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/rs/zerolog/log"
)

var knownEvents = map[string]bool{
	relay.EventRegister:        true,
	relay.EventChallenge:       true,
	relay.EventAnswer:          true,
	relay.EventICECandidate:    true,
	relay.EventChallengeFailed: true,
	relay.EventPing:            true,
	relay.EventCheckUser:       true,
}

// handleFrame processes one frame from a client
func (cm *ConnectionManager) handleFrame(ctx context.Context, c *Connection, frame relay.Frame) {
	if knownEvents[frame.Event] {
		cm.metrics.RecordFrame(frame.Event)
	} else {
		cm.metrics.RecordFrame("unknown")
	}

	switch frame.Event {
	case relay.EventRegister:
		cm.handleRegister(ctx, c, frame)
	case relay.EventChallenge:
		cm.handleChallenge(ctx, c, frame)
	case relay.EventAnswer:
		cm.handleAnswer(ctx, c, frame)
	case relay.EventICECandidate:
		cm.handleICECandidate(ctx, frame)
	case relay.EventChallengeFailed:
		cm.handleChallengeFailed(ctx, frame)
	case relay.EventPing:
		cm.handlePing(ctx, c, frame)
	case relay.EventCheckUser:
		cm.handleCheckUser(ctx, c, frame)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("event", frame.Event).
			Msg("ignoring unknown event")
	}
}

func (cm *ConnectionManager) handleRegister(ctx context.Context, c *Connection, frame relay.Frame) {
	var msg relay.Register
	if err := frame.Decode(&msg); err != nil || msg.UserID == "" {
		cm.reply(c, relay.EventError, relay.Error{Message: "user_id required"})
		return
	}

	cm.bindUser(c, msg.UserID)
	err := cm.presence.Register(ctx, Presence{
		UserID:   msg.UserID,
		Instance: cm.instanceID,
		ConnID:   c.ID,
		LastSeen: cm.clock.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", msg.UserID).Msg("failed to register presence")
		cm.reply(c, relay.EventError, relay.Error{Message: "registration failed"})
		return
	}

	log.Info().
		Str("user_id", msg.UserID).
		Str("connection_id", c.ID).
		Msg("user registered")
	cm.reply(c, relay.EventRegistered, relay.Registered{UserID: msg.UserID, Status: "success"})
}

func (cm *ConnectionManager) handleChallenge(ctx context.Context, c *Connection, frame relay.Frame) {
	var msg relay.Challenge
	if err := frame.Decode(&msg); err != nil || msg.From == "" || msg.To == "" || isEmpty(msg.Offer) {
		cm.reply(c, relay.EventError, relay.Error{Message: "Invalid challenge data"})
		return
	}

	cm.touch(ctx, msg.From)
	if !cm.deliver(ctx, msg.To, relay.EventChallengeReceived, relay.ChallengeReceived{From: msg.From, Offer: msg.Offer}) {
		cm.reply(c, relay.EventChallengeFailed, relay.ChallengeFailed{
			To:      msg.To,
			Message: notOnline(msg.To),
		})
		return
	}

	log.Info().Str("from", msg.From).Str("to", msg.To).Msg("challenge forwarded")
	cm.reply(c, relay.EventChallengeSent, relay.Delivered{To: msg.To, Status: "delivered"})
}

func (cm *ConnectionManager) handleAnswer(ctx context.Context, c *Connection, frame relay.Frame) {
	var msg relay.Answer
	if err := frame.Decode(&msg); err != nil || msg.From == "" || msg.To == "" || isEmpty(msg.Answer) {
		cm.reply(c, relay.EventError, relay.Error{Message: "Invalid answer data"})
		return
	}

	cm.touch(ctx, msg.From)
	if !cm.deliver(ctx, msg.To, relay.EventAnswerReceived, relay.AnswerReceived{From: msg.From, Answer: msg.Answer}) {
		cm.reply(c, relay.EventAnswerFailed, relay.ChallengeFailed{
			To:      msg.To,
			Message: notOnline(msg.To),
		})
		return
	}

	log.Info().Str("from", msg.From).Str("to", msg.To).Msg("answer forwarded")
	cm.reply(c, relay.EventAnswerSent, relay.Delivered{To: msg.To, Status: "delivered"})
}

func (cm *ConnectionManager) handleICECandidate(ctx context.Context, frame relay.Frame) {
	var msg relay.ICECandidate
	if err := frame.Decode(&msg); err != nil || msg.From == "" || msg.To == "" || msg.Candidate.Candidate == "" {
		return
	}
	cm.deliver(ctx, msg.To, relay.EventICECandidate, relay.ICECandidate{From: msg.From, Candidate: msg.Candidate})
}

// handleChallengeFailed forwards a refusal, such as a busy player, to the challenger.
func (cm *ConnectionManager) handleChallengeFailed(ctx context.Context, frame relay.Frame) {
	var msg relay.ChallengeFailed
	if err := frame.Decode(&msg); err != nil || msg.To == "" {
		return
	}
	cm.deliver(ctx, msg.To, relay.EventChallengeFailed, relay.ChallengeFailed{Message: msg.Message})
}

func (cm *ConnectionManager) handlePing(ctx context.Context, c *Connection, frame relay.Frame) {
	var msg relay.Ping
	if err := frame.Decode(&msg); err != nil || msg.UserID == "" {
		return
	}
	if cm.touch(ctx, msg.UserID) {
		cm.reply(c, relay.EventPong, relay.Pong{Timestamp: cm.clock.Now().Format(time.RFC3339)})
	}
}

func (cm *ConnectionManager) handleCheckUser(ctx context.Context, c *Connection, frame relay.Frame) {
	var msg relay.CheckUser
	if err := frame.Decode(&msg); err != nil {
		return
	}
	online, err := cm.isOnline(ctx, msg.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", msg.UserID).Msg("presence lookup failed")
	}
	cm.reply(c, relay.EventUserStatus, relay.UserStatus{UserID: msg.UserID, Online: online})
}

func (cm *ConnectionManager) touch(ctx context.Context, userID string) bool {
	ok, err := cm.presence.Touch(ctx, userID, cm.clock.Now())
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to refresh presence")
		return false
	}
	return ok
}

func (cm *ConnectionManager) isOnline(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	_, online, err := cm.presence.Lookup(ctx, userID)
	return online, err
}

func isEmpty(d relay.SessionDescription) bool {
	return d.Type == "" && d.SDP == ""
}

func notOnline(userID string) string {
	return fmt.Sprintf("User %s is not online", userID)
}

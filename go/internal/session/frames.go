package session

import (
	"fmt"

	"github.com/mcdev12/openchess/go/internal/challenge"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/rs/zerolog/log"
)

// HandleFrame implements relay.Handler. The frame is processed on the
// session loop.
func (s *Session) HandleFrame(frame relay.Frame) {
	s.post(func() { s.handleFrame(frame) })
}

// HandleDisconnect implements relay.Handler.
func (s *Session) HandleDisconnect(err error) {
	s.post(func() {
		log.Warn().Err(err).Str("user_id", s.id).Msg("relay link lost")
		s.prompt.Notify(challenge.NoticeError, "Disconnected from server")
		s.cleanup()
		s.observer.OnConnectionStateChange(peer.StateDisconnected)
	})
}

func (s *Session) handleFrame(frame relay.Frame) {
	var err error
	switch frame.Event {
	case relay.EventChallengeReceived:
		var msg relay.ChallengeReceived
		if err = frame.Decode(&msg); err == nil {
			s.coordinator.OnChallengeReceived(msg)
		}

	case relay.EventAnswerReceived:
		var msg relay.AnswerReceived
		if err = frame.Decode(&msg); err == nil {
			err = s.coordinator.OnAnswerReceived(msg)
		}

	case relay.EventICECandidate:
		var msg relay.ICECandidate
		if err = frame.Decode(&msg); err == nil {
			s.handleRemoteCandidate(msg)
		}

	case relay.EventChallengeFailed:
		var msg relay.ChallengeFailed
		if err = frame.Decode(&msg); err == nil {
			s.coordinator.OnChallengeFailed(msg)
		}

	case relay.EventAnswerFailed:
		var msg relay.ChallengeFailed
		if err = frame.Decode(&msg); err == nil {
			s.handleAnswerFailed(msg)
		}

	case relay.EventUserStatus:
		var msg relay.UserStatus
		if err = frame.Decode(&msg); err == nil {
			err = s.coordinator.OnUserStatus(s.ctx, msg)
		}

	case relay.EventOpponentDisconnected:
		var msg relay.OpponentDisconnected
		if err = frame.Decode(&msg); err == nil {
			s.handleOpponentDisconnected(msg.UserID)
		}

	case relay.EventChallengeSent, relay.EventAnswerSent:
		var msg relay.Delivered
		if err = frame.Decode(&msg); err == nil {
			log.Debug().Str("event", frame.Event).Str("to", msg.To).Msg("relay delivered")
		}

	case relay.EventError:
		var msg relay.Error
		if err = frame.Decode(&msg); err == nil {
			s.prompt.Notify(challenge.NoticeError, fmt.Sprintf("Server error: %s", msg.Message))
		}

	case relay.EventPong, relay.EventRegistered:
		log.Debug().Str("event", frame.Event).Msg("relay heartbeat")

	default:
		log.Debug().Str("event", frame.Event).Msg("ignoring unknown relay event")
	}

	if err != nil {
		log.Warn().Err(err).Str("event", frame.Event).Msg("failed to handle relay frame")
	}
}

func (s *Session) handleRemoteCandidate(msg relay.ICECandidate) {
	if peerID := s.negotiator.PeerID(); peerID != "" && msg.From != peerID {
		log.Debug().
			Str("from", msg.From).
			Str("peer_id", peerID).
			Msg("dropping candidate from another user")
		return
	}
	s.negotiator.AddRemoteCandidate(msg.Candidate)
}

func (s *Session) handleOpponentDisconnected(userID string) {
	if userID == "" || userID != s.coordinator.Opponent() {
		return
	}
	log.Info().Str("opponent", userID).Msg("opponent disconnected")
	s.prompt.Notify(challenge.NoticeWarning, "Your opponent has disconnected")
	s.cleanup()
}

func (s *Session) handleAnswerFailed(msg relay.ChallengeFailed) {
	if !s.coordinator.Negotiating() {
		log.Warn().Str("reason", msg.Message).Msg("ignoring answer failure outside a handshake")
		return
	}
	s.prompt.Notify(challenge.NoticeError, msg.Message)
	s.cleanup()
}

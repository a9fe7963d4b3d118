package session

import (
	"fmt"
	"strings"

	"github.com/mcdev12/openchess/go/internal/challenge"
	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

// NegotiationStateChanged implements peer.Listener.
func (s *Session) NegotiationStateChanged(state peer.State) {
	switch state {
	case peer.StateConnected:
		s.coordinator.Connected()
		s.engine.Reset()
		s.turn = gameclock.White
		s.prompt.Notify(challenge.NoticeInfo,
			fmt.Sprintf("Connected! You are %s", strings.ToUpper(s.coordinator.Color().Name())))

	case peer.StateFailed:
		s.endGame()
		s.prompt.Notify(challenge.NoticeError, "Connection failed")

	case peer.StateClosed:
		s.endGame()
	}
	s.observer.OnConnectionStateChange(state)
}

// ChannelReady implements peer.Listener.
func (s *Session) ChannelReady(ch peer.Channel) {
	s.channel = ch
	s.started = false

	ch.OnOpen(func() {
		s.post(func() { s.channelOpened(ch) })
	})
	ch.OnClose(func() {
		s.post(func() { s.channelClosed(ch) })
	})
	ch.OnMessage(func(data []byte) {
		s.post(func() { s.handleMessage(ch, data) })
	})
	ch.OnError(func(err error) {
		log.Error().Err(err).Str("label", ch.Label()).Msg("message channel error")
	})

	if ch.IsOpen() {
		s.channelOpened(ch)
	}
}

func (s *Session) channelOpened(ch peer.Channel) {
	if ch != s.channel || s.started {
		return
	}
	s.started = true
	s.engine.Start()

	color := s.coordinator.Color()
	log.Info().
		Str("opponent", s.coordinator.Opponent()).
		Str("color", string(color)).
		Msg("game started")
	s.prompt.Notify(challenge.NoticeInfo,
		fmt.Sprintf("Game started! You are %s", strings.ToUpper(color.Name())))
	s.observer.OnClockUpdate(s.engine.Snapshot())
}

func (s *Session) channelClosed(ch peer.Channel) {
	if ch != s.channel {
		return
	}
	log.Info().Str("label", ch.Label()).Msg("message channel closed")
	s.engine.Stop()
	s.channel = nil
	s.started = false
	if s.negotiator.State() == peer.StateConnected {
		s.negotiator.Close()
	}
}

func (s *Session) handleMessage(ch peer.Channel, data []byte) {
	if ch != s.channel {
		log.Debug().Msg("dropping message from stale channel")
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping channel message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Move:
		s.engine.Sync(m.WhiteRemainingMs, m.BlackRemainingMs)
		s.turn = m.SenderColor.Opponent()
		log.Debug().
			Str("from", m.From).
			Str("to", m.To).
			Str("piece", m.Piece).
			Msg("move received")
		s.observer.OnClockUpdate(s.engine.Snapshot())
		s.observer.OnMoveReceived(*m)

	case *protocol.TimeSync:
		s.engine.Sync(m.WhiteRemainingMs, m.BlackRemainingMs)
		s.observer.OnClockUpdate(s.engine.Snapshot())
	}
}

// endGame releases the game after the link closed or failed. A buffered
// incoming challenge survives.
func (s *Session) endGame() {
	s.engine.Stop()
	s.channel = nil
	s.started = false
	s.coordinator.Finish()
	s.observer.OnClockUpdate(s.engine.Snapshot())
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/openchess/go/internal/challenge"
	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned when no open message channel exists
	ErrNotConnected = errors.New("not connected to an opponent")
	// ErrClosed is returned after Disconnect
	ErrClosed = errors.New("session closed")
	// ErrClockRunning is returned when changing the time control mid-game
	ErrClockRunning = errors.New("clock is running")
)

// Config holds session settings
type Config struct {
	TimeControl        time.Duration
	TickInterval       time.Duration
	NegotiationTimeout time.Duration
	// EventBuffer is the capacity of the session loop queue.
	EventBuffer int
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		TimeControl:        gameclock.DefaultTimeControl,
		TickInterval:       gameclock.DefaultTickInterval,
		NegotiationTimeout: peer.DefaultConfig().NegotiationTimeout,
		EventBuffer:        256,
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	ID         string
	State      peer.State
	Opponent   string
	Color      gameclock.Side
	InProgress bool
	Pending    string
	Clock      gameclock.State
}

// Session is one player's peer session: relay signalling, the challenge
// handshake, the direct message channel and the paired clocks.
//
// All state is owned by the goroutine running Run. Relay frames, transport
// callbacks, clock ticks and the exported commands are queued onto it, so
// handlers never run concurrently.
type Session struct {
	id       string
	config   Config
	relay    RelayLink
	observer Observer
	prompt   challenge.Prompt
	clock    clockwork.Clock
	turnFunc gameclock.TurnFunc

	events chan func()
	done   chan struct{}
	ctx    context.Context

	negotiator  *peer.Negotiator
	coordinator *challenge.Coordinator
	engine      *gameclock.Engine

	channel peer.Channel
	started bool // clock started for the current channel
	turn    gameclock.Side
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithConfig overrides DefaultConfig.
func WithConfig(config Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithObserver sets the receiver of session events.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithPrompt sets the user notification surface.
func WithPrompt(p challenge.Prompt) Option {
	return func(s *Session) {
		s.prompt = p
	}
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithTurnFunc makes the clock follow an external turn source instead of
// flipping sides on every move.
func WithTurnFunc(fn gameclock.TurnFunc) Option {
	return func(s *Session) {
		s.turnFunc = fn
	}
}

// New creates a session for identity id. Run must be started before any
// other method is used.
func New(id string, relay RelayLink, transport peer.Transport, opts ...Option) *Session {
	s := &Session{
		id:       id,
		config:   DefaultConfig(),
		relay:    relay,
		observer: NopObserver{},
		prompt:   challenge.NopPrompt{},
		clock:    clockwork.NewRealClock(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		turn:     gameclock.White,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.EventBuffer <= 0 {
		s.config.EventBuffer = DefaultConfig().EventBuffer
	}
	s.events = make(chan func(), s.config.EventBuffer)

	turn := s.turnFunc
	if turn == nil {
		turn = func() gameclock.Side { return s.turn }
	}
	s.engine = gameclock.NewEngine(
		gameclock.Config{TimeControl: s.config.TimeControl, TickInterval: s.config.TickInterval},
		turn,
		gameclock.WithClock(s.clock),
		gameclock.WithTimeoutHandler(s.handleTimeout),
	)
	s.negotiator = peer.NewNegotiator(id, transport, relay, s,
		peer.WithDispatcher(s.post),
		peer.WithClock(s.clock),
		peer.WithConfig(peer.Config{NegotiationTimeout: s.config.NegotiationTimeout}),
	)
	s.coordinator = challenge.NewCoordinator(id, s.negotiator, relay, s.prompt)
	return s
}

// ID returns the local player identity.
func (s *Session) ID() string {
	return s.id
}

// Run processes session events until ctx is cancelled or Disconnect is
// called. It must be called exactly once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.ctx = ctx

	log.Info().Str("user_id", s.id).Msg("session started")
	for {
		select {
		case <-ctx.Done():
			s.cleanup()
			log.Info().Str("user_id", s.id).Msg("session stopped")
			return ctx.Err()

		case fn := <-s.events:
			fn()
			if s.closed {
				log.Info().Str("user_id", s.id).Msg("session closed")
				return nil
			}

		case <-s.engine.C():
			if s.engine.Tick() && s.engine.Running() {
				s.observer.OnClockUpdate(s.engine.Snapshot())
			}
		}
	}
}

// post queues fn onto the session loop. It is the negotiator's dispatcher
// and is safe to call from any goroutine.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// do runs fn on the session loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.events <- func() { result <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChallengeUser asks the relay whether peerID is online and challenges it
// if so.
func (s *Session) ChallengeUser(ctx context.Context, peerID string) error {
	return s.do(ctx, func() error {
		return s.coordinator.RequestChallenge(peerID)
	})
}

// SendChallenge challenges peerID directly, without a presence check.
func (s *Session) SendChallenge(ctx context.Context, peerID string) error {
	return s.do(ctx, func() error {
		return s.coordinator.SendChallenge(ctx, peerID)
	})
}

// AcceptPendingChallenge accepts the buffered incoming challenge.
func (s *Session) AcceptPendingChallenge(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.coordinator.AcceptPending(ctx)
	})
}

// DeclinePendingChallenge drops the buffered incoming challenge without
// telling the challenger.
func (s *Session) DeclinePendingChallenge(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.coordinator.DeclinePending() {
			return challenge.ErrNoPendingChallenge
		}
		return nil
	})
}

// SendMove forwards a validated move with the current clock values.
// captured is nil when the move takes nothing.
func (s *Session) SendMove(ctx context.Context, from, to, piece string, captured *string) error {
	return s.do(ctx, func() error {
		return s.sendMove(from, to, piece, captured)
	})
}

// SyncTime sends the local clock values to the opponent.
func (s *Session) SyncTime(ctx context.Context) error {
	return s.do(ctx, func() error {
		ch, err := s.openChannel()
		if err != nil {
			return err
		}
		snap := s.engine.Snapshot()
		data, err := protocol.EncodeTimeSync(snap.WhiteRemainingMs, snap.BlackRemainingMs)
		if err != nil {
			return err
		}
		if err := ch.Send(data); err != nil {
			return fmt.Errorf("send time sync: %w", err)
		}
		return nil
	})
}

// SetTimeControl sets both clocks to d. It fails while the clock runs.
func (s *Session) SetTimeControl(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid time control %s", d)
	}
	return s.do(ctx, func() error {
		if s.engine.Running() {
			return ErrClockRunning
		}
		s.engine.SetTimeControl(d)
		log.Info().Dur("time_control", d).Msg("time control set")
		s.observer.OnClockUpdate(s.engine.Snapshot())
		return nil
	})
}

// Status returns the current session status.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		pending, _ := s.coordinator.Pending()
		st = Status{
			ID:         s.id,
			State:      s.negotiator.State(),
			Opponent:   s.coordinator.Opponent(),
			Color:      s.coordinator.Color(),
			InProgress: s.coordinator.InProgress(),
			Pending:    pending,
			Clock:      s.engine.Snapshot(),
		}
		return nil
	})
	return st, err
}

// Cleanup ends any game or challenge. Calling it again has no further
// effect.
func (s *Session) Cleanup(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.cleanup()
		return nil
	})
}

// Disconnect cleans up, closes the relay link and stops Run.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.cleanup()
		s.closed = true
		if err := s.relay.Close(); err != nil {
			return fmt.Errorf("close relay link: %w", err)
		}
		return nil
	})
}

func (s *Session) sendMove(from, to, piece string, captured *string) error {
	ch, err := s.openChannel()
	if err != nil {
		log.Warn().Str("from", from).Str("to", to).Msg("cannot send move, not connected")
		return err
	}

	color := s.coordinator.Color()
	snap := s.engine.Snapshot()
	data, err := protocol.EncodeMove(protocol.Move{
		From:             from,
		To:               to,
		Piece:            piece,
		Captured:         captured,
		Timestamp:        s.clock.Now().UnixMilli(),
		SenderColor:      color,
		WhiteRemainingMs: snap.WhiteRemainingMs,
		BlackRemainingMs: snap.BlackRemainingMs,
	})
	if err != nil {
		return err
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send move: %w", err)
	}

	s.turn = color.Opponent()
	log.Debug().Str("from", from).Str("to", to).Str("piece", piece).Msg("move sent")
	return nil
}

func (s *Session) openChannel() (peer.Channel, error) {
	if s.channel == nil || !s.channel.IsOpen() {
		return nil, ErrNotConnected
	}
	return s.channel, nil
}

// cleanup tears down the game. It must run on the session loop.
func (s *Session) cleanup() {
	s.engine.Stop()
	s.channel = nil
	s.started = false
	s.negotiator.Close()
	s.coordinator.Reset()
	s.turn = gameclock.White
}

func (s *Session) handleTimeout(loser gameclock.Side) {
	msg := fmt.Sprintf("%s ran out of time! %s wins!", loser.Name(), loser.Opponent().Name())
	log.Info().Str("loser", string(loser)).Msg("game over on time")
	s.observer.OnClockUpdate(s.engine.Snapshot())
	s.prompt.Notify(challenge.NoticeWarning, msg)
	s.observer.OnTimeout(loser)
	s.cleanup()
}

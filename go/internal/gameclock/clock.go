package gameclock

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Side identifies the player a clock belongs to.
type Side string

const (
	White Side = "w"
	Black Side = "b"
)

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// Name returns the display name of the side.
func (s Side) Name() string {
	if s == White {
		return "White"
	}
	return "Black"
}

// Valid reports whether s is one of the two sides.
func (s Side) Valid() bool {
	return s == White || s == Black
}

const (
	DefaultTimeControl  = 10 * time.Minute
	DefaultTickInterval = 100 * time.Millisecond
)

// TurnFunc reports the side whose clock is currently running.
// The engine never decides this itself; turn state belongs to the game.
type TurnFunc func() Side

// State is a snapshot of both clocks.
type State struct {
	WhiteRemainingMs int64 `json:"whiteRemainingMs"`
	BlackRemainingMs int64 `json:"blackRemainingMs"`
	ActiveSide       Side  `json:"activeSide"`
	Running          bool  `json:"running"`
}

// Remaining returns the remaining milliseconds of one side.
func (s State) Remaining(side Side) int64 {
	if side == White {
		return s.WhiteRemainingMs
	}
	return s.BlackRemainingMs
}

// Config holds clock engine settings
type Config struct {
	TimeControl  time.Duration
	TickInterval time.Duration
}

// DefaultConfig returns a ten minute game ticking every 100ms
func DefaultConfig() Config {
	return Config{
		TimeControl:  DefaultTimeControl,
		TickInterval: DefaultTickInterval,
	}
}

// Engine is a pair of countdown clocks driven by periodic ticks.
//
// Engine is not safe for concurrent use. The owner drives it from a single
// goroutine by selecting on C() and calling Tick for every value received.
type Engine struct {
	clock    clockwork.Clock
	config   Config
	turn     TurnFunc
	ticker   clockwork.Ticker
	running  bool
	lastTick time.Time

	white time.Duration
	black time.Duration

	onTimeout func(Side)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithTimeoutHandler registers the callback fired when a side runs out of time.
func WithTimeoutHandler(fn func(Side)) Option {
	return func(e *Engine) {
		e.onTimeout = fn
	}
}

// NewEngine creates a stopped engine with both sides at the configured time control.
func NewEngine(config Config, turn TurnFunc, opts ...Option) *Engine {
	if config.TimeControl <= 0 {
		config.TimeControl = DefaultTimeControl
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if turn == nil {
		turn = func() Side { return White }
	}

	e := &Engine{
		clock:  clockwork.NewRealClock(),
		config: config,
		turn:   turn,
		white:  config.TimeControl,
		black:  config.TimeControl,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins ticking. Calling Start on a running engine does nothing.
func (e *Engine) Start() {
	if e.running {
		return
	}
	e.running = true
	e.lastTick = e.clock.Now()
	e.ticker = e.clock.NewTicker(e.config.TickInterval)

	log.Debug().
		Int64("white_ms", e.white.Milliseconds()).
		Int64("black_ms", e.black.Milliseconds()).
		Dur("interval", e.config.TickInterval).
		Msg("clock started")
}

// Stop halts ticking. Safe to call any number of times.
func (e *Engine) Stop() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if !e.running {
		return
	}
	e.running = false
	log.Debug().Msg("clock stopped")
}

// Running reports whether the engine is ticking.
func (e *Engine) Running() bool {
	return e.running
}

// C returns the tick channel, or nil while the engine is stopped.
// A nil channel blocks forever in a select, so a stopped engine never ticks.
func (e *Engine) C() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.Chan()
}

// Tick charges the time elapsed since the previous tick to the active side.
// It returns true when the tick changed the state.
func (e *Engine) Tick() bool {
	if !e.running {
		return false
	}

	now := e.clock.Now()
	elapsed := now.Sub(e.lastTick)
	e.lastTick = now
	if elapsed <= 0 {
		return false
	}

	side := e.turn()
	if !side.Valid() {
		return false
	}
	remaining := e.remaining(side) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	e.setRemaining(side, remaining)

	if remaining == 0 {
		e.Stop()
		log.Info().Str("side", string(side)).Msg("clock flagged")
		if e.onTimeout != nil {
			e.onTimeout(side)
		}
	}
	return true
}

// Snapshot returns the current clock values.
func (e *Engine) Snapshot() State {
	return State{
		WhiteRemainingMs: e.white.Milliseconds(),
		BlackRemainingMs: e.black.Milliseconds(),
		ActiveSide:       e.turn(),
		Running:          e.running,
	}
}

// Sync overwrites both clocks with values received from the opponent.
// Negative values are clamped to zero.
func (e *Engine) Sync(whiteMs, blackMs int64) {
	e.white = clampMs(whiteMs)
	e.black = clampMs(blackMs)
}

// SetTimeControl resets both sides to d.
func (e *Engine) SetTimeControl(d time.Duration) {
	if d <= 0 {
		return
	}
	e.config.TimeControl = d
	e.white = d
	e.black = d
}

// Reset restores both sides to the configured time control and stops the engine.
func (e *Engine) Reset() {
	e.Stop()
	e.white = e.config.TimeControl
	e.black = e.config.TimeControl
}

func (e *Engine) remaining(side Side) time.Duration {
	if side == White {
		return e.white
	}
	return e.black
}

func (e *Engine) setRemaining(side Side, d time.Duration) {
	if side == White {
		e.white = d
		return
	}
	e.black = d
}

func clampMs(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Format renders milliseconds as m:ss.
func Format(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	return fmt.Sprintf("%d:%02d", totalSeconds/60, totalSeconds%60)
}

package gameclock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestEngine(t *testing.T, turn TurnFunc, opts ...Option) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	fake := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(fake)}, opts...)
	return NewEngine(DefaultConfig(), turn, opts...), fake
}

func TestEngineChargesOnlyActiveSide(t *testing.T) {
	e, fake := newTestEngine(t, func() Side { return White })
	e.Start()

	for i := 0; i < 100; i++ {
		fake.Advance(100 * time.Millisecond)
		e.Tick()
	}

	got := e.Snapshot()
	if got.WhiteRemainingMs != 590000 {
		t.Fatalf("white = %d; want 590000", got.WhiteRemainingMs)
	}
	if got.BlackRemainingMs != 600000 {
		t.Fatalf("black = %d; want 600000", got.BlackRemainingMs)
	}
	if !got.Running {
		t.Fatalf("engine stopped unexpectedly")
	}
}

func TestEngineNeverNegativeAndOneSidePerTick(t *testing.T) {
	side := White
	e, fake := newTestEngine(t, func() Side { return side })
	e.SetTimeControl(time.Second)
	e.Start()

	steps := []time.Duration{
		150 * time.Millisecond, 90 * time.Millisecond, 400 * time.Millisecond,
		300 * time.Millisecond, 2 * time.Second, 50 * time.Millisecond,
	}
	for i, step := range steps {
		before := e.Snapshot()
		fake.Advance(step)
		e.Tick()
		after := e.Snapshot()

		if after.WhiteRemainingMs < 0 || after.BlackRemainingMs < 0 {
			t.Fatalf("step %d: negative clock %+v", i, after)
		}
		whiteMoved := after.WhiteRemainingMs != before.WhiteRemainingMs
		blackMoved := after.BlackRemainingMs != before.BlackRemainingMs
		if whiteMoved && blackMoved {
			t.Fatalf("step %d: both clocks moved %+v -> %+v", i, before, after)
		}
		if blackMoved && before.ActiveSide != Black {
			t.Fatalf("step %d: inactive black clock moved", i)
		}
		if whiteMoved && before.ActiveSide != White {
			t.Fatalf("step %d: inactive white clock moved", i)
		}
		side = side.Opponent()
	}
}

func TestEngineTimeoutStopsClock(t *testing.T) {
	var flagged []Side
	e, fake := newTestEngine(t, func() Side { return White }, WithTimeoutHandler(func(s Side) {
		flagged = append(flagged, s)
	}))
	e.Sync(250, 60000)
	e.Start()

	for i := 0; i < 5; i++ {
		fake.Advance(100 * time.Millisecond)
		e.Tick()
	}

	if len(flagged) != 1 || flagged[0] != White {
		t.Fatalf("timeouts = %v; want [w]", flagged)
	}
	if e.Running() {
		t.Fatalf("engine still running after timeout")
	}
	if e.C() != nil {
		t.Fatalf("tick channel should be nil after timeout")
	}

	// A tick delivered after the flag must not mutate anything.
	fake.Advance(time.Second)
	if e.Tick() {
		t.Fatalf("tick after timeout changed state")
	}
	got := e.Snapshot()
	if got.WhiteRemainingMs != 0 || got.BlackRemainingMs != 60000 {
		t.Fatalf("snapshot after timeout = %+v", got)
	}
}

func TestEngineStartStopIdempotent(t *testing.T) {
	e, fake := newTestEngine(t, func() Side { return Black })
	e.Start()
	fake.Advance(300 * time.Millisecond)
	e.Start() // must not reset the last tick reference
	e.Tick()

	if got := e.Snapshot().BlackRemainingMs; got != 599700 {
		t.Fatalf("black = %d; want 599700", got)
	}

	e.Stop()
	e.Stop()
	fake.Advance(time.Second)
	if e.Tick() {
		t.Fatalf("stopped engine ticked")
	}
}

func TestEngineSyncClamps(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Sync(-5, 59000)

	got := e.Snapshot()
	if got.WhiteRemainingMs != 0 || got.BlackRemainingMs != 59000 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{600000, "10:00"},
		{59000, "0:59"},
		{61999, "1:01"},
		{0, "0:00"},
		{-20, "0:00"},
	}

	for _, tc := range cases {
		if got := Format(tc.ms); got != tc.want {
			t.Fatalf("Format(%d) = %s; want %s", tc.ms, got, tc.want)
		}
	}
}

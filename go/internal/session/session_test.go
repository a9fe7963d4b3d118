package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/openchess/go/internal/challenge"
	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/peer/peertest"
	"github.com/mcdev12/openchess/go/internal/protocol"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/mcdev12/openchess/go/internal/session"
)

const waitTimeout = 2 * time.Second

// hub routes relay frames between in-process sessions the way the gateway does.
type hub struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newHub() *hub {
	return &hub{sessions: make(map[string]*session.Session)}
}

func (h *hub) add(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

func (h *hub) lookup(id string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *hub) deliver(id, event string, payload interface{}) bool {
	target := h.lookup(id)
	if target == nil {
		return false
	}
	frame, err := relay.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	target.HandleFrame(frame)
	return true
}

type hubLink struct {
	hub *hub
	id  string
}

func (l hubLink) Send(event string, payload interface{}) error {
	h := l.hub
	switch msg := payload.(type) {
	case relay.Challenge:
		if !h.deliver(msg.To, relay.EventChallengeReceived, relay.ChallengeReceived{From: msg.From, Offer: msg.Offer}) {
			h.deliver(l.id, relay.EventChallengeFailed, relay.ChallengeFailed{Message: "User " + msg.To + " is not online"})
		}
	case relay.Answer:
		h.deliver(msg.To, relay.EventAnswerReceived, relay.AnswerReceived{From: msg.From, Answer: msg.Answer})
	case relay.ICECandidate:
		h.deliver(msg.To, relay.EventICECandidate, relay.ICECandidate{From: msg.From, Candidate: msg.Candidate})
	case relay.ChallengeFailed:
		h.deliver(msg.To, relay.EventChallengeFailed, relay.ChallengeFailed{Message: msg.Message})
	case relay.CheckUser:
		h.deliver(l.id, relay.EventUserStatus, relay.UserStatus{UserID: msg.UserID, Online: h.lookup(msg.UserID) != nil})
	}
	return nil
}

func (l hubLink) Close() error {
	h := l.hub
	h.mu.Lock()
	delete(h.sessions, l.id)
	var others []string
	for id := range h.sessions {
		others = append(others, id)
	}
	h.mu.Unlock()

	for _, id := range others {
		h.deliver(id, relay.EventOpponentDisconnected, relay.OpponentDisconnected{UserID: l.id})
	}
	return nil
}

type receivedMove struct {
	move  protocol.Move
	clock gameclock.State
}

// recorder implements session.Observer and challenge.Prompt.
type recorder struct {
	mu        sync.Mutex
	lastClock gameclock.State
	notices   []string

	moves      chan receivedMove
	states     chan peer.State
	started    chan struct{}
	timeouts   chan gameclock.Side
	challenges chan string
}

func newRecorder() *recorder {
	return &recorder{
		moves:      make(chan receivedMove, 16),
		states:     make(chan peer.State, 64),
		started:    make(chan struct{}, 16),
		timeouts:   make(chan gameclock.Side, 4),
		challenges: make(chan string, 4),
	}
}

func (r *recorder) OnMoveReceived(move protocol.Move) {
	r.mu.Lock()
	clock := r.lastClock
	r.mu.Unlock()
	r.moves <- receivedMove{move: move, clock: clock}
}

func (r *recorder) OnConnectionStateChange(state peer.State) {
	r.states <- state
}

func (r *recorder) OnClockUpdate(state gameclock.State) {
	r.mu.Lock()
	wasRunning := r.lastClock.Running
	r.lastClock = state
	r.mu.Unlock()
	if state.Running && !wasRunning {
		r.started <- struct{}{}
	}
}

func (r *recorder) OnTimeout(loser gameclock.Side) {
	r.timeouts <- loser
}

func (r *recorder) Notify(level challenge.NoticeLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, message)
}

func (r *recorder) ChallengeReceived(from string, color gameclock.Side) {
	r.challenges <- from
}

func (r *recorder) hasNotice(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n == message {
			return true
		}
	}
	return false
}

type player struct {
	session *session.Session
	rec     *recorder
	done    chan error
}

func newPlayer(t *testing.T, ctx context.Context, h *hub, net *peertest.Network, id string, opts ...session.Option) *player {
	t.Helper()
	rec := newRecorder()
	opts = append([]session.Option{session.WithObserver(rec), session.WithPrompt(rec)}, opts...)
	s := session.New(id, hubLink{hub: h, id: id}, net.Transport(), opts...)
	h.add(s)

	p := &player{session: s, rec: rec, done: make(chan error, 1)}
	go func() { p.done <- s.Run(ctx) }()
	return p
}

func waitState(t *testing.T, p *player, want peer.State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-p.rec.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for state %s", p.session.ID(), want)
		}
	}
}

func waitStarted(t *testing.T, p *player) {
	t.Helper()
	select {
	case <-p.rec.started:
	case <-time.After(waitTimeout):
		t.Fatalf("%s: game did not start", p.session.ID())
	}
}

// connect runs the full handshake: a challenges b through the presence
// check and b accepts.
func connect(t *testing.T, ctx context.Context, a, b *player) {
	t.Helper()
	if err := a.session.ChallengeUser(ctx, b.session.ID()); err != nil {
		t.Fatalf("ChallengeUser: %v", err)
	}

	select {
	case from := <-b.rec.challenges:
		if from != a.session.ID() {
			t.Fatalf("challenge from %s; want %s", from, a.session.ID())
		}
	case <-time.After(waitTimeout):
		t.Fatalf("challenge never reached %s", b.session.ID())
	}

	if err := b.session.AcceptPendingChallenge(ctx); err != nil {
		t.Fatalf("AcceptPendingChallenge: %v", err)
	}

	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)
	waitStarted(t, a)
	waitStarted(t, b)
}

func TestChallengeAcceptAndMove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock))
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clock))

	connect(t, ctx, a, b)

	st, err := a.session.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Color != gameclock.White || st.Opponent != "BOB001" || st.State != peer.StateConnected {
		t.Fatalf("host status = %+v", st)
	}
	st, _ = b.session.Status(ctx)
	if st.Color != gameclock.Black || st.Opponent != "ALICE1" {
		t.Fatalf("guest status = %+v", st)
	}

	if err := a.session.SendMove(ctx, "e2", "e4", "wP", nil); err != nil {
		t.Fatalf("SendMove: %v", err)
	}

	select {
	case got := <-b.rec.moves:
		m := got.move
		if m.From != "e2" || m.To != "e4" || m.Piece != "wP" || m.Captured != nil {
			t.Fatalf("move = %+v", m)
		}
		if m.SenderColor != gameclock.White {
			t.Fatalf("sender color = %s; want w", m.SenderColor)
		}
		if m.Timestamp != clock.Now().UnixMilli() {
			t.Fatalf("timestamp = %d; want %d", m.Timestamp, clock.Now().UnixMilli())
		}
	case <-time.After(waitTimeout):
		t.Fatalf("move never reached the opponent")
	}

	// Black replies with a capture.
	captured := "wP"
	if err := b.session.SendMove(ctx, "d7", "e4", "bP", &captured); err != nil {
		t.Fatalf("SendMove: %v", err)
	}
	select {
	case got := <-a.rec.moves:
		if got.move.Captured == nil || *got.move.Captured != "wP" || got.move.SenderColor != gameclock.Black {
			t.Fatalf("reply = %+v", got.move)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("reply never reached the host")
	}
}

func TestReceivedMoveMirrorsClockFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock))
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clock))
	connect(t, ctx, a, b)

	hostCh := net.Conns()[0].Channel()
	data, err := protocol.EncodeMove(protocol.Move{
		From:             "g1",
		To:               "f3",
		Piece:            "wN",
		Timestamp:        1,
		SenderColor:      gameclock.White,
		WhiteRemainingMs: 59000,
		BlackRemainingMs: 60000,
	})
	if err != nil {
		t.Fatalf("EncodeMove: %v", err)
	}
	if err := hostCh.Send(data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-b.rec.moves:
		if got.clock.WhiteRemainingMs != 59000 || got.clock.BlackRemainingMs != 60000 {
			t.Fatalf("clock at callback = %+v; want 59000/60000", got.clock)
		}
		if got.clock.ActiveSide != gameclock.Black {
			t.Fatalf("active side = %s; want b", got.clock.ActiveSide)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("move not delivered")
	}

	// Garbage is dropped without disturbing the session.
	hostCh.Send([]byte(`{"type":"castle"}`))
	hostCh.Send([]byte(`not json`))
	st, err := b.session.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != peer.StateConnected || st.Clock.WhiteRemainingMs != 59000 {
		t.Fatalf("status after garbage = %+v", st)
	}
}

func TestSendMoveNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1")

	err := a.session.SendMove(ctx, "e2", "e4", "wP", nil)
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("err = %v; want ErrNotConnected", err)
	}
	if err := a.session.SyncTime(ctx); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SyncTime err = %v; want ErrNotConnected", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock))
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clock))
	connect(t, ctx, a, b)

	if err := a.session.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	first, _ := a.session.Status(ctx)
	if err := a.session.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	second, _ := a.session.Status(ctx)

	if first != second {
		t.Fatalf("second cleanup changed status: %+v -> %+v", first, second)
	}
	if second.State != peer.StateClosed || second.Opponent != "" || second.InProgress || second.Clock.Running {
		t.Fatalf("status after cleanup = %+v", second)
	}
	if err := a.session.SendMove(ctx, "e2", "e4", "wP", nil); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SendMove after cleanup err = %v", err)
	}

	// The guest loses its link too.
	waitState(t, b, peer.StateClosed)

	// A fresh challenge works after cleanup.
	connect(t, ctx, a, b)
}

func TestTimeoutEndsGame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	config := session.DefaultConfig()
	config.TimeControl = time.Second
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock), session.WithConfig(config))
	// Only the host's clock moves.
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clockwork.NewFakeClock()), session.WithConfig(config))
	connect(t, ctx, a, b)

	clock.Advance(1500 * time.Millisecond)

	select {
	case loser := <-a.rec.timeouts:
		if loser != gameclock.White {
			t.Fatalf("loser = %s; want w", loser)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("no timeout reported")
	}

	st, err := a.session.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Clock.Running || st.Clock.WhiteRemainingMs != 0 {
		t.Fatalf("clock after timeout = %+v", st.Clock)
	}
	if !a.rec.hasNotice("White ran out of time! Black wins!") {
		t.Fatalf("timeout notice missing")
	}
}

func TestOpponentDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock))
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clock))
	connect(t, ctx, a, b)

	if err := b.session.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-b.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("Run did not stop after Disconnect")
	}
	if err := b.session.Cleanup(ctx); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("command after Disconnect err = %v; want ErrClosed", err)
	}

	waitState(t, a, peer.StateClosed)
	st, _ := a.session.Status(ctx)
	if st.Opponent != "" || st.Clock.Running {
		t.Fatalf("host status after opponent left = %+v", st)
	}
}

func TestStrayFailureFramesKeepTheGame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1", session.WithClock(clock))
	b := newPlayer(t, ctx, h, net, "BOB001", session.WithClock(clock))
	connect(t, ctx, a, b)

	for _, event := range []string{relay.EventChallengeFailed, relay.EventAnswerFailed} {
		frame, err := relay.NewFrame(event, relay.ChallengeFailed{Message: challenge.BusyMessage})
		if err != nil {
			t.Fatalf("NewFrame: %v", err)
		}
		a.session.HandleFrame(frame)
	}

	st, err := a.session.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != peer.StateConnected || st.Opponent != "BOB001" || st.Color != gameclock.White {
		t.Fatalf("status after stray frames = %+v", st)
	}
	if a.rec.hasNotice(challenge.BusyMessage) {
		t.Fatalf("stray failure was shown to the player")
	}

	if err := a.session.SendMove(ctx, "e2", "e4", "wP", nil); err != nil {
		t.Fatalf("SendMove: %v", err)
	}
	select {
	case got := <-b.rec.moves:
		if got.move.SenderColor != gameclock.White {
			t.Fatalf("sender color = %s", got.move.SenderColor)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("move never reached the opponent")
	}

	// The opponent is still known, so its disconnect still ends the game.
	h.deliver("ALICE1", relay.EventOpponentDisconnected, relay.OpponentDisconnected{UserID: "BOB001"})
	waitState(t, a, peer.StateClosed)
}

func TestChallengeOfflineUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1")

	if err := a.session.ChallengeUser(ctx, "nobody"); err != nil {
		t.Fatalf("ChallengeUser: %v", err)
	}
	// Status runs after the queued user_status reply.
	deadline := time.Now().Add(waitTimeout)
	for !a.rec.hasNotice("User NOBODY is not online") {
		if time.Now().After(deadline) {
			t.Fatalf("offline notice missing")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(net.Conns()) != 0 {
		t.Fatalf("negotiation started for an offline user")
	}
}

func TestSetTimeControl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, net := newHub(), peertest.NewNetwork()
	a := newPlayer(t, ctx, h, net, "ALICE1")

	if err := a.session.SetTimeControl(ctx, 5*time.Minute); err != nil {
		t.Fatalf("SetTimeControl: %v", err)
	}
	st, _ := a.session.Status(ctx)
	if st.Clock.WhiteRemainingMs != 300000 || st.Clock.BlackRemainingMs != 300000 {
		t.Fatalf("clock = %+v", st.Clock)
	}
	if err := a.session.SetTimeControl(ctx, 0); err == nil {
		t.Fatalf("zero time control accepted")
	}
}

func TestNewIdentity(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := session.NewIdentity()
		if len(id) != session.IdentityLength {
			t.Fatalf("identity %q has length %d", id, len(id))
		}
		if id != challenge.NormalizeID(id) {
			t.Fatalf("identity %q is not uppercase", id)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Fatalf("identities repeat too often: %d unique of 50", len(seen))
	}
}

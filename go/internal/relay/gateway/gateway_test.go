package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
)

const waitTimeout = 2 * time.Second

type frameRecorder struct {
	frames       chan relay.Frame
	disconnected chan error
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{
		frames:       make(chan relay.Frame, 32),
		disconnected: make(chan error, 1),
	}
}

func (r *frameRecorder) HandleFrame(frame relay.Frame) { r.frames <- frame }
func (r *frameRecorder) HandleDisconnect(err error) { r.disconnected <- err }

func (r *frameRecorder) wait(t *testing.T, event string, v interface{}) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-r.frames:
			if f.Event != event {
				continue
			}
			if v != nil {
				if err := f.Decode(v); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

type testGateway struct {
	service *Service
	server  *httptest.Server
	clock   *clockwork.FakeClock
}

func newTestGateway(t *testing.T, opts ...Option) *testGateway {
	t.Helper()
	clock := clockwork.NewFakeClock()
	config := DefaultConfig()
	config.InstanceID = "test"
	svc := NewService(config, append([]Option{WithClock(clock)}, opts...)...)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{service: svc, server: srv, clock: clock}
}

func (g *testGateway) connect(t *testing.T, userID string) (*relay.Client, *frameRecorder) {
	t.Helper()
	config := relay.DefaultClientConfig()
	config.URL = "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	config.UserID = userID

	rec := newFrameRecorder()
	client := relay.NewClient(config)
	client.SetHandler(rec)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	t.Cleanup(func() { client.Close() })
	return client, rec
}

func (g *testGateway) getJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	resp, err := http.Get(g.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestChallengeIsForwarded(t *testing.T) {
	g := newTestGateway(t)
	alice, aliceRec := g.connect(t, "ALICE1")
	_, bobRec := g.connect(t, "BOB001")

	offer := relay.SessionDescription{Type: "offer", SDP: "v=0"}
	if err := alice.Send(relay.EventChallenge, relay.Challenge{From: "ALICE1", To: "BOB001", Offer: offer}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var received relay.ChallengeReceived
	bobRec.wait(t, relay.EventChallengeReceived, &received)
	if received.From != "ALICE1" || received.Offer != offer {
		t.Fatalf("challenge_received = %+v", received)
	}

	var ack relay.Delivered
	aliceRec.wait(t, relay.EventChallengeSent, &ack)
	if ack.To != "BOB001" || ack.Status != "delivered" {
		t.Fatalf("challenge_sent = %+v", ack)
	}
}

func TestAnswerAndCandidatesAreForwarded(t *testing.T) {
	g := newTestGateway(t)
	alice, aliceRec := g.connect(t, "ALICE1")
	bob, bobRec := g.connect(t, "BOB001")

	answer := relay.SessionDescription{Type: "answer", SDP: "v=0"}
	bob.Send(relay.EventAnswer, relay.Answer{From: "BOB001", To: "ALICE1", Answer: answer})

	var got relay.AnswerReceived
	aliceRec.wait(t, relay.EventAnswerReceived, &got)
	if got.From != "BOB001" || got.Answer != answer {
		t.Fatalf("answer_received = %+v", got)
	}
	bobRec.wait(t, relay.EventAnswerSent, nil)

	alice.Send(relay.EventICECandidate, relay.ICECandidate{
		From:      "ALICE1",
		To:        "BOB001",
		Candidate: relay.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})
	var cand relay.ICECandidate
	bobRec.wait(t, relay.EventICECandidate, &cand)
	if cand.From != "ALICE1" || cand.To != "" || !strings.HasPrefix(cand.Candidate.Candidate, "candidate:1") {
		t.Fatalf("ice_candidate = %+v", cand)
	}

	bob.Send(relay.EventChallengeFailed, relay.ChallengeFailed{To: "ALICE1", Message: "User is already in a game"})
	var failed relay.ChallengeFailed
	aliceRec.wait(t, relay.EventChallengeFailed, &failed)
	if failed.Message != "User is already in a game" || failed.To != "" {
		t.Fatalf("challenge_failed = %+v", failed)
	}
}

func TestChallengeOfflineUser(t *testing.T) {
	g := newTestGateway(t)
	alice, aliceRec := g.connect(t, "ALICE1")

	alice.Send(relay.EventChallenge, relay.Challenge{
		From:  "ALICE1",
		To:    "NOBODY",
		Offer: relay.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	var failed relay.ChallengeFailed
	aliceRec.wait(t, relay.EventChallengeFailed, &failed)
	if failed.Message != "User NOBODY is not online" || failed.To != "NOBODY" {
		t.Fatalf("challenge_failed = %+v", failed)
	}

	alice.Send(relay.EventChallenge, relay.Challenge{From: "ALICE1", To: "NOBODY"})
	var errMsg relay.Error
	aliceRec.wait(t, relay.EventError, &errMsg)
	if errMsg.Message != "Invalid challenge data" {
		t.Fatalf("error = %+v", errMsg)
	}
}

func TestCheckUserAndPing(t *testing.T) {
	g := newTestGateway(t)
	alice, aliceRec := g.connect(t, "ALICE1")
	g.connect(t, "BOB001")

	alice.Send(relay.EventCheckUser, relay.CheckUser{UserID: "BOB001"})
	var status relay.UserStatus
	aliceRec.wait(t, relay.EventUserStatus, &status)
	if status.UserID != "BOB001" || !status.Online {
		t.Fatalf("user_status = %+v", status)
	}

	alice.Send(relay.EventCheckUser, relay.CheckUser{UserID: "CAROL1"})
	aliceRec.wait(t, relay.EventUserStatus, &status)
	if status.UserID != "CAROL1" || status.Online {
		t.Fatalf("user_status = %+v", status)
	}

	alice.Send(relay.EventPing, relay.Ping{UserID: "ALICE1"})
	var pong relay.Pong
	aliceRec.wait(t, relay.EventPong, &pong)
	if pong.Timestamp != g.clock.Now().Format(time.RFC3339) {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestDisconnectIsBroadcast(t *testing.T) {
	g := newTestGateway(t)
	_, aliceRec := g.connect(t, "ALICE1")
	bob, _ := g.connect(t, "BOB001")

	bob.Close()

	var msg relay.OpponentDisconnected
	aliceRec.wait(t, relay.EventOpponentDisconnected, &msg)
	if msg.UserID != "BOB001" {
		t.Fatalf("opponent_disconnected = %+v", msg)
	}

	var status UserStatusResponse
	g.getJSON(t, "/users/BOB001/status", &status)
	if status.Online {
		t.Fatalf("BOB001 still online after disconnect")
	}
}

func TestPresenceEndpoints(t *testing.T) {
	g := newTestGateway(t)
	g.connect(t, "ALICE1")
	g.connect(t, "BOB001")

	var online OnlineUsersResponse
	g.getJSON(t, "/users/online", &online)
	if online.Count != 2 || online.Users[0] != "ALICE1" || online.Users[1] != "BOB001" {
		t.Fatalf("online = %+v", online)
	}

	var health HealthResponse
	g.getJSON(t, "/health", &health)
	if health.Status != "healthy" || health.ActiveUsers != 2 {
		t.Fatalf("health = %+v", health)
	}

	var status UserStatusResponse
	g.getJSON(t, "/user/ALICE1/status", &status)
	if status.UserID != "ALICE1" || !status.Online {
		t.Fatalf("status = %+v", status)
	}
}

func TestSweepDropsInactiveUsers(t *testing.T) {
	g := newTestGateway(t)
	g.connect(t, "ALICE1")
	_, bobRec := g.connect(t, "BOB001")

	g.clock.Advance(4 * time.Minute)
	if !g.service.connectionManager.touch(context.Background(), "BOB001") {
		t.Fatalf("BOB001 not registered")
	}
	g.clock.Advance(2 * time.Minute)

	removed, err := g.service.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "ALICE1" {
		t.Fatalf("removed = %v; want [ALICE1]", removed)
	}

	var online OnlineUsersResponse
	g.getJSON(t, "/users/online", &online)
	if online.Count != 1 || online.Users[0] != "BOB001" {
		t.Fatalf("online = %+v", online)
	}
	select {
	case err := <-bobRec.disconnected:
		t.Fatalf("sweep closed a socket: %v", err)
	default:
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := newTestGateway(t, WithMetrics(NewPrometheusMetrics(reg), reg))
	alice, aliceRec := g.connect(t, "ALICE1")

	alice.Send(relay.EventChallenge, relay.Challenge{
		From:  "ALICE1",
		To:    "NOBODY",
		Offer: relay.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	aliceRec.wait(t, relay.EventChallengeFailed, nil)

	resp, err := http.Get(g.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`relay_connections_total{action="opened"} 1`,
		`relay_frames_received_total{event="register"} 1`,
		`relay_deliveries_total{event="challenge_received",status="failed"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestMemoryPresenceOwnership(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()
	now := time.Unix(1700000000, 0)

	p.Register(ctx, Presence{UserID: "ALICE1", Instance: "a", ConnID: "old", LastSeen: now})
	p.Register(ctx, Presence{UserID: "ALICE1", Instance: "a", ConnID: "new", LastSeen: now})

	removed, err := p.Remove(ctx, "ALICE1", "old")
	if err != nil || removed {
		t.Fatalf("stale connection removed registration: %v %v", removed, err)
	}
	got, ok, _ := p.Lookup(ctx, "ALICE1")
	if !ok || got.ConnID != "new" {
		t.Fatalf("lookup = %+v %v", got, ok)
	}

	if ok, _ := p.Touch(ctx, "CAROL1", now); ok {
		t.Fatalf("touched an unregistered user")
	}
	if removed, _ := p.Remove(ctx, "ALICE1", "new"); !removed {
		t.Fatalf("owner could not remove registration")
	}
}

func TestBusSubjects(t *testing.T) {
	if got := deliverSubject("relay", "abc123"); got != "relay.deliver.abc123" {
		t.Fatalf("deliverSubject = %s", got)
	}
	if got := broadcastSubject("relay"); got != "relay.broadcast" {
		t.Fatalf("broadcastSubject = %s", got)
	}
	instance, conn := parseOwner(ownerValue("abc123", "conn-1"))
	if instance != "abc123" || conn != "conn-1" {
		t.Fatalf("parseOwner = %s %s", instance, conn)
	}
}

func TestRemoteDeliveryReachesLocalUser(t *testing.T) {
	g := newTestGateway(t)
	_, aliceRec := g.connect(t, "ALICE1")

	frame, _ := relay.NewFrame(relay.EventChallengeReceived, relay.ChallengeReceived{
		From:  "REMOTE",
		Offer: relay.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	g.service.connectionManager.deliverRemote(Delivery{Origin: "other", UserID: "ALICE1", Frame: frame})

	var got relay.ChallengeReceived
	aliceRec.wait(t, relay.EventChallengeReceived, &got)
	if got.From != "REMOTE" {
		t.Fatalf("challenge_received = %+v", got)
	}

	broadcast, _ := relay.NewFrame(relay.EventOpponentDisconnected, relay.OpponentDisconnected{UserID: "REMOTE"})
	g.service.connectionManager.deliverRemote(Delivery{Origin: "other", Frame: broadcast})
	aliceRec.wait(t, relay.EventOpponentDisconnected, nil)
}

package relay

import (
	"encoding/json"
	"fmt"
)

// Relay event names. Outbound events are sent by players, inbound ones by the relay.
const (
	EventRegister             = "register"
	EventRegistered           = "registered"
	EventChallenge            = "challenge"
	EventChallengeReceived    = "challenge_received"
	EventChallengeSent        = "challenge_sent"
	EventChallengeFailed      = "challenge_failed"
	EventAnswer               = "answer"
	EventAnswerReceived       = "answer_received"
	EventAnswerSent           = "answer_sent"
	EventAnswerFailed         = "answer_failed"
	EventICECandidate         = "ice_candidate"
	EventOpponentDisconnected = "opponent_disconnected"
	EventCheckUser            = "check_user"
	EventUserStatus           = "user_status"
	EventPing                 = "ping"
	EventPong                 = "pong"
	EventError                = "error"
)

// Frame is one relay message on the wire: {"event": "...", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame wraps payload under the given event name.
func NewFrame(event string, payload interface{}) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}

// SessionDescription is an opaque offer or answer. The relay and the session
// engine forward it untouched.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a network reachability descriptor, shaped like a browser
// RTCIceCandidateInit so either side can be a browser.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Register struct {
	UserID string `json:"user_id"`
}

type Registered struct {
	UserID string `json:"user_id"`
	Status string `json:"status,omitempty"`
}

type Challenge struct {
	From  string             `json:"from"`
	To    string             `json:"to"`
	Offer SessionDescription `json:"offer"`
}

type ChallengeReceived struct {
	From  string             `json:"from"`
	Offer SessionDescription `json:"offer"`
}

type Answer struct {
	From   string             `json:"from"`
	To     string             `json:"to"`
	Answer SessionDescription `json:"answer"`
}

type AnswerReceived struct {
	From   string             `json:"from"`
	Answer SessionDescription `json:"answer"`
}

// Delivered acknowledges a forwarded challenge or answer.
type Delivered struct {
	To     string `json:"to"`
	Status string `json:"status"`
}

// ICECandidate is used in both directions; To is empty on inbound frames.
type ICECandidate struct {
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Candidate Candidate `json:"candidate"`
}

// ChallengeFailed is used in both directions; To is empty on inbound frames.
type ChallengeFailed struct {
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

type OpponentDisconnected struct {
	UserID string `json:"user_id"`
}

type CheckUser struct {
	UserID string `json:"user_id"`
}

type UserStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type Ping struct {
	UserID string `json:"user_id"`
}

type Pong struct {
	Timestamp string `json:"timestamp"`
}

type Error struct {
	Message string `json:"message"`
}

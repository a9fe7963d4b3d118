package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/openchess/go/internal/gameclock"
)

var (
	// ErrMalformed is returned for payloads that are not a valid envelope
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for envelopes with an unrecognised type tag
	ErrUnknownType = errors.New("unknown envelope type")
)

// EnvelopeType tags every message sent over the peer channel
type EnvelopeType string

const (
	EnvelopeTypeMove     EnvelopeType = "move"
	EnvelopeTypeTimeSync EnvelopeType = "time_sync"
)

// Move is a validated move forwarded to the opponent, with the sender's
// clock snapshot attached so both displays reconcile on every move.
type Move struct {
	Type             EnvelopeType   `json:"type"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Piece            string         `json:"pieceId"`
	Captured         *string        `json:"capturedId"`
	Timestamp        int64          `json:"timestamp"` // unix millis
	SenderColor      gameclock.Side `json:"senderColor"`
	WhiteRemainingMs int64          `json:"whiteRemainingMs"`
	BlackRemainingMs int64          `json:"blackRemainingMs"`
}

// TimeSync carries clock values without a move
type TimeSync struct {
	Type             EnvelopeType `json:"type"`
	WhiteRemainingMs int64        `json:"whiteRemainingMs"`
	BlackRemainingMs int64        `json:"blackRemainingMs"`
}

// EncodeMove marshals m as a move envelope.
func EncodeMove(m Move) ([]byte, error) {
	m.Type = EnvelopeTypeMove
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// EncodeTimeSync marshals a time_sync envelope.
func EncodeTimeSync(whiteMs, blackMs int64) ([]byte, error) {
	return json.Marshal(TimeSync{
		Type:             EnvelopeTypeTimeSync,
		WhiteRemainingMs: whiteMs,
		BlackRemainingMs: blackMs,
	})
}

// Decode parses a channel message into *Move or *TimeSync.
func Decode(data []byte) (interface{}, error) {
	var head struct {
		Type EnvelopeType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case EnvelopeTypeMove:
		var m Move
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return &m, nil

	case EnvelopeTypeTimeSync:
		var ts TimeSync
		if err := json.Unmarshal(data, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ts.WhiteRemainingMs < 0 || ts.BlackRemainingMs < 0 {
			return nil, fmt.Errorf("%w: negative clock value", ErrMalformed)
		}
		return &ts, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func (m Move) validate() error {
	switch {
	case m.From == "" || m.To == "":
		return fmt.Errorf("%w: move without squares", ErrMalformed)
	case m.Piece == "":
		return fmt.Errorf("%w: move without piece", ErrMalformed)
	case !m.SenderColor.Valid():
		return fmt.Errorf("%w: invalid sender color %q", ErrMalformed, m.SenderColor)
	case m.WhiteRemainingMs < 0 || m.BlackRemainingMs < 0:
		return fmt.Errorf("%w: negative clock value", ErrMalformed)
	}
	return nil
}

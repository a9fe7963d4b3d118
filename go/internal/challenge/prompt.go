package challenge

import "github.com/mcdev12/openchess/go/internal/gameclock"

// NoticeLevel is the severity of a user-facing notice
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Prompt is the user-facing notification surface. The coordinator never
// renders anything itself.
type Prompt interface {
	// Notify shows a transient message.
	Notify(level NoticeLevel, message string)
	// ChallengeReceived asks the user to accept or decline. The answer comes
	// back through Coordinator.AcceptPending or Coordinator.DeclinePending.
	ChallengeReceived(from string, color gameclock.Side)
}

// NopPrompt discards everything.
type NopPrompt struct{}

func (NopPrompt) Notify(NoticeLevel, string) {}
func (NopPrompt) ChallengeReceived(string, gameclock.Side) {}

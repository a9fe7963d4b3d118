package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/openchess/go/internal/challenge"
	"github.com/mcdev12/openchess/go/internal/gameclock"
	"github.com/mcdev12/openchess/go/internal/peer"
	"github.com/mcdev12/openchess/go/internal/protocol"
	"github.com/mcdev12/openchess/go/internal/session"
)

var errQuit = errors.New("quit")

// commands is the part of *session.Session the console drives.
type commands interface {
	ID() string
	ChallengeUser(ctx context.Context, peerID string) error
	AcceptPendingChallenge(ctx context.Context) error
	DeclinePendingChallenge(ctx context.Context) error
	SendMove(ctx context.Context, from, to, piece string, captured *string) error
	SyncTime(ctx context.Context) error
	SetTimeControl(ctx context.Context, d time.Duration) error
	Status(ctx context.Context) (session.Status, error)
}

// console renders session events as text and runs typed commands.
// It is both the session Observer and its challenge Prompt.
type console struct {
	mu  sync.Mutex
	out io.Writer

	session commands
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) Notify(level challenge.NoticeLevel, message string) {
	if level == challenge.NoticeInfo {
		c.printf("* %s", message)
		return
	}
	c.printf("! %s", message)
}

func (c *console) ChallengeReceived(from string, color gameclock.Side) {
	c.printf("%s challenges you, you would play %s. Type 'accept' or 'decline'.", from, color.Name())
}

func (c *console) OnMoveReceived(m protocol.Move) {
	if m.Captured != nil {
		c.printf("%s: %s %s-%s takes %s", m.SenderColor.Name(), m.Piece, m.From, m.To, *m.Captured)
		return
	}
	c.printf("%s: %s %s-%s", m.SenderColor.Name(), m.Piece, m.From, m.To)
}

func (c *console) OnConnectionStateChange(state peer.State) {
	c.printf("connection %s", state)
}

// OnClockUpdate is called on every tick; only started and stopped clocks
// are printed.
func (c *console) OnClockUpdate(gameclock.State) {}

func (c *console) OnTimeout(loser gameclock.Side) {
	c.printf("%s flagged", loser.Name())
}

const help = `commands:
  id                                  show your identity
  challenge <ID>                      challenge an online player
  accept | decline                    answer the pending challenge
  move <from> <to> <piece> [captured] send a move
  sync                                send your clocks to the opponent
  time <minutes>                      set the time control
  status                              show session and clocks
  quit`

// exec runs one command line. It returns errQuit for quit.
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		c.printf("%s", help)
	case "id":
		c.printf("your ID: %s", c.session.ID())
	case "challenge":
		if len(args) != 1 {
			return errors.New("usage: challenge <ID>")
		}
		return c.session.ChallengeUser(ctx, strings.ToUpper(args[0]))
	case "accept":
		return c.session.AcceptPendingChallenge(ctx)
	case "decline":
		if err := c.session.DeclinePendingChallenge(ctx); err != nil {
			return err
		}
		c.printf("challenge declined")
	case "move":
		if len(args) < 3 || len(args) > 4 {
			return errors.New("usage: move <from> <to> <piece> [captured]")
		}
		var captured *string
		if len(args) == 4 {
			captured = &args[3]
		}
		return c.session.SendMove(ctx, args[0], args[1], args[2], captured)
	case "sync":
		return c.session.SyncTime(ctx)
	case "time":
		if len(args) != 1 {
			return errors.New("usage: time <minutes>")
		}
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes <= 0 {
			return fmt.Errorf("invalid minutes %q", args[0])
		}
		return c.session.SetTimeControl(ctx, time.Duration(minutes)*time.Minute)
	case "status":
		st, err := c.session.Status(ctx)
		if err != nil {
			return err
		}
		c.printStatus(st)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help'", fields[0])
	}
	return nil
}

func (c *console) printStatus(st session.Status) {
	c.printf("id %s, connection %s", st.ID, st.State)
	if st.Opponent != "" {
		c.printf("opponent %s, you are %s", st.Opponent, st.Color.Name())
	}
	if st.Pending != "" {
		c.printf("pending challenge from %s", st.Pending)
	}
	clock := "stopped"
	if st.Clock.Running {
		clock = st.Clock.ActiveSide.Name() + " to move"
	}
	c.printf("white %s  black %s  (%s)",
		gameclock.Format(st.Clock.WhiteRemainingMs),
		gameclock.Format(st.Clock.BlackRemainingMs),
		clock)
}

package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/plyght/amp-acp/agent"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/session"
)

// Verbosity controls how much of a tool call is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// Terminal runs prompts through a bridge session and prints its events.
type Terminal struct {
	bridge    *agent.Bridge
	in        io.Reader
	out       io.Writer
	verbosity Verbosity
	// Interactive keeps reading prompts from in after the first one.
	Interactive bool

	mu sync.Mutex
	// midLine is set while a message is being streamed.
	midLine bool
}

// New creates a Terminal reading prompts from in and printing to out.
func New(b *agent.Bridge, in io.Reader, out io.Writer, verbosity Verbosity) *Terminal {
	if verbosity == "" {
		verbosity = VerbosityInfo
	}
	return &Terminal{bridge: b, in: in, out: out, verbosity: verbosity}
}

// Run opens a session in cwd, sends initialPrompt and, when interactive,
// every further line until EOF or /quit.
func (t *Terminal) Run(ctx context.Context, cwd, initialPrompt string) error {
	s, err := t.bridge.NewSession(ctx, cwd, nil, t.print)
	if err != nil {
		return err
	}
	defer s.Close(event.ReasonCompleted)

	if initialPrompt != "" {
		if err := t.processTurn(ctx, s, initialPrompt); err != nil {
			return err
		}
	}
	if !t.Interactive {
		return nil
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}
		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}
		if err := t.processTurn(ctx, s, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			select {
			case <-s.Done():
				return err
			default:
			}
		}
	}
	return scanner.Err()
}

func (t *Terminal) processTurn(ctx context.Context, s *session.Session, text string) error {
	turn, err := s.SendUserMessage(ctx, text)
	t.endLine()
	if err != nil {
		return err
	}
	if t.verbosity == VerbosityAll {
		fmt.Fprintf(t.out, "[turn ended: %s]\n", turn.StopReason)
	}
	return nil
}

func (t *Terminal) endLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.midLine {
		fmt.Fprintln(t.out)
		t.midLine = false
	}
}

// print renders one session event. It runs on the session goroutine.
func (t *Terminal) print(ev event.Event) {
	switch p := ev.Payload.(type) {
	case *event.ContentDelta:
		if p.Kind == event.Thinking && t.verbosity != VerbosityAll {
			return
		}
		t.mu.Lock()
		if !t.midLine {
			if p.Kind == event.Thinking {
				fmt.Fprint(t.out, "amp (thinking): ")
			} else {
				fmt.Fprint(t.out, "amp: ")
			}
			t.midLine = true
		}
		fmt.Fprint(t.out, p.Text)
		t.mu.Unlock()

	case *event.ToolCallStarted:
		t.endLine()
		switch t.verbosity {
		case VerbosityAll:
			fmt.Fprintf(t.out, "amp calls `%s` (%s) with args: %v\n", p.Name, p.Title, p.Args)
		case VerbosityInfo:
			fmt.Fprintf(t.out, "amp calls `%s`\n", p.Title)
		}

	case *event.FileEditProposed:
		t.endLine()
		if t.verbosity == VerbosityNone {
			return
		}
		switch {
		case p.Redacted:
			fmt.Fprintf(t.out, "edit %s (hidden)\n", p.Path)
		case p.Rendering != nil:
			fmt.Fprintf(t.out, "edit %s (+%d -%d)\n", p.Path, p.Rendering.Added, p.Rendering.Removed)
			if t.verbosity == VerbosityAll {
				fmt.Fprint(t.out, p.Rendering.Unified())
			}
		default:
			fmt.Fprintf(t.out, "edit %s (no diff: %s)\n", p.Path, p.RenderErr)
		}

	case *event.ToolCallResult:
		if t.verbosity != VerbosityAll {
			if p.Failed && t.verbosity == VerbosityInfo {
				t.endLine()
				fmt.Fprintf(t.out, "tool call %s failed\n", p.CallID)
			}
			return
		}
		t.endLine()
		status := "ok"
		if p.Failed {
			status = "failed"
		}
		fmt.Fprintf(t.out, "tool call %s %s: %s\n", p.CallID, status, p.Content)

	case *event.SessionEnded:
		t.endLine()
		if p.Reason != event.ReasonCompleted {
			fmt.Fprintf(t.out, "session ended: %s %s\n", p.Reason, p.Detail)
		}
	}
}


// Package upstreamtest provides a scripted upstream.Driver for tests of the
// layers above the session.
package upstreamtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/plyght/amp-acp/upstream"
)

// Script returns the lines the agent answers the n-th prompt (from 1) with.
type Script func(n int, text string) []upstream.Line

// Echo answers every prompt with "echo: <text>" and ends the turn.
func Echo(n int, text string) []upstream.Line {
	return Reply(fmt.Sprintf("msg_%d", n), "echo: "+text)
}

// Reply is one finished assistant message followed by a result line.
func Reply(msgID, text string) []upstream.Line {
	stop := "end_turn"
	return []upstream.Line{
		{Type: upstream.TypeAssistant, Message: &upstream.Message{
			ID:         msgID,
			Role:       "assistant",
			Content:    []upstream.Block{{Type: upstream.BlockText, Text: text}},
			StopReason: &stop,
		}},
		{Type: upstream.TypeResult, Subtype: "success", Result: text},
	}
}

// Driver plays a Script. It accepts tool results and records what it was
// sent.
type Driver struct {
	script Script
	lines  chan []byte

	// ExitAfterTurn closes Lines once the first scripted turn is played,
	// as amp does in one-shot mode.
	ExitAfterTurn bool

	mu          sync.Mutex
	closed      bool
	prompts     []string
	toolResults []string
	interrupts  int
}

func New(script Script) *Driver {
	if script == nil {
		script = Echo
	}
	return &Driver{script: script, lines: make(chan []byte, 256)}
}

// Factory returns a factory that starts a fresh Driver per session and
// reports each one to started, when non-nil.
func Factory(script Script, started func(*Driver)) upstream.Factory {
	return func(context.Context, upstream.Options) (upstream.Driver, error) {
		d := New(script)
		if started != nil {
			started(d)
		}
		return d, nil
	}
}

// Push delivers a line as if the agent had written it.
func (d *Driver) Push(l upstream.Line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.lines <- data
	return nil
}

func (d *Driver) Lines() <-chan []byte { return d.lines }

func (d *Driver) SendUserMessage(_ context.Context, text string) error {
	d.mu.Lock()
	d.prompts = append(d.prompts, text)
	n := len(d.prompts)
	d.mu.Unlock()
	go func() {
		for _, l := range d.script(n, text) {
			if d.Push(l) != nil {
				return
			}
		}
		d.mu.Lock()
		exit := d.ExitAfterTurn
		d.mu.Unlock()
		if exit {
			d.Close()
		}
	}()
	return nil
}

func (d *Driver) SendToolResult(_ context.Context, id, content string, isError bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toolResults = append(d.toolResults, id+"="+content)
	return nil
}

func (d *Driver) AcceptsToolResults() bool { return true }

func (d *Driver) Interrupt(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts++
	return nil
}

func (d *Driver) Err() error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.lines)
	}
	return nil
}

// Prompts returns the user messages received so far.
func (d *Driver) Prompts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prompts...)
}

// ToolResults returns "id=content" for every tool result received.
func (d *Driver) ToolResults() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.toolResults...)
}

// Interrupts counts Interrupt calls.
func (d *Driver) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

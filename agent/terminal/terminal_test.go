package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/plyght/amp-acp/agent"
	"github.com/plyght/amp-acp/auth"
	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/upstream"
	"github.com/plyght/amp-acp/upstream/upstreamtest"
)

type staticSource struct{}

func (staticSource) Credential(context.Context) (auth.Credential, error) {
	return auth.Credential{Provider: auth.ProviderAmp, Env: "AMP_API_KEY", Secret: "sk-test"}, nil
}

type okValidator struct{}

func (okValidator) Validate(context.Context, auth.Credential) error { return nil }

func newTestBridge(t *testing.T, drivers upstream.Factory) *agent.Bridge {
	t.Helper()
	b := agent.New(agent.Options{
		Config:      config.Default(),
		Credentials: staticSource{},
		Validator:   okValidator{},
		Drivers:     drivers,
	})
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b
}

func TestTerminalNew(t *testing.T) {
	b := newTestBridge(t, upstreamtest.Factory(nil, nil))
	term := New(b, strings.NewReader(""), &bytes.Buffer{}, "")
	if term == nil {
		t.Fatal("Expected terminal instance, got nil")
	}
	if term.bridge != b {
		t.Fatal("Terminal bridge doesn't match the provided bridge")
	}
	if term.verbosity != VerbosityInfo {
		t.Errorf("default verbosity = %q, want %q", term.verbosity, VerbosityInfo)
	}
}

func TestRunOneShot(t *testing.T) {
	var drivers []*upstreamtest.Driver
	b := newTestBridge(t, upstreamtest.Factory(nil, func(d *upstreamtest.Driver) { drivers = append(drivers, d) }))

	var out bytes.Buffer
	term := New(b, strings.NewReader("ignored\n"), &out, VerbosityInfo)
	if err := term.Run(context.Background(), t.TempDir(), "hi"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(out.String(), "amp: echo: hi\n") {
		t.Errorf("output %q lacks the reply", out.String())
	}
	if strings.Contains(out.String(), "You: ") {
		t.Errorf("one-shot run prompted for input: %q", out.String())
	}
	if len(drivers) != 1 {
		t.Fatalf("started %d drivers, want 1", len(drivers))
	}
	if got := drivers[0].Prompts(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("prompts = %v", got)
	}
	if !drivers[0].Closed() {
		t.Error("driver not closed after the run")
	}
}

func TestRunInteractive(t *testing.T) {
	var driver *upstreamtest.Driver
	b := newTestBridge(t, upstreamtest.Factory(nil, func(d *upstreamtest.Driver) { driver = d }))

	var out bytes.Buffer
	term := New(b, strings.NewReader("\nsecond\n/quit\nthird\n"), &out, VerbosityNone)
	term.Interactive = true
	if err := term.Run(context.Background(), t.TempDir(), "first"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := driver.Prompts()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("prompts = %v, want [first second]", got)
	}
	for _, want := range []string{"amp: echo: first\n", "amp: echo: second\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q lacks %q", out.String(), want)
		}
	}
}

func TestRunShowsEdits(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"path": "a.txt", "content": "hello\n"})
	toolStop := "tool_use"
	script := func(n int, text string) []upstream.Line {
		lines := []upstream.Line{
			{Type: upstream.TypeAssistant, Message: &upstream.Message{
				ID:   "msg_1",
				Role: "assistant",
				Content: []upstream.Block{{
					Type: upstream.BlockToolUse, ID: "tu_1", Name: "create_file", Input: input,
				}},
				StopReason: &toolStop,
			}},
			{Type: upstream.TypeUser, Message: &upstream.Message{
				Role: "user",
				Content: []upstream.Block{{
					Type: upstream.BlockToolResult, ToolUseID: "tu_1", Content: json.RawMessage(`"created"`),
				}},
			}},
		}
		return append(lines, upstreamtest.Reply("msg_2", "done")...)
	}
	b := newTestBridge(t, upstreamtest.Factory(script, nil))

	var out bytes.Buffer
	term := New(b, strings.NewReader(""), &out, VerbosityAll)
	if err := term.Run(context.Background(), t.TempDir(), "make a file"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s := out.String()
	for _, want := range []string{"amp calls `create_file`", "edit a.txt (+1 -0)", "+hello", "tool call tu_1 ok: created", "amp: done", "[turn ended: end_turn]"} {
		if !strings.Contains(s, want) {
			t.Errorf("output lacks %q:\n%s", want, s)
		}
	}
}

func TestRunUpstreamUnavailable(t *testing.T) {
	b := newTestBridge(t, func(context.Context, upstream.Options) (upstream.Driver, error) {
		return nil, stderrors.New("exec: \"amp\": executable file not found in $PATH")
	})

	term := New(b, strings.NewReader(""), &bytes.Buffer{}, VerbosityInfo)
	err := term.Run(context.Background(), t.TempDir(), "hi")
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Fatalf("Run error = %v, want upstream unavailable", err)
	}
}

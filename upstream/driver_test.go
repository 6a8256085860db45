package upstream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
)

const fakeStreamAgent = `#!/bin/sh
echo "{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"$AMP_API_KEY\"}"
echo "fake agent ready" >&2
while IFS= read -r line; do
  case "$line" in
    *control_request*)
      echo '{"type":"result","subtype":"error_during_execution","is_error":true}' ;;
    *tool_result*)
      echo '{"type":"assistant","message":{"id":"msg_2","role":"assistant","content":[{"type":"text","text":"got it"}]}}' ;;
    *)
      echo '{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"hi"}]}}'
      echo '{"type":"result","subtype":"success","result":"hi"}' ;;
  esac
done
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script test is unix-only")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to create fake agent: %v", err)
	}
	return path
}

func nextLine(t *testing.T, d Driver) Line {
	t.Helper()
	select {
	case raw, ok := <-d.Lines():
		if !ok {
			t.Fatal("lines closed early")
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			t.Fatalf("bad line %s: %v", raw, err)
		}
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a line")
		return Line{}
	}
}

func waitClosed(t *testing.T, d Driver) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-d.Lines():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("lines never closed")
		}
	}
}

func TestStreamDriverRoundTrip(t *testing.T) {
	cfg := config.Upstream{Command: writeScript(t, "amp", fakeStreamAgent), CloseGrace: time.Second}
	d, err := StartStream(context.Background(), cfg, Options{SessionID: "s1", Env: []string{"AMP_API_KEY=T-key"}})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer d.Close()

	if l := nextLine(t, d); l.Type != TypeSystem || l.SessionID != "T-key" {
		t.Fatalf("init line = %+v", l)
	}

	if err := d.SendUserMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if l := nextLine(t, d); l.Type != TypeAssistant || l.Message.Content[0].Text != "hi" {
		t.Errorf("assistant line = %+v", l)
	}
	if l := nextLine(t, d); l.Type != TypeResult || l.Subtype != "success" {
		t.Errorf("result line = %+v", l)
	}

	if err := d.SendToolResult(context.Background(), "toolu_1", "42", false); err != nil {
		t.Fatal(err)
	}
	if l := nextLine(t, d); l.Message == nil || l.Message.ID != "msg_2" {
		t.Errorf("after tool result = %+v", l)
	}

	if err := d.Interrupt(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l := nextLine(t, d); l.Type != TypeResult || !l.IsError {
		t.Errorf("after interrupt = %+v", l)
	}

	d.Close()
	waitClosed(t, d)
	if d.Err() != nil {
		t.Errorf("Err after Close = %v", d.Err())
	}
	if err := d.SendUserMessage(context.Background(), "again"); !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("send after close: %v", err)
	}
}

func TestStreamDriverExitError(t *testing.T) {
	script := "#!/bin/sh\necho '{\"type\":\"system\",\"subtype\":\"init\"}'\nexit 3\n"
	d, err := StartStream(context.Background(), config.Upstream{Command: writeScript(t, "amp", script)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	nextLine(t, d)
	waitClosed(t, d)
	if !errors.Is(d.Err(), errors.ErrUpstreamUnavailable) {
		t.Errorf("Err = %v, want ErrUpstreamUnavailable", d.Err())
	}
}

func TestStartStreamMissingBinary(t *testing.T) {
	_, err := StartStream(context.Background(), config.Upstream{Command: filepath.Join(t.TempDir(), "nope")}, Options{})
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

const fakeThreadAmp = `#!/bin/sh
dir="$AMP_TEST_THREADS"
if [ "$2" = "new" ]; then
  echo "T-test"
  exit 0
fi
if [ "$2" = "continue" ]; then
  f="$dir/$3.json"
  printf '{"messages":[{"role":"user","content":[{"type":"text","text":"%s"}]},{"role":"assistant","content":[{"type":"text","text":"Hel"}]}]}' "$5" > "$f.tmp"
  mv "$f.tmp" "$f"
  sleep 0.3
  printf '{"messages":[{"role":"user","content":[{"type":"text","text":"%s"}]},{"role":"assistant","content":[{"type":"text","text":"Hello"},{"type":"tool_use","id":"tu1","name":"Read","input":{"path":"a.txt"}}]}]}' "$5" > "$f.tmp"
  mv "$f.tmp" "$f"
  sleep 0.3
  exit 0
fi
exit 1
`

func TestThreadDriverReplaysGrowth(t *testing.T) {
	threads := t.TempDir()
	t.Setenv("AMP_TEST_THREADS", threads)
	cfg := config.Upstream{Driver: config.DriverThread, Command: writeScript(t, "amp", fakeThreadAmp), ThreadsDir: threads}

	d, err := StartThread(context.Background(), cfg, Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	defer d.Close()
	if d.ThreadID() != "T-test" {
		t.Errorf("thread id = %q", d.ThreadID())
	}
	if l := nextLine(t, d); l.Type != TypeSystem || l.SessionID != "T-test" {
		t.Fatalf("init line = %+v", l)
	}

	if err := d.SendUserMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if err := d.SendUserMessage(context.Background(), "again"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("second prompt while busy: %v", err)
	}

	var text strings.Builder
	toolUses := 0
	for {
		l := nextLine(t, d)
		if l.Type == TypeResult {
			if l.IsError {
				t.Errorf("result = %+v", l)
			}
			break
		}
		if l.Message.Role != "assistant" {
			continue
		}
		for _, b := range l.Message.Content {
			switch b.Type {
			case BlockText:
				text.WriteString(b.Text)
			case BlockToolUse:
				toolUses++
			}
		}
	}
	if text.String() != "Hello" {
		t.Errorf("replayed text = %q", text.String())
	}
	if toolUses != 1 {
		t.Errorf("tool uses = %d", toolUses)
	}
	if d.AcceptsToolResults() {
		t.Error("thread driver cannot take tool results")
	}
}

func TestThreadStateAdvance(t *testing.T) {
	s := newThreadState("T")
	step := func(js string) []Line {
		var conv conversation
		if err := json.Unmarshal([]byte(js), &conv); err != nil {
			t.Fatal(err)
		}
		return s.advance(conv)
	}

	lines := step(`{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"A"}]}]}`)
	if len(lines) != 1 || len(lines[0].Message.Content) != 2 || lines[0].Message.ID != "T:0" {
		t.Fatalf("first = %+v", lines)
	}

	lines = step(`{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"AB"},` +
		`{"type":"tool_use","id":"tu","name":"edit_file","input":{}}]}]}`)
	if len(lines) != 1 {
		t.Fatalf("second = %+v", lines)
	}
	blocks := lines[0].Message.Content
	if len(blocks) != 2 || blocks[0].Text != "B" || blocks[1].ID != "tu" {
		t.Errorf("second blocks = %+v", blocks)
	}

	lines = step(`{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"AB"},` +
		`{"type":"tool_use","id":"tu","name":"edit_file","input":{}}]},` +
		`{"role":"user","content":[{"type":"tool_result","toolUseID":"tu","run":{"status":"in-progress"}}]}]}`)
	if len(lines) != 0 {
		t.Errorf("pending run replayed: %+v", lines)
	}

	lines = step(`{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"AB"},` +
		`{"type":"tool_use","id":"tu","name":"edit_file","input":{}}]},` +
		`{"role":"user","content":[{"type":"tool_result","toolUseID":"tu","run":{"status":"done","result":{"diff":"x"}}}]}]}`)
	if len(lines) != 1 || lines[0].Type != TypeUser || lines[0].Message.Content[0].UseID() != "tu" {
		t.Errorf("finished run = %+v", lines)
	}
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory(config.Upstream{Driver: config.DriverStream, Command: filepath.Join(t.TempDir(), "missing")})(context.Background(), Options{})
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("stream factory err = %v", err)
	}
	_, err = NewFactory(config.Upstream{Driver: config.DriverThread, Command: filepath.Join(t.TempDir(), "missing"), ThreadsDir: t.TempDir()})(context.Background(), Options{})
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("thread factory err = %v", err)
	}
}

// Package translator turns upstream protocol lines into session events and
// session events into ACP updates. A Translator holds the per-session
// reassembly state: open content streams, open tool uses and file
// snapshots. It is not safe for concurrent use; the session actor owns it.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/diff"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/tools"
	"github.com/plyght/amp-acp/upstream"
)

// stream is one upstream message being received in chunks.
type stream struct {
	id       string
	text     strings.Builder
	thinking strings.Builder
	chunks   int
}

type toolUse struct {
	name   string
	server string
	path   string
}

// Translator decodes one session's upstream lines.
type Translator struct {
	sessionID string
	policy    *tools.PathPolicy
	diffOpts  diff.Options
	snapshots *Snapshots

	threadID string
	// open streams in arrival order
	streams []*stream
	closed  map[string]bool
	tools   map[string]*toolUse
	// tool uses the bridge answered itself
	answered map[string]bool
}

// New returns a Translator. policy may be nil.
func New(sessionID string, policy *tools.PathPolicy, opts diff.Options) *Translator {
	return &Translator{
		sessionID: sessionID,
		policy:    policy,
		diffOpts:  opts,
		snapshots: NewSnapshots(),
		closed:    make(map[string]bool),
		tools:     make(map[string]*toolUse),
		answered:  make(map[string]bool),
	}
}

// ThreadID is the upstream's own id for the conversation, once announced.
func (t *Translator) ThreadID() string { return t.threadID }

// Snapshots exposes the file snapshot cache.
func (t *Translator) Snapshots() *Snapshots { return t.snapshots }

// Translate decodes one upstream line. Payloads decoded before a problem
// are returned along with an ErrMalformedUpstream error; a malformed line
// never invalidates the session.
func (t *Translator) Translate(raw []byte) ([]event.Payload, error) {
	var line upstream.Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, errors.Tag(errors.ErrMalformedUpstream, err, "invalid JSON")
	}

	switch line.Type {
	case upstream.TypeSystem:
		if line.Subtype == "init" && line.SessionID != "" {
			t.threadID = line.SessionID
		}
		return nil, nil
	case upstream.TypeAssistant:
		return t.assistant(line.Message)
	case upstream.TypeUser:
		return t.user(line.Message)
	case upstream.TypeResult:
		t.closeAll()
		return []event.Payload{&event.TurnEnded{StopReason: t.stopReason(&line)}}, nil
	case upstream.TypeControlResponse:
		return nil, nil
	default:
		return nil, errors.Tag(errors.ErrMalformedUpstream, nil, "unknown line type %q", line.Type)
	}
}

// stopReason maps a result line. Failed turns still end the turn; the
// upstream's detail only goes to the log.
func (t *Translator) stopReason(line *upstream.Line) acp.StopReason {
	failed := line.IsError || strings.HasPrefix(line.Subtype, "error")
	if !failed {
		return acp.StopEndTurn
	}
	logx.Log.Warn().
		Str("session", t.sessionID).
		Str("subtype", line.Subtype).
		Bool("is_error", line.IsError).
		Str("detail", line.Result).
		Msg("upstream turn failed")
	if line.Subtype == "error_max_turns" {
		return acp.StopMaxTurnRequests
	}
	return acp.StopEndTurn
}

func (t *Translator) assistant(msg *upstream.Message) ([]event.Payload, error) {
	if msg == nil || msg.ID == "" {
		return nil, errors.Tag(errors.ErrMalformedUpstream, nil, "assistant line without a stream id")
	}
	if t.closed[msg.ID] {
		return nil, errors.Tag(errors.ErrMalformedUpstream, nil, "chunk for closed stream %s", msg.ID)
	}
	s := t.open(msg.ID)

	var out []event.Payload
	var problems []string
	for i := range msg.Content {
		b := &msg.Content[i]
		switch b.Type {
		case upstream.BlockText:
			if b.Text == "" {
				continue
			}
			s.text.WriteString(b.Text)
			out = append(out, &event.ContentDelta{Kind: event.Text, Text: b.Text, Index: s.chunks, StreamID: s.id})
			s.chunks++
		case upstream.BlockThinking:
			if b.Thinking == "" {
				continue
			}
			s.thinking.WriteString(b.Thinking)
			out = append(out, &event.ContentDelta{Kind: event.Thinking, Text: b.Thinking, Index: s.chunks, StreamID: s.id})
			s.chunks++
		case upstream.BlockToolUse:
			payloads, err := t.toolStarted(b)
			if err != nil {
				problems = append(problems, err.Error())
				continue
			}
			out = append(out, payloads...)
		default:
			problems = append(problems, fmt.Sprintf("unexpected %q block in assistant message", b.Type))
		}
	}
	if msg.StopReason != nil && *msg.StopReason != "" {
		t.close(msg.ID)
	}
	return out, malformed(problems)
}

func (t *Translator) user(msg *upstream.Message) ([]event.Payload, error) {
	if msg == nil {
		return nil, errors.Tag(errors.ErrMalformedUpstream, nil, "user line without a message")
	}
	var out []event.Payload
	var problems []string
	for i := range msg.Content {
		b := &msg.Content[i]
		if b.Type != upstream.BlockToolResult {
			// the user's own prompt echoed back
			continue
		}
		p, err := t.toolResult(b)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, malformed(problems)
}

func malformed(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errors.Tag(errors.ErrMalformedUpstream, nil, "%s", strings.Join(problems, "; "))
}

func (t *Translator) open(id string) *stream {
	for _, s := range t.streams {
		if s.id == id {
			return s
		}
	}
	s := &stream{id: id}
	t.streams = append(t.streams, s)
	return s
}

func (t *Translator) close(id string) {
	for i, s := range t.streams {
		if s.id == id {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			break
		}
	}
	t.closed[id] = true
}

func (t *Translator) closeAll() {
	for _, s := range t.streams {
		t.closed[s.id] = true
	}
	t.streams = t.streams[:0]
}

// OpenStreams returns the ids of streams still receiving chunks, oldest
// first.
func (t *Translator) OpenStreams() []string {
	ids := make([]string, len(t.streams))
	for i, s := range t.streams {
		ids[i] = s.id
	}
	return ids
}

func (t *Translator) toolStarted(b *upstream.Block) ([]event.Payload, error) {
	if b.ID == "" {
		return nil, errors.New("tool_use %q without an id", b.Name)
	}
	var args map[string]any
	if len(b.Input) > 0 {
		if err := json.Unmarshal(b.Input, &args); err != nil {
			return nil, errors.Wrapf(err, "tool_use %s input", b.ID)
		}
	}

	tu := &toolUse{name: b.Name, path: stringArg(args, "path", "file_path")}
	if server, _, ok := tools.ParseMCPName(b.Name); ok {
		tu.server = server
	}
	t.tools[b.ID] = tu

	rawInput := args
	if tu.path != "" && t.policy.Hidden(tu.path) {
		rawInput = map[string]any{"path": tu.path}
	}
	out := []event.Payload{&event.ToolCallStarted{
		CallID:   b.ID,
		ServerID: tu.server,
		Name:     b.Name,
		Title:    toolTitle(b.Name, args),
		Kind:     tools.KindFor(b.Name),
		Args:     rawInput,
		Path:     tu.path,
	}}
	if tools.IsEditTool(b.Name) {
		if edit := t.fileEdit(b.ID, b.Name, args); edit != nil {
			out = append(out, edit)
		}
	}
	return out, nil
}

func (t *Translator) toolResult(b *upstream.Block) (event.Payload, error) {
	id := b.UseID()
	if t.answered[id] {
		return nil, nil
	}
	tu, ok := t.tools[id]
	if !ok {
		return nil, errors.New("tool_result for unknown tool use %q", id)
	}
	delete(t.tools, id)

	res := &event.ToolCallResult{CallID: id, Failed: b.Failed(), Path: tu.path}
	if tu.path == "" || !t.policy.Hidden(tu.path) {
		res.Content = b.ContentText()
		if res.Content == "" {
			res.Content = b.RunText()
		}
	}
	if d := b.RunDiff(); d != "" {
		if line, ok := diff.FirstChangedLine(d); ok {
			res.Line = line
		}
	}
	return res, nil
}

// Answered records that the bridge produced the result of a tool use
// itself. An echo of that result from upstream is ignored.
func (t *Translator) Answered(callID string) {
	delete(t.tools, callID)
	t.answered[callID] = true
}

// PendingTools returns the number of tool uses without a result.
func (t *Translator) PendingTools() int { return len(t.tools) }

// Reset drops per-session state when the session ends.
func (t *Translator) Reset() {
	t.snapshots.Clear()
	t.streams = nil
	clear(t.tools)
}

func toolTitle(name string, args map[string]any) string {
	if server, tool, ok := tools.ParseMCPName(name); ok {
		return server + ": " + tool
	}
	path := stringArg(args, "path", "file_path")
	switch name {
	case "Bash":
		if cmd := stringArg(args, "cmd", "command"); cmd != "" {
			return "Run `" + cmd + "`"
		}
	case "Read":
		if path != "" {
			return "Read " + path
		}
	case "create_file":
		if path != "" {
			return "Create " + path
		}
	case "Write":
		if path != "" {
			return "Write " + path
		}
	case "edit_file", "Edit", "MultiEdit", "undo_edit":
		if path != "" {
			return "Edit " + path
		}
	case "Grep":
		if p := stringArg(args, "pattern"); p != "" {
			return "Search for `" + p + "`"
		}
	case "glob":
		if p := stringArg(args, "filePattern", "pattern"); p != "" {
			return "Find `" + p + "`"
		}
	case "finder", "web_search":
		if q := stringArg(args, "query"); q != "" {
			return q
		}
	case "read_web_page":
		if u := stringArg(args, "url"); u != "" {
			return "Fetch " + u
		}
	}
	return name
}

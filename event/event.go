// Package event defines the ordered units of session output. The translator
// produces payloads; the session stamps them with sequence numbers.
package event

import (
	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/diff"
)

// Event is one unit of session output. Seq starts at 1 and increases by one
// for every event delivered for the session.
type Event struct {
	Seq       uint64
	SessionID string
	Payload   Payload
}

// Payload is implemented by the event variants below.
type Payload interface {
	payload()
}

// ContentKind distinguishes final-answer text from thinking.
type ContentKind string

const (
	Text     ContentKind = "text"
	Thinking ContentKind = "thinking"
)

// ContentDelta is one streamed chunk. Index counts chunks within StreamID.
type ContentDelta struct {
	Kind     ContentKind
	Text     string
	Index    int
	StreamID string
}

// ToolCallStarted announces a tool call. ServerID is set for MCP calls the
// bridge dispatches itself.
type ToolCallStarted struct {
	CallID   string
	ServerID string
	Name     string
	Title    string
	Kind     acp.ToolKind
	Args     map[string]any
	// Path is the file the tool works on, when there is one.
	Path string
}

// ToolCallResult completes a tool call. Line is 0 when unknown.
type ToolCallResult struct {
	CallID  string
	Failed  bool
	Content string
	Path    string
	Line    int
}

// FileEditProposed carries a rendered edit. Rendering is nil when RenderErr
// is set or the path is hidden.
type FileEditProposed struct {
	CallID    string
	Path      string
	OldText   *string
	NewText   string
	Rendering *diff.Rendering
	RenderErr string
	Redacted  bool
}

// Empty reports whether the edit changes nothing.
func (f *FileEditProposed) Empty() bool {
	return f.Rendering != nil && len(f.Rendering.Hunks) == 0
}

// TurnEnded marks the end of one prompt turn.
type TurnEnded struct {
	StopReason acp.StopReason
}

// Reasons carried by SessionEnded.
const (
	ReasonCompleted           = "completed"
	ReasonCancelled           = "cancelled"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonShutdown            = "shutdown"
)

// SessionEnded is emitted exactly once per session.
type SessionEnded struct {
	Reason string
	Detail string
}

func (*ContentDelta) payload()     {}
func (*ToolCallStarted) payload()  {}
func (*ToolCallResult) payload()   {}
func (*FileEditProposed) payload() {}
func (*TurnEnded) payload()        {}
func (*SessionEnded) payload()     {}

// Name returns a short label for logs and metrics.
func Name(p Payload) string {
	switch p.(type) {
	case *ContentDelta:
		return "content_delta"
	case *ToolCallStarted:
		return "tool_call_started"
	case *ToolCallResult:
		return "tool_call_result"
	case *FileEditProposed:
		return "file_edit_proposed"
	case *TurnEnded:
		return "turn_ended"
	case *SessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

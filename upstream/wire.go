package upstream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Line types of the stream-json protocol.
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Line is one JSON object of the upstream protocol, in either direction.
type Line struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`
}

// Message is an assistant or user turn fragment.
type Message struct {
	ID         string  `json:"id,omitempty"`
	Role       string  `json:"role"`
	Content    []Block `json:"content"`
	StopReason *string `json:"stop_reason,omitempty"`
}

// Block is a content block. Only the fields of its Type are set.
type Block struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	// amp thread files spell it toolUseID.
	ToolUseIDCamel string          `json:"toolUseID,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	Run            *Run            `json:"run,omitempty"`
}

// Run is the execution record amp attaches to tool results.
type Run struct {
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ControlRequest is the payload of a control_request line.
type ControlRequest struct {
	Subtype string `json:"subtype"`
}

// UseID returns the tool_use id a tool_result answers.
func (b *Block) UseID() string {
	if b.ToolUseID != "" {
		return b.ToolUseID
	}
	return b.ToolUseIDCamel
}

// ContentText flattens a tool_result content, which is either a string or a
// list of text blocks.
func (b *Block) ContentText() string {
	return rawText(b.Content)
}

// Failed reports whether a tool_result carries a failure.
func (b *Block) Failed() bool {
	if b.IsError {
		return true
	}
	if b.Run != nil {
		switch b.Run.Status {
		case "error", "rejected-by-user", "cancelled":
			return true
		}
	}
	return false
}

// RunText is the run result or error as text, for results without content.
func (b *Block) RunText() string {
	if b.Run == nil {
		return ""
	}
	if t := rawText(b.Run.Error); t != "" {
		return t
	}
	return rawText(b.Run.Result)
}

// RunDiff returns run.result.diff when the result is an object carrying one.
func (b *Block) RunDiff() string {
	if b.Run == nil || len(b.Run.Result) == 0 {
		return ""
	}
	var res struct {
		Diff string `json:"diff"`
	}
	if json.Unmarshal(b.Run.Result, &res) != nil {
		return ""
	}
	return res.Diff
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == BlockText {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// UserMessage encodes a prompt.
func UserMessage(text string) Line {
	return Line{Type: TypeUser, Message: &Message{
		Role:    "user",
		Content: []Block{{Type: BlockText, Text: text}},
	}}
}

// ToolResultMessage answers a tool_use the bridge executed.
func ToolResultMessage(toolUseID, content string, isError bool) Line {
	raw, _ := json.Marshal(content)
	return Line{Type: TypeUser, Message: &Message{
		Role: "user",
		Content: []Block{{
			Type:      BlockToolResult,
			ToolUseID: toolUseID,
			Content:   raw,
			IsError:   isError,
		}},
	}}
}

// InterruptRequest asks the agent to stop the current turn.
func InterruptRequest() Line {
	return Line{
		Type:      TypeControlRequest,
		RequestID: uuid.NewString(),
		Request:   &ControlRequest{Subtype: "interrupt"},
	}
}

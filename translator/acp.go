package translator

import (
	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/event"
)

// Notification maps a sequenced event to the ACP notification the client
// sees. ok is false for events with no client representation.
func Notification(ev event.Event) (method string, params any, ok bool) {
	meta := &acp.Meta{Seq: ev.Seq}

	switch p := ev.Payload.(type) {
	case *event.ContentDelta:
		kind := acp.UpdateAgentMessageChunk
		if p.Kind == event.Thinking {
			kind = acp.UpdateAgentThoughtChunk
		}
		return update(ev.SessionID, acp.ContentChunk{
			SessionUpdate: kind,
			Content:       acp.TextBlock(p.Text),
			Meta:          meta,
		})

	case *event.ToolCallStarted:
		meta.ServerID = p.ServerID
		call := acp.ToolCall{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    p.CallID,
			Title:         p.Title,
			Kind:          p.Kind,
			Status:        acp.StatusPending,
			RawInput:      p.Args,
			Meta:          meta,
		}
		if p.Path != "" {
			call.Locations = []acp.ToolCallLocation{{Path: p.Path}}
		}
		return update(ev.SessionID, call)

	case *event.FileEditProposed:
		u := acp.ToolCallUpdate{
			SessionUpdate: acp.UpdateToolCallUpdate,
			ToolCallID:    p.CallID,
			Status:        acp.StatusInProgress,
			Locations:     []acp.ToolCallLocation{{Path: p.Path}},
			Meta:          meta,
		}
		switch {
		case p.Redacted:
			meta.Redacted = true
		case p.Rendering != nil:
			u.Content = []acp.ToolCallContent{acp.DiffContent(p.Path, p.OldText, p.NewText)}
			meta.UnifiedDiff = p.Rendering.Unified()
			if len(p.Rendering.Hunks) > 0 {
				line := max(p.Rendering.Hunks[0].NewStart, 1)
				u.Locations[0].Line = &line
			}
		default:
			u.Content = []acp.ToolCallContent{acp.DiffContent(p.Path, p.OldText, p.NewText)}
			meta.RenderError = p.RenderErr
		}
		return update(ev.SessionID, u)

	case *event.ToolCallResult:
		status := acp.StatusCompleted
		if p.Failed {
			status = acp.StatusFailed
		}
		u := acp.ToolCallUpdate{
			SessionUpdate: acp.UpdateToolCallUpdate,
			ToolCallID:    p.CallID,
			Status:        status,
			Meta:          meta,
		}
		if p.Content != "" {
			u.Content = []acp.ToolCallContent{acp.TextContent(p.Content)}
		}
		if p.Path != "" {
			loc := acp.ToolCallLocation{Path: p.Path}
			if p.Line > 0 {
				line := p.Line
				loc.Line = &line
			}
			u.Locations = []acp.ToolCallLocation{loc}
		}
		return update(ev.SessionID, u)

	case *event.SessionEnded:
		return acp.MethodSessionEnded, acp.SessionEnded{
			SessionID: ev.SessionID,
			Reason:    p.Reason,
			Meta:      meta,
		}, true
	}
	// TurnEnded is answered through the prompt response.
	return "", nil, false
}

func update(sessionID string, u any) (string, any, bool) {
	return acp.MethodSessionUpdate, acp.SessionNotification{SessionID: sessionID, Update: u}, true
}

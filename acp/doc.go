// Package acp holds the Agent Client Protocol wire types spoken with the
// editor: JSON-RPC 2.0 envelopes, prompt content blocks and the
// session/update payloads the bridge emits.
//
// Messages are newline-delimited JSON objects. The bridge answers:
//   - initialize, authenticate
//   - session/new, session/prompt, session/cancel (notification)
//   - session/load and session/set_mode with errors
//
// and emits session/update notifications (agent_message_chunk,
// agent_thought_chunk, tool_call, tool_call_update) plus the
// _amp/session_ended extension notification.
package acp

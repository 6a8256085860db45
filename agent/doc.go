// Package agent ties the amp-acp bridge together.
//
// This package contains the Bridge, the piece shared by the two ways the
// bridge is driven (an IDE speaking ACP and a terminal one-shot run). It
// owns the session table and the MCP servers every session can call.
//
// # Architecture
//
// The agent package is organized into three components:
//
//   - Bridge (this package): the session table, credential lookup and the shared MCP multiplexer
//   - ACP subpackage (agent/acp): the Agent Client Protocol server for IDE integration
//   - Terminal subpackage (agent/terminal): runs one prompt and prints the session's events
//
// # Sessions
//
// NewSession registers the MCP servers the client sent, reads the
// credential, builds the per-session path policy and starts a
// session.Session. The session's events go to the emit function the caller
// passes in; the ACP server turns them into session/update notifications,
// the terminal runner prints them.
//
// The session table is the only state shared between requests and is
// guarded by a mutex. A session removes itself from the table once it is
// terminated.
//
// # Usage
//
//	b := agent.New(agent.Options{Config: cfg})
//	s, err := b.NewSession(ctx, cwd, nil, func(ev event.Event) {
//	    // deliver ev
//	})
//	if err != nil {
//	    // errors.KindOf(err) tells auth failures from upstream failures
//	}
//	turn, err := s.SendUserMessage(ctx, "fix the failing test")
//	...
//	b.Shutdown(ctx)
//
// # Shutdown
//
// Shutdown closes every live session concurrently, each emitting exactly one
// SessionEnded with reason "shutdown", waits for them, and then closes the
// MCP servers. Calling it again is a no-op.
package agent

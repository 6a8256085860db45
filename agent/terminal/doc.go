// Package terminal runs prompts through the bridge from a shell.
//
// It is the counterpart of the ACP server for people without an editor:
// the same Bridge, the same sessions, with events printed instead of sent
// as session/update notifications. `amp-acp run "<prompt>"` sends one
// prompt and exits once the turn ends; with --interactive it keeps reading
// prompts until EOF, /quit or /exit.
//
// # Usage
//
//	b := agent.New(agent.Options{Config: cfg})
//	term := terminal.New(b, os.Stdin, os.Stdout, terminal.VerbosityInfo)
//	err := term.Run(ctx, cwd, prompt)
//
// # Verbosity Levels
//
//   - None: only the assistant's text is printed
//   - Info: tool titles, edit summaries and failed tool calls as well
//   - All: thinking, tool arguments, results and full unified diffs
package terminal

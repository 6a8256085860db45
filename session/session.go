// Package session runs one ACP session: a single actor goroutine owns the
// upstream driver, the translator, in-flight MCP calls and the event
// sequence counter. Every public method is a command sent to that actor.
package session

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/auth"
	"github.com/plyght/amp-acp/diff"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/metrics"
	"github.com/plyght/amp-acp/tools"
	"github.com/plyght/amp-acp/translator"
	"github.com/plyght/amp-acp/upstream"
)

// State is the lifecycle of a session.
type State int32

const (
	Created State = iota
	Authenticating
	Active
	Cancelling
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Cancelling:
		return "cancelling"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Invoker dispatches MCP tool calls. *tools.Multiplexer implements it.
type Invoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) (*tools.Call, error)
}

// Deps are the collaborators a session needs.
type Deps struct {
	Validator auth.Validator
	Drivers   upstream.Factory
	// Tools may be nil; MCP tool uses are then left to the upstream.
	Tools Invoker
	// Emit receives every sequenced event, in order, on the session
	// goroutine. It must not call back into the session.
	Emit func(event.Event)
}

// Config is the per-session configuration.
type Config struct {
	Cwd          string
	DrainTimeout time.Duration
	Paths        *tools.PathPolicy
	Diff         diff.Options
}

// Turn is how a prompt turn ended. Seq is the sequence number of the turn
// end marker, 0 when the turn was cancelled.
type Turn struct {
	StopReason acp.StopReason
	Seq        uint64
}

type Session struct {
	id    string
	cfg   Config
	deps  Deps
	log   zerolog.Logger
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}

	// Owned by the actor goroutine. Readable by others once done is closed.
	driver   upstream.Driver
	tr       *translator.Translator
	seq      uint64
	eventLog []uint64
	turn     chan turnReply
	inflight map[string]*tools.Call
	results  chan tools.Result
	drain    *drain
}

type turnReply struct {
	turn Turn
	err  error
}

type command interface{ isCommand() }

type promptCmd struct {
	text  string
	reply chan turnReply
}

type cancelCmd struct{}

type closeCmd struct {
	reason string
	detail string
}

type lineCmd struct {
	raw   []byte
	reply chan error
}

type logCmd struct {
	reply chan []uint64
}

func (promptCmd) isCommand() {}
func (cancelCmd) isCommand() {}
func (closeCmd) isCommand()  {}
func (lineCmd) isCommand()   {}
func (logCmd) isCommand()    {}

// Create validates cred, starts the upstream and returns an Active session.
// It fails with ErrAuth or ErrUpstreamUnavailable; the session never
// becomes Active in that case.
func Create(ctx context.Context, cred auth.Credential, cfg Config, deps Deps) (*Session, error) {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if deps.Emit == nil {
		deps.Emit = func(event.Event) {}
	}
	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		log:      logx.Log.With().Str("session", id).Logger(),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		tr:       translator.New(id, cfg.Paths, cfg.Diff),
		inflight: make(map[string]*tools.Call),
		results:  make(chan tools.Result, 16),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.setState(Authenticating)
	if err := deps.Validator.Validate(ctx, cred); err != nil {
		s.cancel()
		if !errors.Is(err, errors.ErrAuth) {
			err = errors.Tag(errors.ErrAuth, err, "credential %s", cred)
		}
		return nil, err
	}

	d, err := deps.Drivers(ctx, upstream.Options{SessionID: id, Cwd: cfg.Cwd, Env: cred.Environ()})
	if err != nil {
		s.cancel()
		if !errors.Is(err, errors.ErrUpstreamUnavailable) {
			err = errors.Tag(errors.ErrUpstreamUnavailable, err, "start upstream")
		}
		return nil, err
	}
	s.driver = d

	s.setState(Active)
	metrics.SessionStarted()
	s.log.Info().Str("cwd", cfg.Cwd).Msg("session active")
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Paths is the session's filesystem policy.
func (s *Session) Paths() *tools.PathPolicy { return s.cfg.Paths }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is Terminated and its upstream closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("session state")
	}
}

// send delivers cmd to the actor. It reports false once the session is
// gone.
func (s *Session) send(cmd command) bool {
	select {
	case s.cmds <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// SendUserMessage starts a prompt turn and waits for it to end. Only one
// turn runs at a time.
func (s *Session) SendUserMessage(ctx context.Context, text string) (Turn, error) {
	reply := make(chan turnReply, 1)
	if !s.send(promptCmd{text: text, reply: reply}) {
		return Turn{}, errors.Tag(errors.ErrInvalidState, nil, "session %s is terminated", s.id)
	}
	select {
	case r := <-reply:
		return r.turn, r.err
	case <-ctx.Done():
		return Turn{}, ctx.Err()
	}
}

// Cancel stops the session. It is idempotent and never fails.
func (s *Session) Cancel() {
	s.send(cancelCmd{})
}

// Close terminates the session with reason and waits until it is gone.
func (s *Session) Close(reason string) {
	s.send(closeCmd{reason: reason})
	<-s.done
}

// HandleUpstreamEvent feeds one raw upstream line through the session as
// if the driver had produced it. The returned error is the translator's.
func (s *Session) HandleUpstreamEvent(raw []byte) error {
	reply := make(chan error, 1)
	if !s.send(lineCmd{raw: raw, reply: reply}) {
		return errors.Tag(errors.ErrInvalidState, nil, "session %s is terminated", s.id)
	}
	return <-reply
}

// EventLog returns the sequence numbers emitted so far.
func (s *Session) EventLog() []uint64 {
	reply := make(chan []uint64, 1)
	if s.send(logCmd{reply: reply}) {
		return <-reply
	}
	return slices.Clone(s.eventLog)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	lines := s.driver.Lines()
	for s.State() != Terminated {
		var drainTimeout <-chan time.Time
		if s.drain != nil && s.drain.timer != nil {
			drainTimeout = s.drain.timer.C
		}
		select {
		case cmd := <-s.cmds:
			s.handle(cmd)
		case raw, ok := <-lines:
			if !ok {
				lines = nil
				s.upstreamGone()
				continue
			}
			s.line(raw)
		case r := <-s.results:
			s.toolDone(r)
		case <-drainTimeout:
			s.log.Warn().Int("in_flight", len(s.inflight)).Dur("timeout", s.cfg.DrainTimeout).Msg("cancel drain timed out")
			s.finishCancel()
		}
	}
}

func (s *Session) handle(cmd command) {
	switch c := cmd.(type) {
	case promptCmd:
		s.prompt(c)
	case cancelCmd:
		s.startCancel()
	case closeCmd:
		reason := c.reason
		if s.State() == Cancelling {
			reason = event.ReasonCancelled
		}
		s.terminate(reason, c.detail)
	case lineCmd:
		c.reply <- s.line(c.raw)
	case logCmd:
		c.reply <- slices.Clone(s.eventLog)
	}
}

func (s *Session) prompt(c promptCmd) {
	if st := s.State(); st != Active {
		c.reply <- turnReply{err: errors.Tag(errors.ErrInvalidState, nil, "session is %s", st)}
		return
	}
	if s.turn != nil {
		c.reply <- turnReply{err: errors.Tag(errors.ErrInvalidState, nil, "a prompt turn is already running")}
		return
	}
	if err := s.driver.SendUserMessage(s.ctx, c.text); err != nil {
		c.reply <- turnReply{err: err}
		if !errors.Is(err, errors.ErrInvalidState) {
			s.terminate(event.ReasonUpstreamUnavailable, err.Error())
		}
		return
	}
	s.turn = c.reply
}

// line translates one upstream line and emits its events. Lines arriving
// after a cancel are dropped.
func (s *Session) line(raw []byte) error {
	if s.State() != Active {
		return nil
	}
	payloads, err := s.tr.Translate(raw)
	if err != nil {
		metrics.RecordMalformed()
		s.log.Warn().Err(err).Str("kind", errors.KindOf(err)).Bytes("line", truncate(raw, 512)).Msg("ignoring upstream line")
	}
	for _, p := range payloads {
		switch p := p.(type) {
		case *event.FileEditProposed:
			if p.Empty() {
				continue
			}
			s.emit(p)
		case *event.TurnEnded:
			s.endTurn(p)
		case *event.ToolCallStarted:
			s.emit(p)
			s.dispatch(p)
		default:
			s.emit(p)
		}
	}
	return err
}

func (s *Session) emit(p event.Payload) uint64 {
	s.seq++
	ev := event.Event{Seq: s.seq, SessionID: s.id, Payload: p}
	s.eventLog = append(s.eventLog, s.seq)
	metrics.RecordEvent(event.Name(p))
	s.deps.Emit(ev)
	return s.seq
}

func (s *Session) endTurn(p *event.TurnEnded) {
	if s.turn == nil {
		s.log.Debug().Msg("turn end without a prompt, dropped")
		return
	}
	seq := s.emit(p)
	s.turn <- turnReply{turn: Turn{StopReason: p.StopReason, Seq: seq}}
	s.turn = nil
}

// dispatch sends MCP tool uses to the multiplexer when the upstream accepts
// tool results from the bridge.
func (s *Session) dispatch(p *event.ToolCallStarted) {
	if p.ServerID == "" || s.deps.Tools == nil || !s.driver.AcceptsToolResults() {
		return
	}
	_, tool, _ := tools.ParseMCPName(p.Name)
	s.tr.Answered(p.CallID)

	call, err := s.deps.Tools.Invoke(s.ctx, tools.Invocation{CallID: p.CallID, Server: p.ServerID, Tool: tool, Args: p.Args})
	if err != nil {
		s.log.Warn().Err(err).Str("call", p.CallID).Str("server", p.ServerID).Msg("tool call not dispatched")
		s.toolDone(tools.Result{CallID: p.CallID, Server: p.ServerID, Tool: tool, Err: err})
		return
	}
	s.inflight[p.CallID] = call
	go func() {
		select {
		case r := <-call.Done():
			select {
			case s.results <- r:
			case <-s.done:
			}
		case <-s.done:
		}
	}()
}

func (s *Session) toolDone(r tools.Result) {
	delete(s.inflight, r.CallID)
	if s.State() == Terminated {
		return
	}
	content := r.Content
	if r.Err != nil {
		content = r.Err.Error()
	}
	s.emit(&event.ToolCallResult{CallID: r.CallID, Failed: r.Failed(), Content: content})

	switch s.State() {
	case Active:
		if err := s.driver.SendToolResult(s.ctx, r.CallID, content, r.Failed()); err != nil {
			s.log.Warn().Err(err).Str("call", r.CallID).Msg("tool result not delivered upstream")
		}
	case Cancelling:
		if len(s.inflight) == 0 {
			s.finishCancel()
		}
	}
}

// upstreamGone ends the session when the driver's line channel closes.
func (s *Session) upstreamGone() {
	if s.State() == Cancelling {
		return
	}
	if err := s.driver.Err(); err != nil {
		s.terminate(event.ReasonUpstreamUnavailable, err.Error())
		return
	}
	s.terminate(event.ReasonCompleted, "")
}

// terminate emits the one SessionEnded and releases the upstream.
func (s *Session) terminate(reason, detail string) {
	if s.State() == Terminated {
		return
	}
	s.setState(Terminated)
	if s.drain != nil && s.drain.timer != nil {
		s.drain.timer.Stop()
	}
	s.emit(&event.SessionEnded{Reason: reason, Detail: detail})

	if s.turn != nil {
		switch reason {
		case event.ReasonCancelled, event.ReasonShutdown:
			s.turn <- turnReply{turn: Turn{StopReason: acp.StopCancelled}}
		default:
			s.turn <- turnReply{err: errors.Tag(errors.ErrUpstreamUnavailable, nil, "session ended: %s %s", reason, detail)}
		}
		s.turn = nil
	}

	s.tr.Reset()
	if err := s.driver.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing upstream")
	}
	metrics.SessionEnded(reason)
	s.log.Info().Str("reason", reason).Str("detail", detail).Uint64("events", s.seq).Msg("session ended")
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/metrics"
	"github.com/plyght/amp-acp/tools/mcp"
)

// Options configure a Multiplexer and the servers it owns.
type Options struct {
	Conn           mcp.Options
	ConnectTimeout time.Duration
	Retry          *RetryPolicy
	Dial           Dialer
}

// OptionsFromConfig maps the mcp config section.
func OptionsFromConfig(c config.MCP) Options {
	return Options{
		Conn:           mcp.Options{MaxInFlight: c.MaxInFlight, CallTimeout: c.CallTimeout},
		ConnectTimeout: c.ConnectTimeout,
		Retry:          NewRetryPolicy(c.Reconnect),
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Dial == nil {
		o.Dial = mcp.New
	}
	return o
}

// Invocation asks for one tool call on a named server.
type Invocation struct {
	// CallID is the session's id for the call, the upstream tool-use id.
	CallID string
	Server string
	Tool   string
	Args   map[string]any
}

// Result is the outcome of a Call. Err is set when no answer arrived;
// IsError when the tool reported a failure.
type Result struct {
	CallID  string
	Server  string
	Tool    string
	Content string
	IsError bool
	Err     error
}

// Failed reports whether the call did not succeed.
func (r Result) Failed() bool { return r.Err != nil || r.IsError }

// Call is a dispatched invocation. Exactly one Result arrives on Done.
type Call struct {
	Invocation
	// ID correlates the call on the wire.
	ID   string
	done chan Result
}

// Done delivers the result.
func (c *Call) Done() <-chan Result { return c.done }

type routed struct {
	server string
	ev     mcp.Event
}

// Multiplexer owns the MCP servers shared by all sessions and routes each
// result to the call that asked for it. One router goroutine owns the
// routing table.
type Multiplexer struct {
	opts Options

	mu      sync.RWMutex
	servers map[string]*Server
	closed  bool

	register   chan *Call
	unregister chan string
	results    chan routed
	done       chan struct{}
	routerDone chan struct{}
	closeOnce  sync.Once
}

// NewMultiplexer starts the router and begins connecting every configured
// server in the background.
func NewMultiplexer(servers []config.MCPServer, opts Options) *Multiplexer {
	m := &Multiplexer{
		opts:       opts.withDefaults(),
		servers:    make(map[string]*Server),
		register:   make(chan *Call),
		unregister: make(chan string),
		results:    make(chan routed, 64),
		done:       make(chan struct{}),
		routerDone: make(chan struct{}),
	}
	go m.route()
	for _, cfg := range servers {
		if _, err := m.Ensure(cfg); err != nil {
			logx.Log.Error().Err(err).Str("server", cfg.Name).Msg("skipping mcp server")
		}
	}
	return m
}

// Ensure registers and starts a server unless one with the same name
// exists, in which case the existing one is returned.
func (m *Multiplexer) Ensure(cfg config.MCPServer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Tag(errors.ErrServerUnavailable, nil, "multiplexer closed")
	}
	if s, ok := m.servers[cfg.Name]; ok {
		return s, nil
	}
	s := newServer(cfg, m.opts, m.deliver)
	m.servers[cfg.Name] = s
	s.start()
	logx.Log.Info().Str("server", cfg.Name).Str("transport", cfg.TransportKind()).Msg("mcp server registered")
	return s, nil
}

// Server looks up a server by name.
func (m *Multiplexer) Server(name string) (*Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[name]
	return s, ok
}

// Invoke validates and queues a call. It returns once the request is on its
// way; the result arrives on the returned Call.
func (m *Multiplexer) Invoke(ctx context.Context, inv Invocation) (*Call, error) {
	s, ok := m.Server(inv.Server)
	if !ok {
		metrics.RecordToolCall(inv.Server, "unknown_server")
		return nil, errors.Tag(errors.ErrUnknownServer, nil, "no MCP server named '%s'", inv.Server)
	}
	if !s.Allowed(inv.Tool) {
		metrics.RecordToolCall(inv.Server, "denied")
		return nil, errors.Tag(errors.ErrToolDenied, nil, "tool '%s' is not allowed on '%s'", inv.Tool, inv.Server)
	}
	if _, err := s.ready(); err != nil {
		metrics.RecordToolCall(inv.Server, "unavailable")
		return nil, err
	}

	call := &Call{Invocation: inv, ID: uuid.NewString(), done: make(chan Result, 1)}
	select {
	case m.register <- call:
	case <-m.done:
		return nil, errors.Tag(errors.ErrServerUnavailable, nil, "multiplexer closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	err := s.Send(ctx, mcp.Request{ID: call.ID, Tool: inv.Tool, Args: inv.Args})
	if err != nil {
		select {
		case m.unregister <- call.ID:
		case <-m.done:
		}
		metrics.RecordToolCall(inv.Server, "unavailable")
		return nil, err
	}
	logx.Log.Debug().Str("server", inv.Server).Str("call", inv.CallID).Str("tool", inv.Tool).Msg("tool call dispatched")
	return call, nil
}

// deliver hands a server's result to the router.
func (m *Multiplexer) deliver(server string, ev mcp.Event) {
	select {
	case m.results <- routed{server: server, ev: ev}:
	case <-m.done:
	}
}

func (m *Multiplexer) route() {
	defer close(m.routerDone)
	pending := make(map[string]*Call)
	for {
		select {
		case c := <-m.register:
			pending[c.ID] = c
		case id := <-m.unregister:
			delete(pending, id)
		case r := <-m.results:
			c, ok := pending[r.ev.RequestID]
			if !ok {
				logx.Log.Warn().Str("server", r.server).Str("request", r.ev.RequestID).Msg("dropping result for unknown call")
				continue
			}
			delete(pending, r.ev.RequestID)
			res := Result{
				CallID:  c.CallID,
				Server:  c.Server,
				Tool:    c.Tool,
				Content: r.ev.Content,
				IsError: r.ev.IsError,
				Err:     r.ev.Err,
			}
			metrics.RecordToolCall(c.Server, outcome(res))
			c.done <- res
		case <-m.done:
			for id, c := range pending {
				c.done <- Result{
					CallID: c.CallID,
					Server: c.Server,
					Tool:   c.Tool,
					Err:    errors.Tag(errors.ErrServerUnavailable, nil, "multiplexer closed"),
				}
				delete(pending, id)
			}
			return
		}
	}
}

func outcome(r Result) string {
	switch {
	case r.Err != nil:
		return "unavailable"
	case r.IsError:
		return "error"
	default:
		return "ok"
	}
}

func (m *Multiplexer) sorted() []*Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Servers returns a status snapshot ordered by name.
func (m *Multiplexer) Servers() []ServerStatus {
	servers := m.sorted()
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Status())
	}
	return out
}

// ServerTools is one server's tool listing.
type ServerTools struct {
	Server string     `json:"server"`
	Tools  []mcp.Tool `json:"tools"`
	Error  string     `json:"error,omitempty"`
}

// Tools lists the tools of every server, ordered by server name.
func (m *Multiplexer) Tools(ctx context.Context) []ServerTools {
	var out []ServerTools
	for _, s := range m.sorted() {
		st := ServerTools{Server: s.Name()}
		tools, err := s.ListTools(ctx)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Tools = tools
		}
		out = append(out, st)
	}
	return out
}

// WaitReady waits for every server to be ready or closed.
func (m *Multiplexer) WaitReady(ctx context.Context) {
	for _, s := range m.sorted() {
		if err := s.WaitReady(ctx); err != nil {
			logx.Log.Warn().Err(err).Str("server", s.Name()).Msg("mcp server not ready")
		}
	}
}

// Close closes every server, fails calls still waiting and stops the
// router. It is safe to call more than once.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		for _, s := range m.sorted() {
			if err := s.Close(); err != nil {
				logx.Log.Warn().Err(err).Str("server", s.Name()).Msg("closing mcp server")
			}
		}
		close(m.done)
		<-m.routerDone
	})
	return nil
}

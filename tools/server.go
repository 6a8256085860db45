package tools

import (
	"context"
	"sync"
	"time"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/metrics"
	"github.com/plyght/amp-acp/tools/mcp"
)

// State is the lifecycle of one MCP server connection.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

var allStates = []string{string(StateConnecting), string(StateReady), string(StateDegraded), string(StateClosed)}

// Dialer creates an unconnected Conn for a server.
type Dialer func(cfg config.MCPServer, opts mcp.Options) (mcp.Conn, error)

// ServerStatus is a point-in-time view of a server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Server keeps one MCP connection alive. A dropped connection moves the
// server to degraded and a fresh connection is dialed with backoff; once
// the retry policy is exhausted the server is closed for good.
type Server struct {
	cfg            config.MCPServer
	opts           mcp.Options
	retry          *RetryPolicy
	connectTimeout time.Duration
	dial           Dialer
	// results receives every call result; it must not block for long.
	results func(server string, ev mcp.Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     mcp.Conn
	gen      int
	attempts int
	lastErr  error
	changed  chan struct{}
}

func newServer(cfg config.MCPServer, o Options, results func(string, mcp.Event)) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		opts:           o.Conn,
		retry:          o.Retry,
		connectTimeout: o.ConnectTimeout,
		dial:           o.Dial,
		results:        results,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateConnecting,
		changed:        make(chan struct{}),
	}
	s.setStateLocked(StateConnecting)
	return s
}

// Name returns the configured server id.
func (s *Server) Name() string { return s.cfg.Name }

// start runs the first connect in the background.
func (s *Server) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectLoop()
	}()
}

// connectLoop dials until a connection is ready, the policy is exhausted or
// the server is closed.
func (s *Server) connectLoop() {
	log := logx.Log.With().Str("server", s.cfg.Name).Logger()
	for attempt := 1; ; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		err := s.connectOnce()
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("mcp server connect failed")
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if s.retry.Exhausted(attempt + 1) {
			log.Error().Int("attempts", attempt).Msg("giving up on mcp server")
			s.mu.Lock()
			s.setStateLocked(StateClosed)
			s.mu.Unlock()
			s.cancel()
			return
		}
		select {
		case <-time.After(s.retry.NextDelay(attempt)):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) connectOnce() error {
	conn, err := s.dial(s.cfg, s.opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	conn.OnEvent(func(ev mcp.Event) { s.handle(gen, ev) })

	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.lastErr = nil
	s.setStateLocked(StateReady)
	s.mu.Unlock()
	return nil
}

// handle runs on the connection's goroutines. Disconnects are handed off,
// since closing a connection waits for those goroutines.
func (s *Server) handle(gen int, ev mcp.Event) {
	switch ev.Kind {
	case mcp.EventResult:
		s.results(s.cfg.Name, ev)
	case mcp.EventDisconnected:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.lost(gen, ev.Err)
		}()
	case mcp.EventNotification:
		logx.Log.Debug().Str("server", s.cfg.Name).Str("method", ev.Method).Msg("mcp notification")
	}
}

func (s *Server) lost(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	old := s.conn
	s.conn = nil
	s.lastErr = err
	s.setStateLocked(StateDegraded)
	s.mu.Unlock()

	logx.Log.Warn().Err(err).Str("server", s.cfg.Name).Msg("mcp server disconnected")
	if old != nil {
		old.Close()
	}
	s.connectLoop()
}

// Allowed reports whether the allowlist admits tool. An empty allowlist
// admits everything.
func (s *Server) Allowed(tool string) bool {
	if len(s.cfg.AllowedTools) == 0 {
		return true
	}
	ok, err := matchAny(tool, s.cfg.AllowedTools, false)
	if err != nil {
		logx.Log.Warn().Err(err).Str("server", s.cfg.Name).Msg("bad allowed_tools pattern")
		return false
	}
	return ok
}

func (s *Server) ready() (mcp.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.conn == nil {
		return nil, errors.Tag(errors.ErrServerUnavailable, nil, "server '%s' is %s", s.cfg.Name, s.state)
	}
	return s.conn, nil
}

// Send queues req on the live connection; it fails fast unless ready.
func (s *Server) Send(ctx context.Context, req mcp.Request) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	return conn.Send(ctx, req)
}

// ListTools lists the tools of a ready server.
func (s *Server) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	conn, err := s.ready()
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// State returns the current state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for status listings.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ServerStatus{
		Name:      s.cfg.Name,
		Transport: s.cfg.TransportKind(),
		State:     s.state,
		Attempts:  s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// WaitReady blocks until the server is ready, closed or ctx is done.
func (s *Server) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()
		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return errors.Tag(errors.ErrServerUnavailable, nil, "server '%s' is closed", s.cfg.Name)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Tag(errors.ErrServerUnavailable, ctx.Err(), "server '%s' is %s", s.cfg.Name, state)
		}
	}
}

// Close stops reconnecting and closes the connection, failing in-flight
// calls. It is safe to call more than once.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) setStateLocked(state State) {
	if s.state == StateClosed && state != StateClosed {
		return
	}
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
	metrics.SetServerState(s.cfg.Name, string(state), allStates)
}

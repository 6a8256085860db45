package agent

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/auth"
	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/diff"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/session"
	"github.com/plyght/amp-acp/tools"
	"github.com/plyght/amp-acp/upstream"
)

// Options override the collaborators New derives from the config. Zero
// fields are built from Config.
type Options struct {
	Config      *config.Config
	Credentials auth.Source
	Validator   auth.Validator
	Drivers     upstream.Factory
	Tools       *tools.Multiplexer
}

// Bridge owns the session table and the MCP servers shared by all sessions.
type Bridge struct {
	cfg       *config.Config
	creds     auth.Source
	validator auth.Validator
	drivers   upstream.Factory
	mux       *tools.Multiplexer

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
	wg       sync.WaitGroup
}

func New(opts Options) *Bridge {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	b := &Bridge{
		cfg:       cfg,
		creds:     opts.Credentials,
		validator: opts.Validator,
		drivers:   opts.Drivers,
		mux:       opts.Tools,
		sessions:  make(map[string]*session.Session),
	}
	if b.creds == nil {
		b.creds = auth.NewEnvSource(cfg.Credential)
	}
	if b.validator == nil {
		b.validator = auth.NewChecker(cfg.Credential)
	}
	if b.drivers == nil {
		b.drivers = upstream.NewFactory(cfg.Upstream)
	}
	if b.mux == nil {
		b.mux = tools.NewMultiplexer(cfg.MCP.Servers, tools.OptionsFromConfig(cfg.MCP))
	}
	return b
}

// Config returns the bridge configuration.
func (b *Bridge) Config() *config.Config { return b.cfg }

// Tools returns the MCP multiplexer.
func (b *Bridge) Tools() *tools.Multiplexer { return b.mux }

// Authenticate fetches and validates the configured credential.
func (b *Bridge) Authenticate(ctx context.Context) error {
	cred, err := b.creds.Credential(ctx)
	if err != nil {
		return err
	}
	return b.validator.Validate(ctx, cred)
}

// AuthMethods describes the credential for initialize.
func (b *Bridge) AuthMethods() []acp.AuthMethod {
	c := b.cfg.Credential
	if c.Env == "" {
		return []acp.AuthMethod{}
	}
	return []acp.AuthMethod{{
		ID:          c.Provider + "-api-key",
		Name:        "API key",
		Description: "Set " + c.Env + " in the environment of the bridge",
	}}
}

// NewSession registers the client's MCP servers, then creates and tracks a
// session. emit receives the session's events.
func (b *Bridge) NewSession(ctx context.Context, cwd string, servers []acp.MCPServer, emit func(event.Event)) (*session.Session, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.Tag(errors.ErrInvalidState, nil, "bridge is shutting down")
	}

	for _, s := range servers {
		if _, err := b.mux.Ensure(serverConfig(s)); err != nil {
			logx.Log.Warn().Err(err).Str("server", s.Name).Msg("ignoring client MCP server")
		}
	}

	cred, err := b.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = b.cfg.Upstream.Cwd
	}
	paths, err := tools.NewPathPolicy(b.cfg.FilesystemAccess, cwd)
	if err != nil {
		return nil, err
	}

	s, err := session.Create(ctx, cred, session.Config{
		Cwd:          cwd,
		DrainTimeout: b.cfg.Session.CancelDrainTimeout,
		Paths:        paths,
		Diff:         diff.Options{MaxCells: b.cfg.Session.MaxDiffCells},
	}, session.Deps{
		Validator: b.validator,
		Drivers:   b.drivers,
		Tools:     b.mux,
		Emit:      emit,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Close(event.ReasonShutdown)
		return nil, errors.Tag(errors.ErrInvalidState, nil, "bridge is shutting down")
	}
	b.sessions[s.ID()] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		<-s.Done()
		b.mu.Lock()
		delete(b.sessions, s.ID())
		b.mu.Unlock()
	}()
	return s, nil
}

// Session looks up a live session.
func (b *Bridge) Session(id string) (*session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Sessions returns the ids of live sessions, sorted.
func (b *Bridge) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown ends every live session with SessionEnded(shutdown), then closes
// the MCP servers. It is idempotent. When ctx ends first the sessions still
// ending are left behind and the error names one of them.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	live := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	logx.Log.Info().Int("sessions", len(live)).Msg("shutting down")
	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			go s.Close(event.ReasonShutdown)
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "session %s did not end", s.ID())
			}
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := b.mux.Close(); cerr != nil {
			logx.Log.Warn().Err(cerr).Msg("closing mcp servers")
		}
		return err
	}
	b.wg.Wait()
	return b.mux.Close()
}

// serverConfig maps a client-supplied MCP server onto the config shape.
func serverConfig(s acp.MCPServer) config.MCPServer {
	c := config.MCPServer{
		Name:      s.Name,
		Transport: s.Type,
		Command:   s.Command,
		Args:      s.Args,
		URL:       s.URL,
	}
	for _, e := range s.Env {
		c.Env = append(c.Env, e.Name+"="+e.Value)
	}
	if len(s.Headers) > 0 {
		c.Headers = make(map[string]string, len(s.Headers))
		for _, h := range s.Headers {
			c.Headers[h.Name] = h.Value
		}
	}
	return c
}

package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/tools/mcp"
)

// fakeConn answers every call with "<tool>:ok". Tools named "slow" wait for
// release or Close.
type fakeConn struct {
	connectErr error
	release    chan struct{}

	mu      sync.Mutex
	handler func(mcp.Event)
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newFakeConn() *fakeConn {
	return &fakeConn{release: make(chan struct{}), stop: make(chan struct{})}
}

func (f *fakeConn) Connect(context.Context) error { return f.connectErr }

func (f *fakeConn) OnEvent(h func(mcp.Event)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeConn) emit(ev mcp.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeConn) Send(_ context.Context, req mcp.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.Tag(errors.ErrServerUnavailable, nil, "closed")
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if req.Tool == "slow" {
			select {
			case <-f.release:
			case <-f.stop:
				f.emit(mcp.Event{Kind: mcp.EventResult, RequestID: req.ID, Err: errors.Tag(errors.ErrServerUnavailable, nil, "closed")})
				return
			}
		}
		f.emit(mcp.Event{Kind: mcp.EventResult, RequestID: req.ID, Content: req.Tool + ":ok"})
	}()
	return nil
}

func (f *fakeConn) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "read"}, {Name: "slow"}}, nil
}

func (f *fakeConn) drop() {
	f.emit(mcp.Event{Kind: mcp.EventDisconnected, Err: stderrors.New("connection reset")})
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.stop)
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

// fakeDialer hands out the queued conns of a server in order, then fresh
// ones. Servers listed in down never connect.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	down  map[string]bool
	dials atomic.Int32
}

func (d *fakeDialer) dial(cfg config.MCPServer, _ mcp.Options) (mcp.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down[cfg.Name] {
		c := newFakeConn()
		c.connectErr = stderrors.New("connection refused")
		return c, nil
	}
	queue := d.conns[cfg.Name]
	if len(queue) == 0 {
		return newFakeConn(), nil
	}
	d.conns[cfg.Name] = queue[1:]
	return queue[0], nil
}

func testOptions(d *fakeDialer) Options {
	return Options{
		ConnectTimeout: time.Second,
		Retry:          &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
		Dial:           d.dial,
	}
}

func newTestMultiplexer(t *testing.T, d *fakeDialer, servers ...config.MCPServer) *Multiplexer {
	t.Helper()
	m := NewMultiplexer(servers, testOptions(d))
	t.Cleanup(func() { m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.WaitReady(ctx)
	return m
}

func waitResult(t *testing.T, c *Call) Result {
	t.Helper()
	select {
	case r := <-c.Done():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", c.CallID)
		return Result{}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestInvokeRoutesByCallID(t *testing.T) {
	m := newTestMultiplexer(t, &fakeDialer{}, config.MCPServer{Name: "fs", Command: "fs"})

	var calls []*Call
	for _, tool := range []string{"read", "write", "list"} {
		c, err := m.Invoke(context.Background(), Invocation{CallID: "toolu_" + tool, Server: "fs", Tool: tool})
		if err != nil {
			t.Fatalf("Invoke(%s): %v", tool, err)
		}
		calls = append(calls, c)
	}
	for _, c := range calls {
		r := waitResult(t, c)
		if r.CallID != c.CallID || r.Content != c.Tool+":ok" || r.Failed() {
			t.Errorf("result = %+v for %s", r, c.CallID)
		}
	}
}

func TestInvokeErrors(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{"web": true}}
	m := newTestMultiplexer(t, d,
		config.MCPServer{Name: "fs", Command: "fs", AllowedTools: []string{"read*"}},
		config.MCPServer{Name: "web", Transport: "http", URL: "http://localhost:1/mcp"},
	)

	tests := []struct {
		name string
		inv  Invocation
		want error
	}{
		{"unknown server", Invocation{Server: "nope", Tool: "x"}, errors.ErrUnknownServer},
		{"denied", Invocation{Server: "fs", Tool: "write_file"}, errors.ErrToolDenied},
		{"unavailable", Invocation{Server: "web", Tool: "fetch"}, errors.ErrServerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Invoke(context.Background(), tt.inv)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if s, _ := m.Server("web"); s.State() != StateClosed {
		t.Errorf("web state = %s, want closed after exhausting retries", s.State())
	}
	if _, err := m.Invoke(context.Background(), Invocation{Server: "fs", Tool: "read_file"}); err != nil {
		t.Errorf("allowed tool: %v", err)
	}
}

func TestUnknownServerDoesNotBlock(t *testing.T) {
	conn := newFakeConn()
	m := newTestMultiplexer(t, &fakeDialer{conns: map[string][]*fakeConn{"fs": {conn}}}, config.MCPServer{Name: "fs", Command: "fs"})

	slow, err := m.Invoke(context.Background(), Invocation{CallID: "a", Server: "fs", Tool: "slow"})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := m.Invoke(context.Background(), Invocation{CallID: "b", Server: "ghost", Tool: "x"}); !errors.Is(err, errors.ErrUnknownServer) {
		t.Fatalf("err = %v", err)
	}
	fast, err := m.Invoke(context.Background(), Invocation{CallID: "c", Server: "fs", Tool: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if r := waitResult(t, fast); r.Content != "read:ok" {
		t.Errorf("fast result = %+v", r)
	}
	if time.Since(start) > time.Second {
		t.Errorf("calls blocked behind the slow one for %v", time.Since(start))
	}

	close(conn.release)
	if r := waitResult(t, slow); r.CallID != "a" || r.Content != "slow:ok" {
		t.Errorf("slow result = %+v", r)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{conns: map[string][]*fakeConn{"fs": {first}}}
	m := newTestMultiplexer(t, d, config.MCPServer{Name: "fs", Command: "fs"})
	s, _ := m.Server("fs")

	inflight, err := m.Invoke(context.Background(), Invocation{CallID: "a", Server: "fs", Tool: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	first.drop()

	r := waitResult(t, inflight)
	if !errors.Is(r.Err, errors.ErrServerUnavailable) {
		t.Errorf("in-flight result err = %v, want ErrServerUnavailable", r.Err)
	}
	eventually(t, func() bool { return d.dials.Load() == 2 && s.State() == StateReady })

	c, err := m.Invoke(context.Background(), Invocation{CallID: "b", Server: "fs", Tool: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if r := waitResult(t, c); r.Content != "read:ok" {
		t.Errorf("result after reconnect = %+v", r)
	}
}

func TestEnsureAndStatus(t *testing.T) {
	m := newTestMultiplexer(t, &fakeDialer{}, config.MCPServer{Name: "fs", Command: "fs"})

	s1, err := m.Ensure(config.MCPServer{Name: "gh", Command: "gh"})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Ensure(config.MCPServer{Name: "gh", Command: "other"})
	if err != nil || s1 != s2 {
		t.Errorf("Ensure not idempotent: %v", err)
	}
	if _, err := m.Ensure(config.MCPServer{Name: "bad__name", Command: "x"}); err == nil {
		t.Error("expected validation error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s1.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
	st := m.Servers()
	if len(st) != 2 || st[0].Name != "fs" || st[1].Name != "gh" || st[1].State != StateReady {
		t.Errorf("Servers() = %+v", st)
	}
	tools := m.Tools(ctx)
	if len(tools) != 2 || len(tools[0].Tools) != 2 {
		t.Errorf("Tools() = %+v", tools)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	m := newTestMultiplexer(t, &fakeDialer{}, config.MCPServer{Name: "fs", Command: "fs"})

	c, err := m.Invoke(context.Background(), Invocation{CallID: "a", Server: "fs", Tool: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()

	if r := waitResult(t, c); !errors.Is(r.Err, errors.ErrServerUnavailable) {
		t.Errorf("err = %v", r.Err)
	}
	if _, err := m.Invoke(context.Background(), Invocation{Server: "fs", Tool: "read"}); !errors.Is(err, errors.ErrServerUnavailable) {
		t.Errorf("Invoke after Close: %v", err)
	}
	if _, err := m.Ensure(config.MCPServer{Name: "gh", Command: "gh"}); err == nil {
		t.Error("Ensure after Close should fail")
	}
}

func TestUnmatchedResultDropped(t *testing.T) {
	m := newTestMultiplexer(t, &fakeDialer{}, config.MCPServer{Name: "fs", Command: "fs"})
	m.deliver("fs", mcp.Event{Kind: mcp.EventResult, RequestID: "nobody"})

	c, err := m.Invoke(context.Background(), Invocation{CallID: "a", Server: "fs", Tool: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if r := waitResult(t, c); r.Content != "read:ok" {
		t.Errorf("result = %+v", r)
	}
}

// heldTransport is an MCP server whose tool calls wait for release.
type heldTransport struct {
	release chan struct{}
}

func (h *heldTransport) Start(context.Context) error { return nil }

func (h *heldTransport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	switch req.Method {
	case string(mcpgo.MethodInitialize):
		return &transport.JSONRPCResponse{Result: json.RawMessage(`{"protocolVersion":"` + mcpgo.LATEST_PROTOCOL_VERSION + `"}`)}, nil
	case string(mcpgo.MethodToolsList):
		return &transport.JSONRPCResponse{Result: json.RawMessage(`{"tools":[{"name":"slow"}]}`)}, nil
	case string(mcpgo.MethodToolsCall):
		select {
		case <-h.release:
			return &transport.JSONRPCResponse{Result: json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &transport.JSONRPCResponse{Result: json.RawMessage(`{}`)}, nil
}

func (h *heldTransport) SendNotification(context.Context, mcpgo.JSONRPCNotification) error { return nil }
func (h *heldTransport) SetNotificationHandler(func(mcpgo.JSONRPCNotification))         {}
func (h *heldTransport) Close() error                                                 { return nil }
func (h *heldTransport) GetSessionId() string                                         { return "" }

func TestFullServerDoesNotHoldInvoke(t *testing.T) {
	release := make(chan struct{})
	opts := testOptions(&fakeDialer{})
	opts.Conn = mcp.Options{MaxInFlight: 1}
	opts.Dial = func(cfg config.MCPServer, o mcp.Options) (mcp.Conn, error) {
		return mcp.NewTransportConn(cfg.Name, &heldTransport{release: release}, o), nil
	}
	m := NewMultiplexer([]config.MCPServer{{Name: "fs", Command: "fs"}}, opts)
	t.Cleanup(func() { m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.WaitReady(ctx)

	// One session's call takes the only slot.
	first, err := m.Invoke(ctx, Invocation{CallID: "a", Server: "fs", Tool: "slow"})
	if err != nil {
		t.Fatalf("Invoke(a): %v", err)
	}

	// Another session's call is queued without waiting for it.
	type invoked struct {
		call *Call
		err  error
	}
	done := make(chan invoked, 1)
	go func() {
		c, err := m.Invoke(ctx, Invocation{CallID: "b", Server: "fs", Tool: "slow"})
		done <- invoked{c, err}
	}()
	var second *Call
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Invoke(b): %v", r.err)
		}
		second = r.call
	case <-time.After(time.Second):
		t.Fatal("Invoke held while the server is at its in-flight limit")
	}

	close(release)
	for _, c := range []*Call{first, second} {
		if r := waitResult(t, c); r.Failed() || r.Content != "done" {
			t.Errorf("%s: %+v", c.CallID, r)
		}
	}
}

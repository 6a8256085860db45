package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
)

// fakeTransport answers initialize and tools/list itself and hands tools/call
// to the test's call function.
type fakeTransport struct {
	mu            sync.Mutex
	notifications []string
	call          func(ctx context.Context, name string) (*transport.JSONRPCResponse, error)
	pages         [][]Tool
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	switch req.Method {
	case string(mcpgo.MethodInitialize):
		return &transport.JSONRPCResponse{Result: json.RawMessage(`{"protocolVersion":"` + mcpgo.LATEST_PROTOCOL_VERSION + `"}`)}, nil
	case string(mcpgo.MethodToolsList):
		params, _ := req.Params.(map[string]any)
		page := 0
		if c, ok := params["cursor"].(string); ok && c == "p2" {
			page = 1
		}
		res := map[string]any{"tools": f.pages[page]}
		if page == 0 && len(f.pages) > 1 {
			res["nextCursor"] = "p2"
		}
		b, _ := json.Marshal(res)
		return &transport.JSONRPCResponse{Result: b}, nil
	case string(mcpgo.MethodToolsCall):
		params := req.Params.(map[string]any)
		return f.call(ctx, params["name"].(string))
	}
	return &transport.JSONRPCResponse{Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeTransport) SendNotification(_ context.Context, n mcpgo.JSONRPCNotification) error {
	f.mu.Lock()
	f.notifications = append(f.notifications, n.Method)
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) SetNotificationHandler(func(mcpgo.JSONRPCNotification)) {}
func (f *fakeTransport) Close() error                                          { return nil }
func (f *fakeTransport) GetSessionId() string                                  { return "" }

func textResult(text string, isError bool) *transport.JSONRPCResponse {
	b, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
		"isError": isError,
	})
	return &transport.JSONRPCResponse{Result: b}
}

func collect(c Conn) <-chan Event {
	ch := make(chan Event, 16)
	c.OnEvent(func(ev Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestTransportConnHandshakeAndCall(t *testing.T) {
	ft := &fakeTransport{call: func(_ context.Context, name string) (*transport.JSONRPCResponse, error) {
		switch name {
		case "echo":
			return textResult("hi", false), nil
		case "broken":
			return textResult("tool blew up", true), nil
		default:
			return transport.NewJSONRPCErrorResponse(mcpgo.NewRequestId(1), -32602, "unknown tool", nil), nil
		}
	}}
	c := NewTransportConn("fake", ft, Options{})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if c.Protocol() != mcpgo.LATEST_PROTOCOL_VERSION {
		t.Errorf("protocol = %q", c.Protocol())
	}
	if len(ft.notifications) != 1 || ft.notifications[0] != "notifications/initialized" {
		t.Errorf("notifications = %v", ft.notifications)
	}

	tests := []struct {
		tool    string
		content string
		isError bool
	}{
		{"echo", "hi", false},
		{"broken", "tool blew up", true},
		{"missing", "unknown tool", true},
	}
	for _, tt := range tests {
		if err := c.Send(context.Background(), Request{ID: "call-" + tt.tool, Tool: tt.tool}); err != nil {
			t.Fatalf("Send(%s): %v", tt.tool, err)
		}
		ev := waitEvent(t, events)
		if ev.Kind != EventResult || ev.RequestID != "call-"+tt.tool {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Err != nil || ev.Content != tt.content || ev.IsError != tt.isError {
			t.Errorf("%s: got content=%q isError=%v err=%v", tt.tool, ev.Content, ev.IsError, ev.Err)
		}
	}
}

func TestTransportConnDisconnect(t *testing.T) {
	ft := &fakeTransport{call: func(context.Context, string) (*transport.JSONRPCResponse, error) {
		return nil, stderrors.New("connection reset")
	}}
	c := NewTransportConn("fake", ft, Options{})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), Request{ID: "1", Tool: "echo"}); err != nil {
		t.Fatal(err)
	}
	var sawDisconnect, sawResult bool
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, events)
		switch ev.Kind {
		case EventDisconnected:
			sawDisconnect = true
		case EventResult:
			sawResult = true
			if !errors.Is(ev.Err, errors.ErrServerUnavailable) {
				t.Errorf("result err = %v, want ErrServerUnavailable", ev.Err)
			}
		}
	}
	if !sawDisconnect || !sawResult {
		t.Errorf("disconnect=%v result=%v", sawDisconnect, sawResult)
	}
}

func TestInFlightBound(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var started []string
	ft := &fakeTransport{call: func(ctx context.Context, name string) (*transport.JSONRPCResponse, error) {
		mu.Lock()
		started = append(started, name)
		mu.Unlock()
		select {
		case <-release:
			return textResult(name, false), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	c := NewTransportConn("fake", ft, Options{MaxInFlight: 1})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), Request{ID: "1", Tool: "first"}); err != nil {
		t.Fatal(err)
	}
	// A full connection queues the request instead of holding the caller.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sent := make(chan error, 1)
	go func() { sent <- c.Send(ctx, Request{ID: "2", Tool: "second"}) }()
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("second Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Send blocked on a full connection")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(started) != 1 {
		t.Errorf("started %v while one slot is taken", started)
	}
	mu.Unlock()

	close(release)
	for _, want := range []string{"1", "2"} {
		if ev := waitEvent(t, events); ev.RequestID != want || ev.Err != nil {
			t.Errorf("event = %+v, want result for %s", ev, want)
		}
	}
}

func TestQueuedCallTimesOut(t *testing.T) {
	ft := &fakeTransport{call: func(ctx context.Context, _ string) (*transport.JSONRPCResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewTransportConn("fake", ft, Options{MaxInFlight: 1, CallTimeout: 100 * time.Millisecond})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, id := range []string{"1", "2"} {
		if err := c.Send(context.Background(), Request{ID: id, Tool: "hang"}); err != nil {
			t.Fatal(err)
		}
	}
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, events)
		if !errors.Is(ev.Err, errors.ErrServerUnavailable) {
			t.Errorf("event = %+v, want unavailable", ev)
		}
		got[ev.RequestID] = true
	}
	if !got["1"] || !got["2"] {
		t.Errorf("results for %v", got)
	}
}

func TestCloseFailsInFlight(t *testing.T) {
	ft := &fakeTransport{call: func(ctx context.Context, _ string) (*transport.JSONRPCResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewTransportConn("fake", ft, Options{})
	events := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), Request{ID: "1", Tool: "hang"}); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	ev := waitEvent(t, events)
	if ev.Kind != EventResult || !errors.Is(ev.Err, errors.ErrServerUnavailable) {
		t.Errorf("event = %+v", ev)
	}
	if err := c.Send(context.Background(), Request{ID: "2", Tool: "x"}); !errors.Is(err, errors.ErrServerUnavailable) {
		t.Errorf("Send after Close: err = %v", err)
	}
}

func TestListToolsPages(t *testing.T) {
	ft := &fakeTransport{pages: [][]Tool{
		{{Name: "read"}, {Name: "write"}},
		{{Name: "search"}},
	}}
	c := NewTransportConn("fake", ft, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 3 || tools[2].Name != "search" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestNewByTransport(t *testing.T) {
	if _, err := New(config.MCPServer{Name: "fs", Command: "mcp-fs"}, Options{}); err != nil {
		t.Errorf("stdio: %v", err)
	}
	if _, err := New(config.MCPServer{Name: "web", Transport: "http", URL: "http://localhost:1/mcp"}, Options{}); err != nil {
		t.Errorf("http: %v", err)
	}
	if _, err := New(config.MCPServer{Name: "x", Transport: "grpc"}, Options{}); err == nil {
		t.Error("unknown transport should fail")
	}
}

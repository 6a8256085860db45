package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
)

// TransportConn speaks MCP over a remote transport: streamable HTTP issues
// one request/response exchange per call, SSE keeps a long-lived event
// stream for inbound messages and posts requests separately.
type TransportConn struct {
	*dispatcher
	name string
	t    transport.Interface
	id   atomic.Int64

	mu       sync.Mutex
	started  bool
	protocol string
}

// NewHTTPConn returns a streamable-HTTP connection.
func NewHTTPConn(cfg config.MCPServer, opts Options) (*TransportConn, error) {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	client := &http.Client{Timeout: timeout}
	topts := []transport.StreamableHTTPCOption{
		transport.WithHTTPBasicClient(client),
		transport.WithHTTPTimeout(timeout),
		transport.WithContinuousListening(),
	}
	if len(cfg.Headers) > 0 {
		topts = append(topts, transport.WithHTTPHeaders(cfg.Headers))
	}
	t, err := transport.NewStreamableHTTP(cfg.URL, topts...)
	if err != nil {
		return nil, errors.Wrapf(err, "server %q", cfg.Name)
	}
	return NewTransportConn(cfg.Name, t, opts), nil
}

// NewSSEConn returns a legacy SSE connection.
func NewSSEConn(cfg config.MCPServer, opts Options) (*TransportConn, error) {
	var topts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		topts = append(topts, transport.WithHeaders(cfg.Headers))
	}
	t, err := transport.NewSSE(cfg.URL, topts...)
	if err != nil {
		return nil, errors.Wrapf(err, "server %q", cfg.Name)
	}
	return NewTransportConn(cfg.Name, t, opts), nil
}

// NewTransportConn wraps any mcp-go transport.
func NewTransportConn(name string, t transport.Interface, opts Options) *TransportConn {
	return &TransportConn{dispatcher: newDispatcher(name, opts), name: name, t: t}
}

// Connect starts the transport and runs the initialize handshake.
func (c *TransportConn) Connect(ctx context.Context) error {
	c.t.SetNotificationHandler(func(n mcpgo.JSONRPCNotification) {
		c.emit(Event{Kind: EventNotification, Method: n.Method})
	})
	if err := c.t.Start(ctx); err != nil {
		return errors.Tag(errors.ErrServerUnavailable, err, "failed to start transport for '%s'", c.name)
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	params := struct {
		ProtocolVersion string                   `json:"protocolVersion"`
		ClientInfo      mcpgo.Implementation     `json:"clientInfo"`
		Capabilities    mcpgo.ClientCapabilities `json:"capabilities"`
	}{
		ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcpgo.Implementation{Name: clientName, Version: clientVersion},
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := c.rpc(ctx, string(mcpgo.MethodInitialize), params, &res); err != nil {
		return errors.Tag(errors.ErrServerUnavailable, err, "initialize '%s'", c.name)
	}
	if !slices.Contains(mcpgo.ValidProtocolVersions, res.ProtocolVersion) {
		return errors.Tag(errors.ErrServerUnavailable, nil, "'%s' answered unsupported protocol version %q", c.name, res.ProtocolVersion)
	}
	c.mu.Lock()
	c.protocol = res.ProtocolVersion
	c.mu.Unlock()

	// best effort notification
	_ = c.t.SendNotification(ctx, mcpgo.JSONRPCNotification{
		JSONRPC:      mcpgo.JSONRPC_VERSION,
		Notification: mcpgo.Notification{Method: "notifications/initialized"},
	})
	logx.Log.Info().Str("server", c.name).Str("protocol", res.ProtocolVersion).Msg("mcp server connected")
	return nil
}

// rpcError is a JSON-RPC error answer. The server is reachable; the request
// itself failed.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func (c *TransportConn) rpc(ctx context.Context, method string, params any, result any) error {
	id := c.id.Add(1)
	req := transport.JSONRPCRequest{JSONRPC: mcpgo.JSONRPC_VERSION, ID: mcpgo.NewRequestId(id), Method: method, Params: params}
	resp, err := c.t.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &rpcError{code: resp.Error.Code, message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Send queues a tool call.
func (c *TransportConn) Send(ctx context.Context, req Request) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.Tag(errors.ErrServerUnavailable, nil, "%s: not connected", c.name)
	}
	return c.dispatch(ctx, req, func(ctx context.Context, req Request) (string, bool, error) {
		params := map[string]any{"name": req.Tool, "arguments": req.Args}
		var res callResult
		err := c.rpc(ctx, string(mcpgo.MethodToolsCall), params, &res)
		var rerr *rpcError
		if errors.As(err, &rerr) {
			return rerr.message, true, nil
		}
		if err != nil {
			c.dropped(err)
			return "", false, err
		}
		var b strings.Builder
		for _, content := range res.Content {
			if content.Type == "text" {
				b.WriteString(content.Text)
			}
		}
		return b.String(), res.IsError, nil
	})
}

// dropped reports a transport failure as a disconnect so the owner can
// reconnect. Timeouts of a single call do not count.
func (c *TransportConn) dropped(err error) {
	if c.isClosed() || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return
	}
	c.emit(Event{Kind: EventDisconnected, Err: errors.Tag(errors.ErrServerUnavailable, err, "%s", c.name)})
}

// ListTools pages through tools/list.
func (c *TransportConn) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := c.rpc(ctx, string(mcpgo.MethodToolsList), params, &res); err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.name)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// Protocol returns the negotiated protocol version.
func (c *TransportConn) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Close fails in-flight calls and closes the transport. It is safe to call
// more than once.
func (c *TransportConn) Close() error {
	if !c.close() {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.t.Close() }()
	select {
	case err := <-done:
		return err
	case <-closeCtx.Done():
		logx.Log.Warn().Str("server", c.name).Msg("mcp transport close timed out")
		return nil
	}
}

package mcp

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
)

// CommandConn is a connection to an MCP server subprocess speaking
// line-delimited JSON-RPC over its stdin and stdout.
type CommandConn struct {
	*dispatcher
	cfg config.MCPServer

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *mcpsdk.ClientSession
}

// NewCommandConn returns an unstarted stdio connection.
func NewCommandConn(cfg config.MCPServer, opts Options) *CommandConn {
	return &CommandConn{dispatcher: newDispatcher(cfg.Name, opts), cfg: cfg}
}

// Connect starts the subprocess and performs the MCP handshake.
func (c *CommandConn) Connect(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), config.BuildEnv(c.cfg.Env)...)
	cmd.Stderr = logx.Log.With().Str("server", c.cfg.Name).Str("stream", "stderr").Logger()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return errors.Tag(errors.ErrServerUnavailable, err, "failed to connect to MCP server '%s'", c.cfg.Name)
	}

	c.mu.Lock()
	c.cmd, c.conn = cmd, conn
	c.mu.Unlock()

	go c.watch(conn)
	logx.Log.Info().Str("server", c.cfg.Name).Str("command", c.cfg.Command).Msg("mcp server connected")
	return nil
}

// watch reports the subprocess going away unless Close caused it.
func (c *CommandConn) watch(conn *mcpsdk.ClientSession) {
	err := conn.Wait()
	if c.isClosed() {
		return
	}
	if err == nil {
		err = errors.New("server %q exited", c.cfg.Name)
	}
	c.emit(Event{Kind: EventDisconnected, Err: errors.Tag(errors.ErrServerUnavailable, err, "%s", c.cfg.Name)})
}

func (c *CommandConn) session() (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.Tag(errors.ErrServerUnavailable, nil, "%s: not connected", c.cfg.Name)
	}
	return c.conn, nil
}

// Send queues a tool call.
func (c *CommandConn) Send(ctx context.Context, req Request) error {
	conn, err := c.session()
	if err != nil {
		return err
	}
	return c.dispatch(ctx, req, func(ctx context.Context, req Request) (string, bool, error) {
		result, err := conn.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      req.Tool,
			Arguments: req.Args,
		})
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to call tool '%s'", req.Tool)
		}
		return contentText(result.Content), result.IsError, nil
	})
}

// ListTools pages through the server's tool list.
func (c *CommandConn) ListTools(ctx context.Context) ([]Tool, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}
	var tools []Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.cfg.Name)
		}
		for _, t := range list.Tools {
			tools = append(tools, Tool{Name: t.Name, Description: t.Description})
		}
		if list.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = list.NextCursor
	}
}

// Close fails in-flight calls and terminates the subprocess. It is safe to
// call more than once.
func (c *CommandConn) Close() error {
	if !c.close() {
		return nil
	}
	c.mu.Lock()
	conn, cmd := c.conn, c.cmd
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		logx.Log.Debug().Str("server", c.cfg.Name).Msg("terminating mcp server")
		cmd.Process.Kill()
	}
	return nil
}

func contentText(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, c := range content {
		if t, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

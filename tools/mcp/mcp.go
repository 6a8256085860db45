// Package mcp holds the connection to a single MCP tool server. Every
// transport kind presents the same Conn: requests are queued with Send and
// their results come back asynchronously through the OnEvent handler,
// correlated by request id rather than arrival order.
package mcp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
)

const (
	DefaultMaxInFlight = 16
	DefaultCallTimeout = 60 * time.Second

	clientName    = "amp-acp"
	clientVersion = "v0.1.0"
)

// Request is one tool invocation. ID is chosen by the caller and comes back
// on the matching Event.
type Request struct {
	ID   string
	Tool string
	Args map[string]any
}

// EventKind distinguishes what a connection reports.
type EventKind int

const (
	// EventResult answers the Request with the same ID.
	EventResult EventKind = iota
	// EventNotification is a server notification; Method is set.
	EventNotification
	// EventDisconnected reports that the connection dropped on its own.
	EventDisconnected
)

// Event is delivered to the OnEvent handler. For results, Err is set when
// the call never got an answer (transport failure, timeout, close) and
// IsError when the tool itself reported a failure.
type Event struct {
	Kind      EventKind
	RequestID string
	Content   string
	IsError   bool
	Err       error
	Method    string
}

// Tool describes one tool a server offers.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Conn is the connection capability shared by all transports.
type Conn interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, req Request) error
	OnEvent(handler func(Event))
	ListTools(ctx context.Context) ([]Tool, error)
	Close() error
}

// Options tune a connection.
type Options struct {
	MaxInFlight int
	CallTimeout time.Duration
}

// New returns an unconnected Conn for the configured server.
func New(cfg config.MCPServer, opts Options) (Conn, error) {
	switch cfg.TransportKind() {
	case config.TransportStdio:
		return NewCommandConn(cfg, opts), nil
	case config.TransportHTTP:
		return NewHTTPConn(cfg, opts)
	case config.TransportSSE:
		return NewSSEConn(cfg, opts)
	default:
		return nil, errors.New("server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// callFunc performs one request and returns the text content and the
// tool-level error flag. A non-nil error means no answer arrived.
type callFunc func(ctx context.Context, req Request) (string, bool, error)

// dispatcher runs requests in the background, at most MaxInFlight at once, and
// reports their results as events. Closing it cancels in-flight calls.
type dispatcher struct {
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	handler func(Event)
}

func newDispatcher(name string, opts Options) *dispatcher {
	n := opts.MaxInFlight
	if n <= 0 {
		n = DefaultMaxInFlight
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		name:    name,
		sem:     semaphore.NewWeighted(int64(n)),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *dispatcher) OnEvent(handler func(Event)) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (d *dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// dispatch queues the request and returns without waiting for an in-flight
// slot. The slot wait counts against the call timeout.
func (d *dispatcher) dispatch(ctx context.Context, req Request, call callFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.Tag(errors.ErrServerUnavailable, nil, "%s: connection closed", d.name)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		callCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
		if err := d.sem.Acquire(callCtx, 1); err != nil {
			d.emit(Event{
				Kind:      EventResult,
				RequestID: req.ID,
				Err:       errors.Tag(errors.ErrServerUnavailable, err, "%s: waiting for an in-flight slot", d.name),
			})
			return
		}
		defer d.sem.Release(1)

		content, isErr, err := call(callCtx, req)
		ev := Event{Kind: EventResult, RequestID: req.ID, Content: content, IsError: isErr}
		if err != nil {
			ev.Err = errors.Tag(errors.ErrServerUnavailable, err, "%s: %s", d.name, req.Tool)
		}
		d.emit(ev)
	}()
	return nil
}

// close cancels in-flight calls and waits for their events. It reports
// whether this call did the closing.
func (d *dispatcher) close() bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return true
}

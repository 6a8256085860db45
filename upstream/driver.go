// Package upstream runs the coding agent the bridge translates for. A Driver
// owns the agent process and hands its protocol lines to the session raw;
// decoding them is the translator's job.
package upstream

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/transport"
)

// Driver is a started upstream agent.
type Driver interface {
	// Lines yields the agent's protocol lines and is closed when the agent
	// is gone.
	Lines() <-chan []byte
	SendUserMessage(ctx context.Context, text string) error
	// SendToolResult answers a tool_use the bridge executed itself.
	SendToolResult(ctx context.Context, toolUseID, content string, isError bool) error
	// AcceptsToolResults reports whether SendToolResult is supported.
	AcceptsToolResults() bool
	// Interrupt asks the agent to stop the current turn. Best effort.
	Interrupt(ctx context.Context) error
	// Err is the reason the agent went away, nil on a clean exit. Only
	// meaningful after Lines is closed.
	Err() error
	Close() error
}

// Options are per-session start parameters.
type Options struct {
	SessionID string
	Cwd       string
	// Env is appended to the configured environment, typically the
	// credential.
	Env []string
}

// Factory starts a Driver.
type Factory func(ctx context.Context, opts Options) (Driver, error)

// NewFactory returns the factory for the configured driver kind.
func NewFactory(cfg config.Upstream) Factory {
	if cfg.Driver == config.DriverThread {
		return func(ctx context.Context, opts Options) (Driver, error) {
			return StartThread(ctx, cfg, opts)
		}
	}
	return func(ctx context.Context, opts Options) (Driver, error) {
		return StartStream(ctx, cfg, opts)
	}
}

// lineQueue delivers lines until stopped.
type lineQueue struct {
	lines chan []byte
	stop  chan struct{}
	once  sync.Once
}

func newLineQueue() *lineQueue {
	return &lineQueue{lines: make(chan []byte, 64), stop: make(chan struct{})}
}

// push reports false once the queue is stopped.
func (q *lineQueue) push(line []byte) bool {
	select {
	case q.lines <- line:
		return true
	case <-q.stop:
		return false
	}
}

func (q *lineQueue) halt() { q.once.Do(func() { close(q.stop) }) }

func processEnv(cfg config.Upstream, opts Options) []string {
	env := append(os.Environ(), config.BuildEnv(cfg.Env)...)
	return append(env, opts.Env...)
}

func workDir(cfg config.Upstream, opts Options) string {
	if opts.Cwd != "" {
		return opts.Cwd
	}
	return cfg.Cwd
}

// StreamDriver runs one long-lived agent process speaking stream-json on
// its stdin and stdout.
type StreamDriver struct {
	cfg   config.Upstream
	log   zerolog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser
	w     *transport.Writer
	q     *lineQueue
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// StartStream spawns the agent.
func StartStream(ctx context.Context, cfg config.Upstream, opts Options) (*StreamDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "start %s", cfg.Command)
	}
	log := logx.Log.With().Str("session", opts.SessionID).Str("upstream", cfg.Command).Logger()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = workDir(cfg, opts)
	cmd.Env = processEnv(cfg, opts)
	cmd.Stderr = log.With().Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "failed to start '%s'", cfg.Command)
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("upstream started")

	d := &StreamDriver{
		cfg:   cfg,
		log:   log,
		cmd:   cmd,
		stdin: stdin,
		w:     transport.NewWriter(stdin),
		q:     newLineQueue(),
		done:  make(chan struct{}),
	}
	go d.readLoop(stdout)
	return d, nil
}

func (d *StreamDriver) readLoop(stdout io.Reader) {
	defer close(d.done)
	defer close(d.q.lines)

	r := transport.NewReader(stdout)
	var readErr error
	for {
		line, err := r.ReadLine()
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		if len(line) == 0 {
			continue
		}
		if !d.q.push(append([]byte(nil), line...)) {
			// nobody is listening; keep draining so the process can exit
			io.Copy(io.Discard, stdout)
			break
		}
	}

	waitErr := d.cmd.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
	case readErr != nil:
		d.err = errors.Tag(errors.ErrUpstreamUnavailable, readErr, "reading upstream")
	case waitErr != nil:
		d.err = errors.Tag(errors.ErrUpstreamUnavailable, waitErr, "upstream exited")
	}
	d.log.Debug().AnErr("wait", waitErr).Msg("upstream exited")
}

func (d *StreamDriver) Lines() <-chan []byte { return d.q.lines }

func (d *StreamDriver) send(line Line) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.Tag(errors.ErrUpstreamUnavailable, nil, "upstream closed")
	}
	select {
	case <-d.done:
		return errors.Tag(errors.ErrUpstreamUnavailable, nil, "upstream exited")
	default:
	}
	if err := d.w.WriteJSON(line); err != nil {
		return errors.Tag(errors.ErrUpstreamUnavailable, err, "write to upstream")
	}
	return nil
}

func (d *StreamDriver) SendUserMessage(_ context.Context, text string) error {
	return d.send(UserMessage(text))
}

func (d *StreamDriver) SendToolResult(_ context.Context, toolUseID, content string, isError bool) error {
	return d.send(ToolResultMessage(toolUseID, content, isError))
}

func (d *StreamDriver) AcceptsToolResults() bool { return true }

func (d *StreamDriver) Interrupt(_ context.Context) error {
	return d.send(InterruptRequest())
}

func (d *StreamDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close ends stdin, gives the agent CloseGrace to exit and kills it
// otherwise. It is safe to call more than once.
func (d *StreamDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.q.halt()
	d.stdin.Close()
	grace := d.cfg.CloseGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-d.done:
	case <-time.After(grace):
		d.log.Warn().Dur("grace", grace).Msg("upstream did not exit, killing")
		d.cmd.Process.Kill()
		<-d.done
	}
	return nil
}

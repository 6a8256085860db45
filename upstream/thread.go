package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
)

const debounceInterval = 50 * time.Millisecond

// conversation is the on-disk amp thread.
type conversation struct {
	Messages []Message `json:"messages"`
}

// ThreadDriver drives amp through its thread files: every prompt runs
// `amp threads continue <id> -x <text>` and the growth of
// <threads_dir>/<id>.json is replayed as stream-json lines. amp runs its
// own tools in this mode, so tool results cannot be injected.
type ThreadDriver struct {
	cfg      config.Upstream
	opts     Options
	log      zerolog.Logger
	threadID string
	path     string
	watcher  *fsnotify.Watcher
	q        *lineQueue
	finished chan error
	loopDone chan struct{}

	// owned by the watch loop
	state *threadState

	mu          sync.Mutex
	turn        *exec.Cmd
	interrupted bool
	closed      bool
}

// StartThread creates a new amp thread and starts watching its file.
func StartThread(ctx context.Context, cfg config.Upstream, opts Options) (*ThreadDriver, error) {
	log := logx.Log.With().Str("session", opts.SessionID).Str("upstream", cfg.Command).Logger()

	cmd := exec.CommandContext(ctx, cfg.Command, "threads", "new")
	cmd.Dir = workDir(cfg, opts)
	cmd.Env = processEnv(cfg, opts)
	cmd.Stderr = log.With().Str("stream", "stderr").Logger()
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "'%s threads new' failed", cfg.Command)
	}
	id := strings.TrimSpace(string(out))
	if id == "" || strings.ContainsAny(id, "/\\\n") {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, nil, "'%s threads new' returned thread id %q", cfg.Command, id)
	}

	if err := os.MkdirAll(cfg.ThreadsDir, 0o755); err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "threads directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "watch threads")
	}
	// Watch the directory: amp replaces the file rather than writing in place.
	if err := w.Add(cfg.ThreadsDir); err != nil {
		w.Close()
		return nil, errors.Tag(errors.ErrUpstreamUnavailable, err, "watch %s", cfg.ThreadsDir)
	}

	d := &ThreadDriver{
		cfg:      cfg,
		opts:     opts,
		log:      log.With().Str("thread", id).Logger(),
		threadID: id,
		path:     filepath.Join(cfg.ThreadsDir, id+".json"),
		watcher:  w,
		q:        newLineQueue(),
		finished: make(chan error),
		loopDone: make(chan struct{}),
		state:    newThreadState(id),
	}
	if conv, ok := d.read(); ok {
		d.state.advance(conv)
	}
	init, _ := json.Marshal(Line{Type: TypeSystem, Subtype: "init", SessionID: id})
	d.q.lines <- init

	go d.watchLoop()
	d.log.Debug().Str("path", d.path).Msg("thread created")
	return d, nil
}

// ThreadID returns the amp thread id.
func (d *ThreadDriver) ThreadID() string { return d.threadID }

func (d *ThreadDriver) watchLoop() {
	defer close(d.loopDone)
	defer close(d.q.lines)

	var tick <-chan time.Time
	for {
		select {
		case <-d.q.stop:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != d.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			tick = time.After(debounceInterval)
		case <-tick:
			tick = nil
			if !d.refresh() {
				return
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("thread watcher error")
		case err := <-d.finished:
			tick = nil
			if !d.refresh() {
				return
			}
			if !d.endTurn(err) {
				return
			}
		}
	}
}

// refresh emits the growth of the thread file. It reports false once the
// driver is stopped.
func (d *ThreadDriver) refresh() bool {
	conv, ok := d.read()
	if !ok {
		return true
	}
	for _, line := range d.state.advance(conv) {
		data, err := json.Marshal(line)
		if err != nil {
			d.log.Error().Err(err).Msg("encoding thread line")
			continue
		}
		if !d.q.push(data) {
			return false
		}
	}
	return true
}

func (d *ThreadDriver) read() (conversation, bool) {
	var conv conversation
	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warn().Err(err).Msg("reading thread file")
		}
		return conv, false
	}
	if err := json.Unmarshal(data, &conv); err != nil {
		// caught mid-write; the next event rereads it
		d.log.Debug().Err(err).Msg("thread file not parseable yet")
		return conv, false
	}
	return conv, true
}

func (d *ThreadDriver) endTurn(exitErr error) bool {
	d.mu.Lock()
	interrupted := d.interrupted
	d.turn = nil
	d.interrupted = false
	d.mu.Unlock()

	res := Line{Type: TypeResult, Subtype: "success"}
	switch {
	case interrupted:
		res = Line{Type: TypeResult, Subtype: "error_during_execution", IsError: true, Result: "interrupted"}
	case exitErr != nil:
		res = Line{Type: TypeResult, Subtype: "error_during_execution", IsError: true, Result: exitErr.Error()}
	}
	data, _ := json.Marshal(res)
	return d.q.push(data)
}

func (d *ThreadDriver) Lines() <-chan []byte { return d.q.lines }

// SendUserMessage starts a turn; its result line arrives when amp exits.
func (d *ThreadDriver) SendUserMessage(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Tag(errors.ErrUpstreamUnavailable, nil, "upstream closed")
	}
	if d.turn != nil {
		return errors.Tag(errors.ErrInvalidState, nil, "thread %s is busy", d.threadID)
	}

	cmd := exec.Command(d.cfg.Command, "threads", "continue", d.threadID, "-x", text)
	cmd.Dir = workDir(d.cfg, d.opts)
	cmd.Env = processEnv(d.cfg, d.opts)
	cmd.Stderr = d.log.With().Str("stream", "stderr").Logger()
	if err := cmd.Start(); err != nil {
		return errors.Tag(errors.ErrUpstreamUnavailable, err, "failed to start '%s threads continue'", d.cfg.Command)
	}
	d.turn = cmd
	go func() {
		err := cmd.Wait()
		select {
		case d.finished <- err:
		case <-d.q.stop:
		}
	}()
	return nil
}

func (d *ThreadDriver) SendToolResult(context.Context, string, string, bool) error {
	return errors.Tag(errors.ErrInvalidState, nil, "thread driver runs its own tools")
}

func (d *ThreadDriver) AcceptsToolResults() bool { return false }

// Interrupt kills the running turn.
func (d *ThreadDriver) Interrupt(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.turn == nil || d.turn.Process == nil {
		return nil
	}
	d.interrupted = true
	return d.turn.Process.Kill()
}

func (d *ThreadDriver) Err() error { return nil }

// Close kills a running turn and stops watching. It is safe to call more
// than once.
func (d *ThreadDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.turn != nil && d.turn.Process != nil {
		d.turn.Process.Kill()
	}
	d.mu.Unlock()

	d.q.halt()
	err := d.watcher.Close()
	<-d.loopDone
	return err
}

// threadState remembers what has been replayed. Text and thinking grow in
// place; tool uses and finished tool results are replayed once by id.
type threadState struct {
	id          string
	prev        conversation
	toolUses    map[string]bool
	toolResults map[string]bool
}

func newThreadState(id string) *threadState {
	return &threadState{id: id, toolUses: map[string]bool{}, toolResults: map[string]bool{}}
}

// pendingRun marks tool results amp has not finished yet.
var pendingRun = map[string]bool{
	"queued":          true,
	"in-progress":     true,
	"running":         true,
	"blocked-on-user": true,
}

func (s *threadState) advance(next conversation) []Line {
	var out []Line
	for i, m := range next.Messages {
		var old *Message
		if i < len(s.prev.Messages) && s.prev.Messages[i].Role == m.Role {
			old = &s.prev.Messages[i]
		}
		var blocks []Block
		for j, b := range m.Content {
			var ob *Block
			if old != nil && j < len(old.Content) && old.Content[j].Type == b.Type {
				ob = &old.Content[j]
			}
			if nb, ok := s.grow(ob, b); ok {
				blocks = append(blocks, nb)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		typ := TypeUser
		if m.Role == "assistant" {
			typ = TypeAssistant
		}
		out = append(out, Line{Type: typ, Message: &Message{
			ID:      fmt.Sprintf("%s:%d", s.id, i),
			Role:    m.Role,
			Content: blocks,
		}})
	}
	s.prev = next
	return out
}

func (s *threadState) grow(old *Block, b Block) (Block, bool) {
	switch b.Type {
	case BlockText:
		return growText(old, b, b.Text, func(o *Block) string { return o.Text }, func(nb *Block, t string) { nb.Text = t })
	case BlockThinking:
		return growText(old, b, b.Thinking, func(o *Block) string { return o.Thinking }, func(nb *Block, t string) { nb.Thinking = t })
	case BlockToolUse:
		if b.ID == "" || s.toolUses[b.ID] {
			return b, false
		}
		s.toolUses[b.ID] = true
		return b, true
	case BlockToolResult:
		id := b.UseID()
		if id == "" || s.toolResults[id] || (b.Run != nil && pendingRun[b.Run.Status]) {
			return b, false
		}
		s.toolResults[id] = true
		return b, true
	}
	if old != nil && bytes.Equal(mustJSON(*old), mustJSON(b)) {
		return b, false
	}
	return b, true
}

func growText(old *Block, b Block, text string, get func(*Block) string, set func(*Block, string)) (Block, bool) {
	if old == nil {
		return b, text != ""
	}
	prev := get(old)
	if prev == text {
		return b, false
	}
	if strings.HasPrefix(text, prev) {
		set(&b, text[len(prev):])
	}
	return b, true
}

func mustJSON(b Block) []byte {
	data, _ := json.Marshal(b)
	return data
}

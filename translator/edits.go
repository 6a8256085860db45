package translator

import (
	"strings"

	"github.com/plyght/amp-acp/diff"
	"github.com/plyght/amp-acp/event"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/metrics"
)

// Snapshots caches the last known content of each file a session edited,
// so the next edit diffs against the latest state.
type Snapshots struct {
	files map[string]string
}

func NewSnapshots() *Snapshots {
	return &Snapshots{files: make(map[string]string)}
}

// Get returns the cached content of path.
func (s *Snapshots) Get(path string) (string, bool) {
	c, ok := s.files[path]
	return c, ok
}

func (s *Snapshots) Set(path, content string) { s.files[path] = content }

// Clear drops every snapshot.
func (s *Snapshots) Clear() { clear(s.files) }

// replacement is one old → new substitution of an edit tool.
type replacement struct {
	old, new string
	all      bool
}

// fileEdit builds the FileEditProposed for an edit tool call, or nil when
// the input names no file.
func (t *Translator) fileEdit(callID, name string, args map[string]any) *event.FileEditProposed {
	path := stringArg(args, "path", "file_path")
	if path == "" {
		return nil
	}
	if t.policy.Hidden(path) {
		return &event.FileEditProposed{CallID: callID, Path: path, Redacted: true}
	}

	switch name {
	case "create_file", "Write":
		content := stringArg(args, "content")
		var prev *string
		if snap, ok := t.snapshots.Get(path); ok {
			prev = &snap
		}
		t.snapshots.Set(path, content)
		return t.render(callID, path, prev, content)

	case "edit_file", "Edit", "MultiEdit":
		reps := replacements(name, args)
		if len(reps) == 0 {
			return nil
		}
		if snap, ok := t.snapshots.Get(path); ok {
			if next, ok := applyReplacements(snap, reps); ok {
				t.snapshots.Set(path, next)
				return t.render(callID, path, &snap, next)
			}
		}
		// Without the file state only the fragment can be shown; the cache
		// stays as it was.
		var olds, news []string
		for _, r := range reps {
			olds = append(olds, r.old)
			news = append(news, r.new)
		}
		old := strings.Join(olds, "\n")
		return t.render(callID, path, &old, strings.Join(news, "\n"))
	}
	return nil
}

func (t *Translator) render(callID, path string, prev *string, next string) *event.FileEditProposed {
	ev := &event.FileEditProposed{CallID: callID, Path: path, OldText: prev, NewText: next}
	r, err := diff.Render(path, prev, next, t.diffOpts)
	if err != nil {
		metrics.RecordRenderError()
		logx.Log.Warn().Err(err).Str("session", t.sessionID).Str("path", path).Msg("diff render failed, sending raw content")
		ev.RenderErr = err.Error()
		return ev
	}
	ev.Rendering = r
	return ev
}

func replacements(name string, args map[string]any) []replacement {
	switch name {
	case "edit_file":
		return []replacement{{old: stringArg(args, "old_str"), new: stringArg(args, "new_str")}}
	case "Edit":
		all, _ := args["replace_all"].(bool)
		return []replacement{{old: stringArg(args, "old_string"), new: stringArg(args, "new_string"), all: all}}
	case "MultiEdit":
		edits, _ := args["edits"].([]any)
		var out []replacement
		for _, e := range edits {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			all, _ := m["replace_all"].(bool)
			out = append(out, replacement{old: stringArg(m, "old_string"), new: stringArg(m, "new_string"), all: all})
		}
		return out
	}
	return nil
}

// applyReplacements reports false when an old string is empty or missing.
func applyReplacements(content string, reps []replacement) (string, bool) {
	for _, r := range reps {
		if r.old == "" || !strings.Contains(content, r.old) {
			return "", false
		}
		n := 1
		if r.all {
			n = -1
		}
		content = strings.Replace(content, r.old, r.new, n)
	}
	return content, true
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

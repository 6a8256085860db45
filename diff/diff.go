// Package diff renders file edits as unified-diff hunks.
//
// Render computes a line-based longest-common-subsequence diff between a
// previous snapshot (possibly absent) and new content. Among edit scripts of
// equal length it keeps runs of the same operation together, so changes come
// out as few contiguous hunks. Apply replays hunks onto the previous content
// and reproduces the new content byte for byte.
package diff

import (
	"strings"
	"unicode/utf8"

	"github.com/plyght/amp-acp/errors"
)

// Op is the operation of one diff line, using unified-diff prefixes.
type Op byte

const (
	Equal  Op = ' '
	Delete Op = '-'
	Insert Op = '+'
)

// Line is one line of a hunk. Text keeps its trailing newline when the
// source line had one.
type Line struct {
	Op   Op
	Text string
}

// Hunk is a contiguous block of changes with surrounding context. Start
// lines are 1-based; a zero-length side starts at the line before the hunk.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Rendering is the diff of one file edit.
type Rendering struct {
	Path    string
	NewFile bool
	Hunks   []Hunk
	Added   int
	Removed int
}

// Options tune rendering. Zero values fall back to DefaultOptions.
type Options struct {
	Context  int
	MaxCells int
}

// DefaultOptions uses three lines of context, like diff -u.
var DefaultOptions = Options{Context: 3, MaxCells: 4_000_000}

// Render diffs previous (nil when the file is new) against next.
func Render(path string, previous *string, next string, opts Options) (*Rendering, error) {
	if opts.Context <= 0 {
		opts.Context = DefaultOptions.Context
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = DefaultOptions.MaxCells
	}

	prev := ""
	if previous != nil {
		prev = *previous
	}
	if !utf8.ValidString(prev) {
		return nil, errors.Tag(errors.ErrRender, nil, "%s: previous content is not valid UTF-8", path)
	}
	if !utf8.ValidString(next) {
		return nil, errors.Tag(errors.ErrRender, nil, "%s: new content is not valid UTF-8", path)
	}

	script, err := editScript(splitLines(prev), splitLines(next), opts.MaxCells)
	if err != nil {
		return nil, errors.Tag(errors.ErrRender, err, "%s", path)
	}

	r := &Rendering{Path: path, NewFile: previous == nil}
	for _, l := range script {
		switch l.Op {
		case Insert:
			r.Added++
		case Delete:
			r.Removed++
		}
	}
	r.Hunks = group(script, opts.Context)
	return r, nil
}

// Apply replays hunks onto previous and returns the new content.
func Apply(previous string, hunks []Hunk) (string, error) {
	old := splitLines(previous)
	var out strings.Builder
	pos := 0
	for i, h := range hunks {
		start := h.OldStart - 1
		if h.OldLines == 0 {
			start = h.OldStart
		}
		if start < pos || start > len(old) {
			return "", errors.New("hunk %d starts at old line %d, outside %d..%d", i, h.OldStart, pos, len(old))
		}
		for _, l := range old[pos:start] {
			out.WriteString(l)
		}
		pos = start
		for _, l := range h.Lines {
			switch l.Op {
			case Equal, Delete:
				if pos >= len(old) || old[pos] != l.Text {
					return "", errors.New("hunk %d does not match old line %d", i, pos+1)
				}
				if l.Op == Equal {
					out.WriteString(l.Text)
				}
				pos++
			case Insert:
				out.WriteString(l.Text)
			}
		}
	}
	for _, l := range old[pos:] {
		out.WriteString(l)
	}
	return out.String(), nil
}

// splitLines splits s after every newline. A final line without a newline
// is kept as is.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// editScript returns the full edit script from a to b, equal lines included.
func editScript(a, b []string, maxCells int) ([]Line, error) {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	script := make([]Line, 0, len(a)+len(b)-prefix-suffix)
	for _, l := range a[:prefix] {
		script = append(script, Line{Op: Equal, Text: l})
	}

	am := a[prefix : len(a)-suffix]
	bm := b[prefix : len(b)-suffix]
	mid, err := lcsScript(am, bm, maxCells)
	if err != nil {
		return nil, err
	}
	script = append(script, mid...)

	for _, l := range a[len(a)-suffix:] {
		script = append(script, Line{Op: Equal, Text: l})
	}
	return script, nil
}

// lcsScript walks the suffix LCS table from the top-left corner. When both
// a deletion and an insertion keep the script minimal, it continues the run
// it is already in, deletions first.
func lcsScript(a, b []string, maxCells int) ([]Line, error) {
	n, m := len(a), len(b)
	var out []Line
	if n == 0 || m == 0 {
		for _, l := range a {
			out = append(out, Line{Op: Delete, Text: l})
		}
		for _, l := range b {
			out = append(out, Line{Op: Insert, Text: l})
		}
		return out, nil
	}
	if (n+1)*(m+1) > maxCells {
		return nil, errors.New("diff of %dx%d lines exceeds %d cells", n, m, maxCells)
	}

	w := m + 1
	table := make([]int32, (n+1)*w)
	at := func(i, j int) int32 { return table[i*w+j] }
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				table[i*w+j] = at(i+1, j+1) + 1
			case at(i+1, j) >= at(i, j+1):
				table[i*w+j] = at(i+1, j)
			default:
				table[i*w+j] = at(i, j+1)
			}
		}
	}

	last := Equal
	i, j := 0, 0
	for i < n || j < m {
		if i < n && j < m && a[i] == b[j] {
			out = append(out, Line{Op: Equal, Text: a[i]})
			i, j, last = i+1, j+1, Equal
			continue
		}
		canDelete := i < n && (j == m || at(i+1, j) == at(i, j))
		canInsert := j < m && (i == n || at(i, j+1) == at(i, j))
		if canDelete && (!canInsert || last != Insert) {
			out = append(out, Line{Op: Delete, Text: a[i]})
			i, last = i+1, Delete
			continue
		}
		out = append(out, Line{Op: Insert, Text: b[j]})
		j, last = j+1, Insert
	}
	return out, nil
}

// group cuts the edit script into hunks with ctx lines of context, merging
// hunks whose context would touch.
func group(script []Line, ctx int) []Hunk {
	n := len(script)
	oldAt := make([]int, n+1)
	newAt := make([]int, n+1)
	for k, l := range script {
		oldAt[k+1], newAt[k+1] = oldAt[k], newAt[k]
		if l.Op != Insert {
			oldAt[k+1]++
		}
		if l.Op != Delete {
			newAt[k+1]++
		}
	}

	var hunks []Hunk
	i := 0
	for i < n {
		for i < n && script[i].Op == Equal {
			i++
		}
		if i == n {
			break
		}
		start := max(0, i-ctx)
		end := i
		for {
			for end < n && script[end].Op != Equal {
				end++
			}
			k := end
			for k < n && script[k].Op == Equal {
				k++
			}
			if k < n && k-end <= 2*ctx {
				end = k
				continue
			}
			end = min(n, end+ctx)
			break
		}

		h := Hunk{
			OldStart: oldAt[start] + 1,
			OldLines: oldAt[end] - oldAt[start],
			NewStart: newAt[start] + 1,
			NewLines: newAt[end] - newAt[start],
			Lines:    append([]Line(nil), script[start:end]...),
		}
		if h.OldLines == 0 {
			h.OldStart--
		}
		if h.NewLines == 0 {
			h.NewStart--
		}
		hunks = append(hunks, h)
		i = end
	}
	return hunks
}

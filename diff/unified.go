package diff

import (
	"strconv"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// FileDiff converts the rendering into a go-diff file diff.
func (r *Rendering) FileDiff() *godiff.FileDiff {
	fd := &godiff.FileDiff{
		OrigName: "a/" + r.Path,
		NewName:  "b/" + r.Path,
	}
	if r.NewFile {
		fd.OrigName = "/dev/null"
	}
	for _, h := range r.Hunks {
		fd.Hunks = append(fd.Hunks, toGoDiff(h))
	}
	return fd
}

// Unified prints the rendering as a unified diff. Zero hunks print as "".
func (r *Rendering) Unified() string {
	if len(r.Hunks) == 0 {
		return ""
	}
	out, err := godiff.PrintFileDiff(r.FileDiff())
	if err != nil {
		return ""
	}
	return string(out)
}

func toGoDiff(h Hunk) *godiff.Hunk {
	gh := &godiff.Hunk{
		OrigStartLine: int32(h.OldStart),
		OrigLines:     int32(h.OldLines),
		NewStartLine:  int32(h.NewStart),
		NewLines:      int32(h.NewLines),
	}
	var body []byte
	for _, l := range h.Lines {
		body = append(body, byte(l.Op))
		body = append(body, l.Text...)
		if strings.HasSuffix(l.Text, "\n") {
			continue
		}
		// Only the last line of a side can lack a newline. An old-side line
		// is marked through OrigNoNewlineAt; a new-side line leaves the body
		// unterminated and the printer adds the marker.
		if l.Op == Delete {
			body = append(body, '\n')
			gh.OrigNoNewlineAt = int32(len(body))
		}
	}
	gh.Body = body
	return gh
}

// FirstChangedLine returns the new-file start line of the first hunk in a
// unified diff. Text before the first hunk header (file headers, fences) is
// ignored.
func FirstChangedLine(unified string) (int, bool) {
	i := strings.Index(unified, "@@")
	if i < 0 {
		return 0, false
	}
	hunks, err := godiff.ParseHunks([]byte(unified[i:]))
	if err == nil && len(hunks) > 0 {
		return int(hunks[0].NewStartLine), true
	}
	return parseHunkHeader(unified[i:])
}

// parseHunkHeader reads "+N" out of an "@@ -a,b +N,M @@" header whose body
// does not parse.
func parseHunkHeader(s string) (int, bool) {
	header, _, _ := strings.Cut(s, "\n")
	for _, field := range strings.Fields(header) {
		if !strings.HasPrefix(field, "+") {
			continue
		}
		num, _, _ := strings.Cut(field[1:], ",")
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

package tools

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
)

// PathPolicy decides which file paths are hidden from the client. Hidden
// paths still reach the upstream agent; the bridge only withholds their
// contents from the updates it sends out.
type PathPolicy struct {
	root   string
	hidden []string
}

// NewPathPolicy checks the hidden globs. root is the session working
// directory; absolute paths below it are matched relative to it as well.
func NewPathPolicy(fsAccess config.FilesystemAccess, root string) (*PathPolicy, error) {
	for _, p := range fsAccess.Hidden {
		if !doublestar.ValidatePathPattern(p) {
			return nil, errors.New("invalid glob pattern '%s' in filesystem_access.hidden", p)
		}
	}
	if root != "" {
		root = filepath.Clean(root)
	}
	return &PathPolicy{root: root, hidden: fsAccess.Hidden}, nil
}

// Hidden reports whether path matches a hidden glob.
func (p *PathPolicy) Hidden(path string) bool {
	if p == nil || len(p.hidden) == 0 || path == "" {
		return false
	}
	clean := filepath.Clean(path)
	candidates := []string{clean}
	if p.root != "" && filepath.IsAbs(clean) {
		if rel, err := filepath.Rel(p.root, clean); err == nil && !strings.HasPrefix(rel, "..") {
			candidates = append(candidates, rel)
		}
	}
	for _, c := range candidates {
		hidden, err := matchAny(c, p.hidden, true)
		if err != nil {
			// patterns were validated; treat surprises as hidden
			logx.Log.Warn().Err(err).Str("path", path).Msg("hidden path check failed")
			return true
		}
		if hidden {
			return true
		}
	}
	return false
}

// Package tools routes MCP tool calls from sessions to the configured tool
// servers and classifies the upstream agent's own tools for the client.
package tools

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/errors"
)

// mcpPrefix marks tool names the upstream agent routes to an MCP server:
// mcp__<server>__<tool>.
const mcpPrefix = "mcp__"

var toolKinds = map[string]acp.ToolKind{
	"Bash":              acp.KindExecute,
	"create_file":       acp.KindEdit,
	"edit_file":         acp.KindEdit,
	"undo_edit":         acp.KindEdit,
	"Write":             acp.KindEdit,
	"Edit":              acp.KindEdit,
	"MultiEdit":         acp.KindEdit,
	"finder":            acp.KindSearch,
	"web_search":        acp.KindSearch,
	"glob":              acp.KindExecute,
	"Grep":              acp.KindExecute,
	"mermaid":           acp.KindOther,
	"oracle":            acp.KindThink,
	"Task":              acp.KindThink,
	"todo_read":         acp.KindThink,
	"todo_write":        acp.KindThink,
	"Read":              acp.KindRead,
	"read_mcp_resource": acp.KindFetch,
	"read_web_page":     acp.KindFetch,
}

// editTools produce file edits the bridge renders as diffs.
var editTools = map[string]bool{
	"create_file": true,
	"edit_file":   true,
	"Write":       true,
	"Edit":        true,
	"MultiEdit":   true,
}

// KindFor returns the ACP kind shown for an upstream tool.
func KindFor(name string) acp.ToolKind {
	if strings.HasPrefix(name, mcpPrefix) {
		return acp.KindOther
	}
	if k, ok := toolKinds[name]; ok {
		return k
	}
	return acp.KindOther
}

// IsEditTool reports whether the tool writes a file.
func IsEditTool(name string) bool { return editTools[name] }

// ParseMCPName splits an mcp__<server>__<tool> name. Tool names may contain
// "__" themselves; server names may not.
func ParseMCPName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, mcpPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// matchAny checks if a name matches any of the glob patterns. pathStyle
// selects filepath separators.
func matchAny(name string, patterns []string, pathStyle bool) (bool, error) {
	for _, pattern := range patterns {
		var match bool
		var err error
		if pathStyle {
			match, err = doublestar.PathMatch(pattern, name)
		} else {
			match, err = doublestar.Match(pattern, name)
		}
		if err != nil {
			return false, errors.New("invalid glob pattern '%s': %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

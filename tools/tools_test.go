package tools

import (
	"testing"
	"time"

	"github.com/plyght/amp-acp/acp"
	"github.com/plyght/amp-acp/config"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		name string
		want acp.ToolKind
	}{
		{"Bash", acp.KindExecute},
		{"edit_file", acp.KindEdit},
		{"create_file", acp.KindEdit},
		{"undo_edit", acp.KindEdit},
		{"finder", acp.KindSearch},
		{"web_search", acp.KindSearch},
		{"glob", acp.KindExecute},
		{"Grep", acp.KindExecute},
		{"oracle", acp.KindThink},
		{"todo_write", acp.KindThink},
		{"Read", acp.KindRead},
		{"read_web_page", acp.KindFetch},
		{"mermaid", acp.KindOther},
		{"mcp__fs__read", acp.KindOther},
		{"something_new", acp.KindOther},
	}
	for _, tt := range tests {
		if got := KindFor(tt.name); got != tt.want {
			t.Errorf("KindFor(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParseMCPName(t *testing.T) {
	tests := []struct {
		in           string
		server, tool string
		ok           bool
	}{
		{"mcp__fs__read_file", "fs", "read_file", true},
		{"mcp__gh__list__issues", "gh", "list__issues", true},
		{"mcp__fs", "", "", false},
		{"mcp____read", "", "", false},
		{"Bash", "", "", false},
	}
	for _, tt := range tests {
		server, tool, ok := ParseMCPName(tt.in)
		if server != tt.server || tool != tt.tool || ok != tt.ok {
			t.Errorf("ParseMCPName(%q) = %q, %q, %v", tt.in, server, tool, ok)
		}
	}
}

func TestPathPolicy(t *testing.T) {
	p, err := NewPathPolicy(config.FilesystemAccess{Hidden: []string{"**/.env", "secrets/**", "**/*.pem"}}, "/work/repo")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path   string
		hidden bool
	}{
		{".env", true},
		{"app/.env", true},
		{"/work/repo/.env", true},
		{"/work/repo/secrets/key.txt", true},
		{"certs/server.pem", true},
		{"main.go", false},
		{"/work/repo/main.go", false},
		{"/elsewhere/secrets/key.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.Hidden(tt.path); got != tt.hidden {
			t.Errorf("Hidden(%q) = %v, want %v", tt.path, got, tt.hidden)
		}
	}

	if _, err := NewPathPolicy(config.FilesystemAccess{Hidden: []string{"[bad"}}, ""); err == nil {
		t.Error("expected error for invalid pattern")
	}
	var nilPolicy *PathPolicy
	if nilPolicy.Hidden(".env") {
		t.Error("nil policy hides nothing")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if d := p.NextDelay(1); d != 500*time.Millisecond {
		t.Errorf("NextDelay(1) = %v", d)
	}
	if d := p.NextDelay(3); d != 2*time.Second {
		t.Errorf("NextDelay(3) = %v", d)
	}
	if d := p.NextDelay(20); d != p.MaxDelay {
		t.Errorf("NextDelay(20) = %v, want cap %v", d, p.MaxDelay)
	}
	if p.Exhausted(5) || !p.Exhausted(6) {
		t.Error("Exhausted boundary wrong")
	}

	custom := NewRetryPolicy(config.Reconnect{MaxAttempts: 2, Multiplier: 0.5})
	if custom.MaxAttempts != 2 || custom.Multiplier != 2.0 {
		t.Errorf("NewRetryPolicy = %+v", custom)
	}
}

package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"ALL", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigureWriter(t *testing.T) {
	defer Configure("info", nil)

	var buf bytes.Buffer
	Configure("debug", &buf)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %v", zerolog.GlobalLevel())
	}
	Log.Debug().Str("session", "s1").Msg("hello")
	if !strings.Contains(buf.String(), "hello") || !strings.Contains(buf.String(), "session=s1") {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "web-01.example.com", "web-01.example.com"},
		{"newline injection", "host\n2024/01/01 [vault] unlocked", "host 2024/01/01 [vault] unlocked"},
		{"carriage return and tab", "a\rb\tc", "a b c"},
		{"control chars dropped", "a\x00b\x1bc\x7f", "abc"},
		{"unicode kept", "/home/用户", "/home/用户"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if len(got) != maxLoggedLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("len = %d, suffix %q", len(got), got[len(got)-3:])
	}
}

func TestRedact(t *testing.T) {
	if got := Redact(""); got != "" {
		t.Errorf("Redact(\"\") = %q", got)
	}
	if got := Redact("short"); got != "****" {
		t.Errorf("Redact(short) = %q", got)
	}
	if got := Redact("hunter2-password"); got != "****word" {
		t.Errorf("Redact(long) = %q", got)
	}
}

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHELLPORT_DATA_PATH", dir)
	t.Setenv("SHELLPORT_PUMP_IDLE", "25ms")

	Load()

	if Cfg.DatabasePath != filepath.Join(dir, "shellport.db") {
		t.Errorf("DatabasePath = %q", Cfg.DatabasePath)
	}
	if Cfg.LogPath != filepath.Join(dir, "shellport.log") {
		t.Errorf("LogPath = %q", Cfg.LogPath)
	}
	if Cfg.PumpIdle != 25*time.Millisecond {
		t.Errorf("PumpIdle = %v, want 25ms", Cfg.PumpIdle)
	}
	if Cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", Cfg.ConnectTimeout)
	}
}

func TestTextReadLimitBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"5MiB", 5 * 1024 * 1024},
		{"1k", 1024},
		{"garbage", 5 * 1024 * 1024},
		{"0", 5 * 1024 * 1024},
	}
	for _, tt := range tests {
		s := Settings{TextReadLimit: tt.in}
		if got := s.TextReadLimitBytes(); got != tt.want {
			t.Errorf("TextReadLimitBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

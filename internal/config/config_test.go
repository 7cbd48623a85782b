package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.URL == "" {
		t.Error("no default server URL")
	}
	if cfg.Client.Name != "cdevmon" {
		t.Errorf("client name = %q", cfg.Client.Name)
	}
	if cfg.Client.CallTimeout.Std() != 30*time.Second {
		t.Errorf("call timeout = %v", cfg.Client.CallTimeout.Std())
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
url = "wss://dev.example.com/ws"

[client]
call_timeout = "5s"
runtime = "codex"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "wss://dev.example.com/ws" {
		t.Errorf("url = %q", cfg.Server.URL)
	}
	if cfg.Client.CallTimeout.Std() != 5*time.Second {
		t.Errorf("call timeout = %v", cfg.Client.CallTimeout.Std())
	}
	if cfg.Client.Runtime != "codex" {
		t.Errorf("runtime = %q", cfg.Client.Runtime)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Client.Name != "cdevmon" {
		t.Errorf("client name = %q", cfg.Client.Name)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != Default().Server.URL {
		t.Errorf("url = %q", cfg.Server.URL)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("server = {"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("bad TOML accepted")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[client]\ncall_timeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("CDEV_SERVER_URL", "wss://env.example.com/ws")
	t.Setenv("CDEV_CALL_TIMEOUT", "2s")
	t.Setenv("CDEV_LOG_LEVEL", "warn")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.URL != "wss://env.example.com/ws" {
		t.Errorf("url = %q", cfg.Server.URL)
	}
	if cfg.Client.CallTimeout.Std() != 2*time.Second {
		t.Errorf("call timeout = %v", cfg.Client.CallTimeout.Std())
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	// Untouched fields pass through.
	if cfg.Client.Name != "cdevmon" {
		t.Errorf("client name = %q", cfg.Client.Name)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("CDEV_CALL_TIMEOUT", "whenever")
	if _, err := ApplyEnv(Default()); err == nil {
		t.Fatal("bad env duration accepted")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// Package config loads cdevmon settings. Precedence, lowest to highest:
// built-in defaults, an optional TOML file, CDEV_* environment variables.
// Command-line flags sit on top and are handled by the binary.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration accepts TOML strings like "45s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Client  ClientConfig  `toml:"client"`
	Secrets SecretsConfig `toml:"secrets"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	// URL is the WebSocket endpoint; http(s) forms are accepted too.
	URL string `toml:"url"`
	// APIBase overrides the auth endpoint base derived from URL.
	APIBase string `toml:"api_base"`
}

type ClientConfig struct {
	Name        string   `toml:"name"`
	DeviceName  string   `toml:"device_name"`
	Runtime     string   `toml:"runtime"`
	CallTimeout Duration `toml:"call_timeout"`
}

type SecretsConfig struct {
	// DBPath is the SQLite file holding token pairs. Empty selects the
	// in-memory store (tokens lost on exit).
	DBPath string `toml:"db_path"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()
	return Config{
		Server: ServerConfig{
			URL: "ws://127.0.0.1:18080/ws",
		},
		Client: ClientConfig{
			Name:        "cdevmon",
			DeviceName:  hostname,
			CallTimeout: Duration(30 * time.Second),
		},
		Secrets: SecretsConfig{
			DBPath: filepath.Join(home, ".cdev", "secrets.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath is where cdevmon looks for its config file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cdev.toml"
	}
	return filepath.Join(home, ".cdev", "config.toml")
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; the defaults come back unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv layers CDEV_* environment variables over cfg.
func ApplyEnv(cfg Config) (Config, error) {
	cfg.Server.URL = getenv("CDEV_SERVER_URL", cfg.Server.URL)
	cfg.Server.APIBase = getenv("CDEV_API_BASE", cfg.Server.APIBase)
	cfg.Client.Name = getenv("CDEV_CLIENT_NAME", cfg.Client.Name)
	cfg.Client.DeviceName = getenv("CDEV_DEVICE_NAME", cfg.Client.DeviceName)
	cfg.Client.Runtime = getenv("CDEV_RUNTIME", cfg.Client.Runtime)
	cfg.Secrets.DBPath = getenv("CDEV_SECRETS_DB", cfg.Secrets.DBPath)
	cfg.Log.Level = getenv("CDEV_LOG_LEVEL", cfg.Log.Level)
	if v := os.Getenv("CDEV_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("CDEV_CALL_TIMEOUT: %w", err)
		}
		cfg.Client.CallTimeout = Duration(d)
	}
	return cfg, nil
}

// ParseLevel maps a config string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}

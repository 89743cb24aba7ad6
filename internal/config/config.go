// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Spindle coordination server.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/spindle/internal/room"
)

// LogLevel controls log verbosity for the Spindle server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog levels. Unknown values fall back to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration is a time.Duration that unmarshals from strings like "45s",
// both in YAML and in environment variable overrides.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"45s\", got %q", value.Value)
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration structure for Spindle.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// individual values can be overridden through the environment variables
// named in the field tags.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Rooms  RoomsConfig  `yaml:"rooms"`
}

// ServerConfig holds network and logging settings for the Spindle server.
type ServerConfig struct {
	// Name identifies this instance in invite tokens and logs.
	Name string `yaml:"name" env:"SPINDLE_SERVER_NAME"`

	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"SPINDLE_LISTEN_ADDR"`

	// PublicURL is the HTTP base clients reach this server under. Track
	// links handed to clients are minted relative to it.
	PublicURL string `yaml:"public_url" env:"SPINDLE_PUBLIC_URL"`

	// WSURL is the websocket endpoint handed out in invites. Derived from
	// PublicURL when empty.
	WSURL string `yaml:"ws_url" env:"SPINDLE_WS_URL"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"SPINDLE_LOG_LEVEL"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig holds token signing and handshake policy.
type AuthConfig struct {
	// Secret signs invite and session tokens. Keep it out of config files
	// in production and set JWT_SECRET instead.
	Secret string `yaml:"secret" env:"JWT_SECRET"`

	// Window bounds how long a fresh connection may stay unauthenticated
	// before the server hangs up.
	Window Duration `yaml:"window" env:"SPINDLE_AUTH_WINDOW"`
}

// RoomsConfig tunes the per-room timing policy.
type RoomsConfig struct {
	// SkipDelay is the grace period between a passing skip vote and the
	// track actually ending.
	SkipDelay Duration `yaml:"skip_delay" env:"SPINDLE_SKIP_DELAY"`

	// RemovalDelay is how long an empty room lingers before it is removed.
	RemovalDelay Duration `yaml:"removal_delay" env:"SPINDLE_REMOVAL_DELAY"`

	// StartLead is how far in the future published tracks are scheduled,
	// giving every client time to buffer before playback starts.
	StartLead Duration `yaml:"start_lead" env:"SPINDLE_START_LEAD"`
}

// Timings converts the room policy into the room package's form.
func (r RoomsConfig) Timings() room.Timings {
	return room.Timings{
		SkipDelay:    r.SkipDelay.Std(),
		RemovalDelay: r.RemovalDelay.Std(),
		StartLead:    r.StartLead.Std(),
	}
}

// TrackBase returns the public base URL with a trailing slash, the form the
// track registry mints URLs from.
func (c *Config) TrackBase() string {
	base := c.Server.PublicURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for values left unset.
const (
	DefaultListenAddr   = ":8080"
	DefaultAuthWindow   = 5 * time.Second
	DefaultSkipDelay    = 5 * time.Second
	DefaultRemovalDelay = 45 * time.Second
	DefaultStartLead    = 5 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset value so the rest of the program never
// needs fallbacks of its own.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "spindle"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.PublicURL == "" {
		host := cfg.Server.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		cfg.Server.PublicURL = "http://" + host
	}
	cfg.Server.PublicURL = strings.TrimSuffix(cfg.Server.PublicURL, "/")
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = deriveWSURL(cfg.Server.PublicURL)
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Auth.Window == 0 {
		cfg.Auth.Window = Duration(DefaultAuthWindow)
	}
	if cfg.Rooms.SkipDelay == 0 {
		cfg.Rooms.SkipDelay = Duration(DefaultSkipDelay)
	}
	if cfg.Rooms.RemovalDelay == 0 {
		cfg.Rooms.RemovalDelay = Duration(DefaultRemovalDelay)
	}
	if cfg.Rooms.StartLead == 0 {
		cfg.Rooms.StartLead = Duration(DefaultStartLead)
	}
}

// deriveWSURL maps the public HTTP base onto its websocket endpoint.
func deriveWSURL(publicURL string) string {
	ws := publicURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL))
	}
	if u, err := url.Parse(cfg.Server.WSURL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("server.ws_url %q must be an absolute ws(s) URL", cfg.Server.WSURL))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required; set it in the config file or through JWT_SECRET"))
	} else if len(cfg.Auth.Secret) < 16 {
		slog.Warn("auth.secret is short; tokens are only as strong as the secret", "length", len(cfg.Auth.Secret))
	}
	if cfg.Auth.Window.Std() <= 0 {
		errs = append(errs, fmt.Errorf("auth.window %s must be positive", cfg.Auth.Window.Std()))
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"rooms.skip_delay", cfg.Rooms.SkipDelay},
		{"rooms.removal_delay", cfg.Rooms.RemovalDelay},
		{"rooms.start_lead", cfg.Rooms.StartLead},
	} {
		if d.value.Std() <= 0 {
			errs = append(errs, fmt.Errorf("%s %s must be positive", d.name, d.value.Std()))
		}
	}

	return errors.Join(errs...)
}

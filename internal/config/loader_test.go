package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/spindle/internal/config"
)

const sampleYAML = `
server:
  name: den-of-wax
  listen_addr: ":9090"
  public_url: https://spindle.example.com
  log_level: debug

auth:
  secret: correct-horse-battery-staple
  window: 10s

rooms:
  skip_delay: 3s
  removal_delay: 90s
  start_lead: 2s
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Name != "den-of-wax" {
		t.Errorf("server.name: got %q, want %q", cfg.Server.Name, "den-of-wax")
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.WSURL != "wss://spindle.example.com/ws" {
		t.Errorf("derived ws url: got %q, want %q", cfg.Server.WSURL, "wss://spindle.example.com/ws")
	}
	if cfg.TrackBase() != "https://spindle.example.com/" {
		t.Errorf("track base: got %q, want %q", cfg.TrackBase(), "https://spindle.example.com/")
	}
	if cfg.Auth.Window.Std() != 10*time.Second {
		t.Errorf("auth.window: got %s, want 10s", cfg.Auth.Window.Std())
	}
	timings := cfg.Rooms.Timings()
	if timings.SkipDelay != 3*time.Second || timings.RemovalDelay != 90*time.Second || timings.StartLead != 2*time.Second {
		t.Errorf("rooms timings: got %+v", timings)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("auth:\n  secret: correct-horse-battery-staple\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Name != "spindle" {
		t.Errorf("default name: got %q, want %q", cfg.Server.Name, "spindle")
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("default listen addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.PublicURL != "http://localhost:8080" {
		t.Errorf("default public url: got %q, want %q", cfg.Server.PublicURL, "http://localhost:8080")
	}
	if cfg.Server.WSURL != "ws://localhost:8080/ws" {
		t.Errorf("default ws url: got %q, want %q", cfg.Server.WSURL, "ws://localhost:8080/ws")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Auth.Window.Std() != config.DefaultAuthWindow {
		t.Errorf("default auth window: got %s, want %s", cfg.Auth.Window.Std(), config.DefaultAuthWindow)
	}
	if cfg.Rooms.SkipDelay.Std() != config.DefaultSkipDelay {
		t.Errorf("default skip delay: got %s, want %s", cfg.Rooms.SkipDelay.Std(), config.DefaultSkipDelay)
	}
	if cfg.Rooms.RemovalDelay.Std() != config.DefaultRemovalDelay {
		t.Errorf("default removal delay: got %s, want %s", cfg.Rooms.RemovalDelay.Std(), config.DefaultRemovalDelay)
	}
	if cfg.Rooms.StartLead.Std() != config.DefaultStartLead {
		t.Errorf("default start lead: got %s, want %s", cfg.Rooms.StartLead.Std(), config.DefaultStartLead)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := "server:\n  listen_address: \":8080\"\nauth:\n  secret: correct-horse-battery-staple\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for the misspelled field")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	yaml := "auth:\n  secret: correct-horse-battery-staple\nrooms:\n  skip_delay: soon\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestLoadFromReader_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("got %v, want an error mentioning auth.secret", err)
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "league-of-beat-droppers")
	t.Setenv("SPINDLE_LOG_LEVEL", "warn")
	t.Setenv("SPINDLE_SKIP_DELAY", "1s")

	// The file says debug; the environment wins.
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.Secret != "league-of-beat-droppers" {
		t.Errorf("secret: got %q, want the environment value", cfg.Auth.Secret)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level: got %q, want %q", cfg.Server.LogLevel, config.LogWarn)
	}
	if cfg.Rooms.SkipDelay.Std() != time.Second {
		t.Errorf("skip delay: got %s, want 1s", cfg.Rooms.SkipDelay.Std())
	}
	// Values without overrides keep their file form.
	if cfg.Server.Name != "den-of-wax" {
		t.Errorf("name: got %q, want the file value", cfg.Server.Name)
	}
}

func TestLoadFromReader_EnvOnly(t *testing.T) {
	t.Setenv("JWT_SECRET", "league-of-beat-droppers")

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.Secret != "league-of-beat-droppers" {
		t.Errorf("secret: got %q, want the environment value", cfg.Auth.Secret)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen addr: got %q, want the default", cfg.Server.ListenAddr)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spindle.yml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Name != "den-of-wax" {
		t.Errorf("server.name: got %q, want %q", cfg.Server.Name, "den-of-wax")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Fatalf("got %v, want an open error", err)
	}
}

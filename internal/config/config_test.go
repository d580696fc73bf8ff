package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SKOLAR_TOKEN_SECRET", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Token.TTL != 24*time.Hour {
		t.Fatalf("ttl = %v", cfg.Token.TTL)
	}
	if cfg.Token.Secret != "from-env" {
		t.Fatalf("secret = %q, env override lost", cfg.Token.Secret)
	}
	if cfg.RateLimit.MaxFailures != 5 || cfg.OTP.MaxAttempts != 5 {
		t.Fatal("limiter defaults wrong")
	}
}

func TestLoadFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9090"
token:
  secret: file-secret
  ttl: 1h
  refresh_window: 48h
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SKOLAR_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr = %q, env must override file", cfg.Server.Addr)
	}
	if cfg.Token.Secret != "file-secret" || cfg.Token.TTL != time.Hour {
		t.Fatalf("file values lost: %+v", cfg.Token)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Janitor.Interval != 10*time.Minute {
		t.Fatalf("janitor interval = %v", cfg.Janitor.Interval)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("SKOLAR_TOKEN_SECRET", "")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "token secret") {
		t.Fatalf("err = %v, want missing-secret error", err)
	}
}

func TestLoadRefreshWindowShorterThanTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
token:
  secret: s
  ttl: 24h
  refresh_window: 1h
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected read error for explicit missing path")
	}
}

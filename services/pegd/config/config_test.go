package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pegd.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file to exist: %v", err)
	}
	if cfg.ListenAddress != ":7180" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Pair.Base != "JOULE" || cfg.Pair.Quote != "USD" {
		t.Fatalf("unexpected pair %+v", cfg.Pair)
	}
	if len(cfg.Sources) == 0 {
		t.Fatalf("expected default source")
	}
	if cfg.Oracle.PollInterval.Duration != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Oracle.PollInterval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pegd.toml")
	body := "Listen = \":7180\"\nBogus = true\n\n[[Sources]]\nName = \"test\"\nURL = \"http://example.com\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadRejectsDuplicateSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pegd.toml")
	body := "[[Sources]]\nName = \"feed\"\nURL = \"http://a.example.com\"\n\n[[Sources]]\nName = \"Feed\"\nURL = \"http://b.example.com\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate source error")
	}
}

func TestLoadParsesDurationsAndSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pegd.toml")
	body := `
[Oracle]
PollInterval = "15s"
EvaluateInterval = "45s"
MinFeeds = 2

[[Sources]]
Name = "feed"
URL = "http://example.com"
RatePerMinute = 10.0
Burst = 2

[API]
TimestampSkew = "90s"
[API.Secrets]
ops = "super-secret"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.PollInterval.Duration != 15*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Oracle.PollInterval)
	}
	if cfg.Oracle.EvaluateInterval.Duration != 45*time.Second {
		t.Fatalf("unexpected evaluate interval %s", cfg.Oracle.EvaluateInterval)
	}
	if cfg.Oracle.MinFeeds != 2 {
		t.Fatalf("unexpected min feeds %d", cfg.Oracle.MinFeeds)
	}
	if cfg.API.TimestampSkew.Duration != 90*time.Second {
		t.Fatalf("unexpected skew %s", cfg.API.TimestampSkew)
	}
	if cfg.API.Secrets["ops"] != "super-secret" {
		t.Fatalf("unexpected secrets %+v", cfg.API.Secrets)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	var c Config
	c.Normalize()

	if c.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q", c.Listen)
	}
	if c.Timezone != "America/Denver" {
		t.Errorf("Timezone = %q", c.Timezone)
	}
	if c.DigestDays != 14 {
		t.Errorf("DigestDays = %d", c.DigestDays)
	}
	if c.WindowDays != 366 {
		t.Errorf("WindowDays = %d", c.WindowDays)
	}
	if c.DigestCron == "" {
		t.Error("DigestCron not defaulted")
	}
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "gathercal.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "America/Denver" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file perms = %o, want 600", perm)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gathercal.yaml")

	cfg := DefaultConfig()
	cfg.Timezone = "America/Chicago"
	cfg.DigestDays = 30
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Timezone != "America/Chicago" {
		t.Errorf("Timezone = %q", loaded.Timezone)
	}
	if loaded.DigestDays != 30 {
		t.Errorf("DigestDays = %d", loaded.DigestDays)
	}
	if loaded.BasicAuth == nil || loaded.BasicAuth.Username != "admin" {
		t.Errorf("BasicAuth = %+v", loaded.BasicAuth)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("expected error for empty path")
	}
}

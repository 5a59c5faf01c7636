package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, path string, cfg *Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newTestManager(t *testing.T, cfg *Config) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigFile(t, path, cfg)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return m
}

func TestReloadRejectsInvalidAndKeepsCommitted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, validConfig())
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	bad := validConfig()
	bad.Storage.Path = ""
	writeConfigFile(t, m.path, bad)
	m.reload(context.Background())

	if got := m.Get().Storage.Path; got != "./cellarsight.db" {
		t.Fatalf("Storage.Path = %q, want previously committed value", got)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg)
	default:
	}
}

func TestReloadPublishesValidChangeOnce(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, validConfig())
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	next := validConfig()
	next.Scheduler.TickInterval = "30s"
	next.Scheduler.SuppressionWindow = "2m"
	writeConfigFile(t, m.path, next)
	m.reload(context.Background())

	select {
	case got := <-sub:
		if got.Scheduler.TickInterval != "30s" {
			t.Fatalf("published TickInterval = %q, want 30s", got.Scheduler.TickInterval)
		}
	default:
		t.Fatal("valid change was not published")
	}
	if got := m.Get().Scheduler.TickInterval; got != "30s" {
		t.Fatalf("Get().Scheduler.TickInterval = %q, want 30s", got)
	}

	// Same content again: the hash check suppresses a second publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config was republished")
	default:
	}
}

func TestReloadValidatorHookRejects(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, validConfig())
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return errors.New("downstream refused")
	})

	next := validConfig()
	next.Scheduler.Timezone = "UTC"
	writeConfigFile(t, m.path, next)
	m.reload(context.Background())

	if got := m.Get().Scheduler.Timezone; got != "America/Los_Angeles" {
		t.Fatalf("Timezone = %q, want previously committed value", got)
	}
	select {
	case <-sub:
		t.Fatal("config rejected by validator was published")
	default:
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"path":"a.db"},"surprise":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseYAMLFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "storage:\n  path: ./cellarsight.db\nscheduler:\n  enabled: true\n  timezone: UTC\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Storage.Path != "./cellarsight.db" || !cfg.Scheduler.Enabled {
		t.Fatalf("Parse() = %+v", cfg)
	}
}

func TestParseRejectsNonStringYAMLKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  1: oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected non-string key error")
	}
}

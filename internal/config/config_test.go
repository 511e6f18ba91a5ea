package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadParsesTopLevelFields(t *testing.T) {
	path := writeTempConfig(t, `
name: test-broker
version: 0.1.0
server:
  name: default
  port: "1883"
database:
  path: ./store/store.db
security:
  per_listener_settings: false
  check_retain_source: true
  upgrade_outgoing_qos: true
  deny_special_chars: true
plugins:
  - path: acl_plugin
    options:
      ruleset: strict
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "test-broker" {
		t.Fatalf("expected name %q, got %q", "test-broker", cfg.Name)
	}
	if cfg.Server.Port != "1883" {
		t.Fatalf("expected port 1883, got %q", cfg.Server.Port)
	}
	if !cfg.Security.CheckRetainSource || !cfg.Security.UpgradeOutgoingQoS {
		t.Fatal("expected both security flags to be true")
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0].Options["ruleset"] != "strict" {
		t.Fatalf("expected one plugin with ruleset=strict, got %+v", cfg.Plugins)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestSecurityForFallsBackToTopLevelWhenPerListenerDisabled(t *testing.T) {
	cfg := &Config{
		Security: SecurityOptions{PerListenerSettings: false, CheckRetainSource: true},
	}
	listener := ListenerConfig{
		Name:     "bridge",
		Security: &SecurityOptions{CheckRetainSource: false},
	}

	got := cfg.SecurityFor(listener)
	if !got.CheckRetainSource {
		t.Fatal("expected the top-level security options when per_listener_settings is disabled")
	}
}

func TestSecurityForUsesListenerOverrideWhenEnabled(t *testing.T) {
	cfg := &Config{
		Security: SecurityOptions{PerListenerSettings: true, CheckRetainSource: true},
	}
	listener := ListenerConfig{
		Name:     "bridge",
		Security: &SecurityOptions{CheckRetainSource: false},
	}

	got := cfg.SecurityFor(listener)
	if got.CheckRetainSource {
		t.Fatal("expected the listener's override to win when per_listener_settings is enabled")
	}
}

func TestPluginsForFallsBackToTopLevelWhenPerListenerDisabled(t *testing.T) {
	cfg := &Config{
		Security: SecurityOptions{PerListenerSettings: false},
		Plugins:  []PluginConfig{{Path: "global"}},
	}
	listener := ListenerConfig{Plugins: []PluginConfig{{Path: "per-listener"}}}

	got := cfg.PluginsFor(listener)
	if len(got) != 1 || got[0].Path != "global" {
		t.Fatalf("expected the global plugin chain, got %+v", got)
	}
}

func TestPluginsForUsesListenerOverrideWhenEnabled(t *testing.T) {
	cfg := &Config{
		Security: SecurityOptions{PerListenerSettings: true},
		Plugins:  []PluginConfig{{Path: "global"}},
	}
	listener := ListenerConfig{Plugins: []PluginConfig{{Path: "per-listener"}}}

	got := cfg.PluginsFor(listener)
	if len(got) != 1 || got[0].Path != "per-listener" {
		t.Fatalf("expected the listener plugin chain, got %+v", got)
	}
}

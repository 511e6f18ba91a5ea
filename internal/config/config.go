// Package config loads the broker's YAML configuration file, the way the
// teacher's cmd/goqtt/main.go used to inline before the core grew a
// security/plugin surface worth its own file.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document read from config.yml.
type Config struct {
	Name      string           `yaml:"name"`
	Version   string           `yaml:"version"`
	Server    Server           `yaml:"server"`
	Database  Database         `yaml:"database"`
	Security  SecurityOptions  `yaml:"security"`
	Plugins   []PluginConfig   `yaml:"plugins"`
	Listeners []ListenerConfig `yaml:"listeners"`
}

// Server describes the default (non per-listener) TCP listener.
type Server struct {
	Port string `yaml:"port"`
	Name string `yaml:"name"`
}

// Database points at the sqlite file backing the default ACL/credential
// authorizer.
type Database struct {
	Path string `yaml:"path"`
}

// SecurityOptions carries the broker-wide knobs spec §6's configuration
// surface names: per_listener_settings, check_retain_source,
// upgrade_outgoing_qos, deny_special_chars.
type SecurityOptions struct {
	PerListenerSettings bool `yaml:"per_listener_settings"`
	CheckRetainSource   bool `yaml:"check_retain_source"`
	UpgradeOutgoingQoS  bool `yaml:"upgrade_outgoing_qos"`
	DenySpecialChars    bool `yaml:"deny_special_chars"`
}

// PluginConfig is one entry of the ordered authorizer-plugin chain: a
// registered path (resolved by pluginhost.Loader, not a filesystem path —
// see the Design Note on plugin hosting without dlopen) plus its declared
// option list.
type PluginConfig struct {
	Path             string            `yaml:"path"`
	Options          map[string]string `yaml:"options"`
	DenySpecialChars bool              `yaml:"deny_special_chars"`
}

// ListenerConfig overrides SecurityOptions and the plugin chain for one
// listener when PerListenerSettings is true; otherwise only Name/Port are
// consulted and the top-level Security/Plugins apply to every listener.
type ListenerConfig struct {
	Name     string           `yaml:"name"`
	Port     string           `yaml:"port"`
	Security *SecurityOptions `yaml:"security"`
	Plugins  []PluginConfig   `yaml:"plugins"`
}

// Load reads and parses path as a YAML config document.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SecurityFor resolves the effective SecurityOptions for a listener,
// honoring PerListenerSettings the way spec §6 describes.
func (c *Config) SecurityFor(listener ListenerConfig) SecurityOptions {
	if c.Security.PerListenerSettings && listener.Security != nil {
		return *listener.Security
	}
	return c.Security
}

// PluginsFor resolves the effective plugin chain for a listener.
func (c *Config) PluginsFor(listener ListenerConfig) []PluginConfig {
	if c.Security.PerListenerSettings && listener.Plugins != nil {
		return listener.Plugins
	}
	return c.Plugins
}

// Package config handles user configuration for the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/meta"
	"gopkg.in/yaml.v3"
)

// Config holds user configuration loaded from ~/.pinstall/config.yaml.
type Config struct {
	// Output is the default output format (table, json, yaml).
	Output string `yaml:"output"`

	// Timeout bounds a whole install batch.
	Timeout string `yaml:"timeout"`

	// FetchTimeout bounds one fetch+extract+store attempt.
	FetchTimeout string `yaml:"fetch_timeout"`

	// Concurrency limits parallel installs within one batch.
	Concurrency int `yaml:"concurrency"`

	// CacheDir is the shared package cache. Empty means ~/.pinstall/cache.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// JobsDir holds per-job module directories. Empty means ~/.pinstall/jobs.
	JobsDir string `yaml:"jobs_dir,omitempty"`

	// RegistryURL is the npm style tarball registry.
	RegistryURL string `yaml:"registry_url"`

	// RegistryToken is sent as a bearer token to RegistryURL.
	RegistryToken string `yaml:"registry_token,omitempty"`

	// DefaultRegistry is the OCI registry prefix for WASM plugins. When set,
	// packages missing from the tarball registry are looked up as
	// "<default_registry>/<name>:<version>".
	DefaultRegistry string `yaml:"default_registry,omitempty"`

	// PackagesDir holds local <name>-<version>.tgz archives that take
	// precedence over every registry.
	PackagesDir string `yaml:"packages_dir,omitempty"`

	// RequireSigning controls whether OCI plugins must have valid cosign signatures.
	RequireSigning bool `yaml:"require_signing"`

	// Quiet suppresses all output except exit code.
	Quiet bool `yaml:"quiet"`

	// NATSURL, when set, publishes install events to a NATS server.
	NATSURL string `yaml:"nats_url,omitempty"`

	// NATSSubject prefixes the published event subjects.
	NATSSubject string `yaml:"nats_subject,omitempty"`

	// PluginSets names reusable lists of plugins.
	// Example: {"auth": {"plugins": ["@amplication/plugin-auth-jwt@2.1.3"]}}
	PluginSets map[string]PluginSet `yaml:"plugin_sets,omitempty"`
}

// PluginSet is a named list of name@version descriptors.
type PluginSet struct {
	Description string   `yaml:"description"`
	Plugins     []string `yaml:"plugins"`
}

// Descriptors parses the set's plugins.
func (s PluginSet) Descriptors() ([]install.Descriptor, error) {
	out := make([]install.Descriptor, 0, len(s.Plugins))
	for _, p := range s.Plugins {
		d, err := install.ParseDescriptor(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Output:       "table",
		Timeout:      "10m",
		FetchTimeout: install.DefaultFetchTimeout.String(),
		Concurrency:  install.DefaultConcurrency,
		RegistryURL:  "https://registry.npmjs.org",
		NATSSubject:  meta.AppName + ".events",
	}
}

// Load reads configuration from the given path.
// Returns DefaultConfig if the file doesn't exist.
// Returns an error only if the file exists but is malformed.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the default config file path.
// ~/.pinstall/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfigDir returns the default config directory.
// ~/.pinstall/
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+meta.AppName)
	}
	return filepath.Join(home, "."+meta.AppName)
}

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Environment variables (higher priority than config file):
//   - PINSTALL_OUTPUT: default output format
//   - PINSTALL_TIMEOUT: batch timeout
//   - PINSTALL_FETCH_TIMEOUT: per-fetch timeout
//   - PINSTALL_CONCURRENCY: parallel installs per batch
//   - PINSTALL_CACHE_DIR, PINSTALL_JOBS_DIR, PINSTALL_PACKAGES_DIR
//   - PINSTALL_REGISTRY_URL, PINSTALL_REGISTRY_TOKEN
//   - PINSTALL_DEFAULT_REGISTRY: OCI registry prefix
//   - PINSTALL_NATS_URL
func (c *Config) ApplyEnvOverrides() {
	prefix := strings.ToUpper(meta.AppName) + "_"
	strs := map[string]*string{
		"OUTPUT":           &c.Output,
		"TIMEOUT":          &c.Timeout,
		"FETCH_TIMEOUT":    &c.FetchTimeout,
		"CACHE_DIR":        &c.CacheDir,
		"JOBS_DIR":         &c.JobsDir,
		"PACKAGES_DIR":     &c.PackagesDir,
		"REGISTRY_URL":     &c.RegistryURL,
		"REGISTRY_TOKEN":   &c.RegistryToken,
		"DEFAULT_REGISTRY": &c.DefaultRegistry,
		"NATS_URL":         &c.NATSURL,
	}
	for name, field := range strs {
		if v := os.Getenv(prefix + name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv(prefix + "CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency = n
		}
	}
}

// reservedSetNames are command names a plugin set may not shadow.
var reservedSetNames = map[string]bool{
	"install":    true,
	"cache":      true,
	"sets":       true,
	"completion": true,
	"version":    true,
	"help":       true,
}

// Validate checks durations, limits and plugin sets.
func (c *Config) Validate() error {
	var errs []error
	switch c.Output {
	case "table", "json", "yaml", "quiet":
	default:
		errs = append(errs, fmt.Errorf("output: unknown format %q", c.Output))
	}
	if _, err := c.BatchTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FetchTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency: must not be negative, got %d", c.Concurrency))
	}
	if err := c.ValidatePluginSets(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidatePluginSets rejects sets named after built-in commands or listing
// malformed descriptors.
func (c *Config) ValidatePluginSets() error {
	var errs []error
	for _, name := range c.PluginSetNames() {
		if name == "" || reservedSetNames[name] {
			errs = append(errs, fmt.Errorf("plugin set name %q conflicts with built-in command", name))
			continue
		}
		if _, err := c.PluginSets[name].Descriptors(); err != nil {
			errs = append(errs, fmt.Errorf("plugin set %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PluginSetNames returns the configured set names in sorted order.
func (c *Config) PluginSetNames() []string {
	names := make([]string, 0, len(c.PluginSets))
	for name := range c.PluginSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BatchTimeout parses Timeout. Zero means no batch deadline.
func (c *Config) BatchTimeout() (time.Duration, error) {
	return parseDuration("timeout", c.Timeout)
}

// FetchTimeoutDuration parses FetchTimeout. Zero means the install default.
func (c *Config) FetchTimeoutDuration() (time.Duration, error) {
	return parseDuration("fetch_timeout", c.FetchTimeout)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %s", field, v)
	}
	return d, nil
}

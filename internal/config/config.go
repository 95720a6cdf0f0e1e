// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// rigrun-assist.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.rigrun-assist/config.toml
//   - ~/.rigrun-assist/config.json
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-assist/internal/governor"
	"github.com/jeranaias/rigrun-assist/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-assist configuration.
type Config struct {
	// Enabled controls whether the governor accepts triggers at all.
	Enabled bool `toml:"enabled" json:"enabled"`
	// Backend selects the model backend: "ollama" or "openrouter"
	Backend string `toml:"backend" json:"backend"`

	// Governor tuning
	Governor GovernorConfig `toml:"governor" json:"governor"`

	// Local (Ollama) configuration
	Local LocalConfig `toml:"local" json:"local"`

	// Cloud (OpenRouter) configuration
	Cloud CloudConfig `toml:"cloud" json:"cloud"`

	// Cache configuration
	Cache CacheConfig `toml:"cache" json:"cache"`

	// Control server configuration
	Server ServerConfig `toml:"server" json:"server"`

	// Telemetry configuration
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// GovernorConfig tunes the request governance pipeline.
type GovernorConfig struct {
	// DebounceMs is the burst-collapsing window per document.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`
	// CooldownMs is the minimum spacing after a completed call per document.
	CooldownMs int `toml:"cooldown_ms" json:"cooldown_ms"`
	// MaxRequestsPerMinute caps backend calls in any rolling 60s window.
	MaxRequestsPerMinute int `toml:"max_requests_per_minute" json:"max_requests_per_minute"`
	// MaxConcurrent bounds concurrent backend calls across documents.
	MaxConcurrent int `toml:"max_concurrent" json:"max_concurrent"`
	// RequestTimeoutMs bounds a single backend call.
	RequestTimeoutMs int `toml:"request_timeout_ms" json:"request_timeout_ms"`
	// SupersedePolicy is "supersede" (cancel the stale pending request) or
	// "drop" (keep it and drop the new trigger).
	SupersedePolicy string `toml:"supersede_policy" json:"supersede_policy"`
	// Strategy is "smart" (classifier-gated) or "rate-window" (legacy).
	Strategy string `toml:"strategy" json:"strategy"`
	// RejectionThreshold is the consecutive-rejection count beyond which a
	// signature is suppressed.
	RejectionThreshold int `toml:"rejection_threshold" json:"rejection_threshold"`
	// SuppressionBaseSecs is the first suppression window; doubles per extra
	// rejection.
	SuppressionBaseSecs int `toml:"suppression_base_secs" json:"suppression_base_secs"`
	// SuppressionMaxSecs caps the suppression window.
	SuppressionMaxSecs int `toml:"suppression_max_secs" json:"suppression_max_secs"`
	// MaxTokens caps the generated completion length.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
}

// LocalConfig contains local Ollama configuration.
type LocalConfig struct {
	// OllamaURL is the URL of the Ollama server
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	// OllamaModel is the model to use with Ollama
	OllamaModel string `toml:"ollama_model" json:"ollama_model"`
	// TimeoutSecs bounds a single Ollama request
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// CloudConfig contains cloud provider (OpenRouter) configuration.
type CloudConfig struct {
	// OpenRouterKey is the OpenRouter API key
	OpenRouterKey string `toml:"openrouter_key" json:"openrouter_key"`
	// Model is the cloud model to use; empty means auto-routing
	Model string `toml:"model" json:"model"`
	// TimeoutSecs bounds a single cloud request
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// CacheConfig contains suggestion cache configuration.
type CacheConfig struct {
	// MaxEntries is the memory-tier capacity (LRU eviction beyond it)
	MaxEntries int `toml:"max_entries" json:"max_entries"`
	// PatternReuse enables pattern-tier fallback hits
	PatternReuse bool `toml:"pattern_reuse" json:"pattern_reuse"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// Enabled controls whether the HTTP control surface starts
	Enabled bool `toml:"enabled" json:"enabled"`
	// ListenAddr is the bind address. Loopback only: the control surface
	// carries cache contents and must never be exposed off-host.
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// TelemetryConfig contains local telemetry storage configuration.
type TelemetryConfig struct {
	// Enabled controls whether snapshots are persisted
	Enabled bool `toml:"enabled" json:"enabled"`
	// DBPath is the SQLite database path (empty = default under config dir)
	DBPath string `toml:"db_path" json:"db_path"`
	// FlushIntervalSecs is how often a statistics snapshot is persisted
	FlushIntervalSecs int `toml:"flush_interval_secs" json:"flush_interval_secs"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Enabled: true,
		Backend: "ollama",

		Governor: GovernorConfig{
			DebounceMs:           1000,
			CooldownMs:           2000,
			MaxRequestsPerMinute: 20,
			MaxConcurrent:        4,
			RequestTimeoutMs:     10000,
			SupersedePolicy:      "supersede",
			Strategy:             "smart",
			RejectionThreshold:   3,
			SuppressionBaseSecs:  30,
			SuppressionMaxSecs:   300,
			MaxTokens:            256,
		},

		Local: LocalConfig{
			OllamaURL:   "http://127.0.0.1:11434",
			OllamaModel: "qwen2.5-coder:7b",
			TimeoutSecs: 15,
		},

		Cloud: CloudConfig{
			OpenRouterKey: "",
			Model:         "openrouter/auto",
			TimeoutSecs:   30,
		},

		Cache: CacheConfig{
			MaxEntries:   200,
			PatternReuse: true,
		},

		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:7432",
		},

		Telemetry: TelemetryConfig{
			Enabled:           true,
			DBPath:            "",
			FlushIntervalSecs: 60,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-assist configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-assist"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultTelemetryPath returns the default telemetry database path.
func DefaultTelemetryPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "telemetry.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. The format is chosen by extension; anything that is not .json
// is treated as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := loadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems; warn and continue.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// loadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func loadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// Save saves the configuration to the default TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# rigrun-assist configuration file")
	fmt.Fprintln(&buf, "# Generated by rigrun-assist - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// Atomic write so a crash mid-save never leaves a truncated config,
	// and the watcher sees exactly one change event.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - RIGRUN_ASSIST_ENABLED: "0"/"false" disables the governor
//   - RIGRUN_ASSIST_BACKEND: overrides backend ("ollama" or "openrouter")
//   - RIGRUN_ASSIST_OPENROUTER_KEY: overrides cloud.openrouter_key
//   - RIGRUN_OPENROUTER_KEY: fallback for the key, shared with rigrun
//   - RIGRUN_ASSIST_OLLAMA_URL: overrides local.ollama_url
//   - RIGRUN_ASSIST_MODEL: overrides the active backend's model
//   - RIGRUN_ASSIST_LISTEN: overrides server.listen_addr
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_ASSIST_ENABLED"); v != "" {
		c.Enabled = v != "0" && !strings.EqualFold(v, "false")
	}
	if v := os.Getenv("RIGRUN_ASSIST_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if key := os.Getenv("RIGRUN_ASSIST_OPENROUTER_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	} else if key := os.Getenv("RIGRUN_OPENROUTER_KEY"); key != "" && c.Cloud.OpenRouterKey == "" {
		c.Cloud.OpenRouterKey = key
	}
	if u := os.Getenv("RIGRUN_ASSIST_OLLAMA_URL"); u != "" {
		c.Local.OllamaURL = u
	}
	if model := os.Getenv("RIGRUN_ASSIST_MODEL"); model != "" {
		if c.Backend == "openrouter" {
			c.Cloud.Model = model
		} else {
			c.Local.OllamaModel = model
		}
	}
	if addr := os.Getenv("RIGRUN_ASSIST_LISTEN"); addr != "" {
		c.Server.ListenAddr = addr
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	validBackends := map[string]bool{"ollama": true, "openrouter": true}
	if !validBackends[strings.ToLower(c.Backend)] {
		errs = append(errs, ValidationError{
			Field:   "backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: ollama, openrouter", c.Backend),
		})
	}

	validPolicies := map[string]bool{"supersede": true, "drop": true}
	if c.Governor.SupersedePolicy != "" && !validPolicies[strings.ToLower(c.Governor.SupersedePolicy)] {
		errs = append(errs, ValidationError{
			Field:   "governor.supersede_policy",
			Message: fmt.Sprintf("invalid policy '%s', must be one of: supersede, drop", c.Governor.SupersedePolicy),
		})
	}

	validStrategies := map[string]bool{"smart": true, "rate-window": true}
	if c.Governor.Strategy != "" && !validStrategies[strings.ToLower(c.Governor.Strategy)] {
		errs = append(errs, ValidationError{
			Field:   "governor.strategy",
			Message: fmt.Sprintf("invalid strategy '%s', must be one of: smart, rate-window", c.Governor.Strategy),
		})
	}

	if c.Governor.MaxRequestsPerMinute < 0 || c.Governor.MaxRequestsPerMinute > 600 {
		errs = append(errs, ValidationError{
			Field:   "governor.max_requests_per_minute",
			Message: fmt.Sprintf("must be 0-600, got %d", c.Governor.MaxRequestsPerMinute),
		})
	}
	if c.Governor.DebounceMs < 0 || c.Governor.DebounceMs > 10000 {
		errs = append(errs, ValidationError{
			Field:   "governor.debounce_ms",
			Message: fmt.Sprintf("must be 0-10000, got %d", c.Governor.DebounceMs),
		})
	}
	if c.Governor.CooldownMs < 0 || c.Governor.CooldownMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "governor.cooldown_ms",
			Message: fmt.Sprintf("must be 0-60000, got %d", c.Governor.CooldownMs),
		})
	}
	if c.Governor.SuppressionMaxSecs > 0 && c.Governor.SuppressionMaxSecs < c.Governor.SuppressionBaseSecs {
		errs = append(errs, ValidationError{
			Field:   "governor.suppression_max_secs",
			Message: "must be at least suppression_base_secs",
		})
	}

	if c.Local.OllamaURL != "" {
		if _, err := url.Parse(c.Local.OllamaURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "local.ollama_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	if c.Cache.MaxEntries < 0 || c.Cache.MaxEntries > 100000 {
		errs = append(errs, ValidationError{
			Field:   "cache.max_entries",
			Message: fmt.Sprintf("must be 0-100000, got %d", c.Cache.MaxEntries),
		})
	}

	// SECURITY: The control surface exposes cache contents and toggles; it
	// must stay on loopback.
	if c.Server.Enabled && c.Server.ListenAddr != "" {
		host := c.Server.ListenAddr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		if host != "127.0.0.1" && host != "localhost" && host != "::1" && host != "[::1]" {
			errs = append(errs, ValidationError{
				Field:   "server.listen_addr",
				Message: fmt.Sprintf("must bind loopback only, got %s", c.Server.ListenAddr),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Backend == "" {
		c.Backend = defaults.Backend
	}

	if c.Governor.DebounceMs == 0 {
		c.Governor.DebounceMs = defaults.Governor.DebounceMs
	}
	if c.Governor.CooldownMs == 0 {
		c.Governor.CooldownMs = defaults.Governor.CooldownMs
	}
	if c.Governor.MaxRequestsPerMinute == 0 {
		c.Governor.MaxRequestsPerMinute = defaults.Governor.MaxRequestsPerMinute
	}
	if c.Governor.MaxConcurrent == 0 {
		c.Governor.MaxConcurrent = defaults.Governor.MaxConcurrent
	}
	if c.Governor.RequestTimeoutMs == 0 {
		c.Governor.RequestTimeoutMs = defaults.Governor.RequestTimeoutMs
	}
	if c.Governor.SupersedePolicy == "" {
		c.Governor.SupersedePolicy = defaults.Governor.SupersedePolicy
	}
	if c.Governor.Strategy == "" {
		c.Governor.Strategy = defaults.Governor.Strategy
	}
	if c.Governor.RejectionThreshold == 0 {
		c.Governor.RejectionThreshold = defaults.Governor.RejectionThreshold
	}
	if c.Governor.SuppressionBaseSecs == 0 {
		c.Governor.SuppressionBaseSecs = defaults.Governor.SuppressionBaseSecs
	}
	if c.Governor.SuppressionMaxSecs == 0 {
		c.Governor.SuppressionMaxSecs = defaults.Governor.SuppressionMaxSecs
	}
	if c.Governor.MaxTokens == 0 {
		c.Governor.MaxTokens = defaults.Governor.MaxTokens
	}

	if c.Local.OllamaURL == "" {
		c.Local.OllamaURL = defaults.Local.OllamaURL
	}
	if c.Local.OllamaModel == "" {
		c.Local.OllamaModel = defaults.Local.OllamaModel
	}
	if c.Local.TimeoutSecs == 0 {
		c.Local.TimeoutSecs = defaults.Local.TimeoutSecs
	}

	if c.Cloud.Model == "" {
		c.Cloud.Model = defaults.Cloud.Model
	}
	if c.Cloud.TimeoutSecs == 0 {
		c.Cloud.TimeoutSecs = defaults.Cloud.TimeoutSecs
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaults.Server.ListenAddr
	}

	if c.Telemetry.FlushIntervalSecs == 0 {
		c.Telemetry.FlushIntervalSecs = defaults.Telemetry.FlushIntervalSecs
	}
}

// =============================================================================
// GOVERNOR BRIDGE
// =============================================================================

// GovernorConfig converts the file-level tuning into the governor's runtime
// configuration.
func (c *Config) GovernorConfig() governor.Config {
	g := c.Governor
	return governor.Config{
		Debounce:             time.Duration(g.DebounceMs) * time.Millisecond,
		Cooldown:             time.Duration(g.CooldownMs) * time.Millisecond,
		MaxRequestsPerMinute: g.MaxRequestsPerMinute,
		MaxConcurrent:        g.MaxConcurrent,
		RequestTimeout:       time.Duration(g.RequestTimeoutMs) * time.Millisecond,
		Supersede:            governor.ParseSupersedePolicy(strings.ToLower(g.SupersedePolicy)),
		Strategy:             governor.ParseStrategy(strings.ToLower(g.Strategy)),
		RejectionThreshold:   g.RejectionThreshold,
		SuppressionBase:      time.Duration(g.SuppressionBaseSecs) * time.Second,
		SuppressionMax:       time.Duration(g.SuppressionMaxSecs) * time.Second,
		MaxTokens:            g.MaxTokens,
	}.Normalize()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// rigrun-assist.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - GovernorConfig: Request governance tuning (debounce, cooldown, quotas)
//   - LocalConfig / CloudConfig: Model backend settings
//   - Watcher: Hot reload of the configuration file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_ASSIST_*)
//   - ~/.rigrun-assist/config.toml
//   - ~/.rigrun-assist/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Bridge into the governor:
//
//	gov := governor.New(cfg.GovernorConfig(), completer, suggestionCache, aggregator)
package config

// rigrun assist - inline suggestion governor daemon for editor extensions.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/backend"
	"github.com/jeranaias/rigrun-assist/internal/cache"
	"github.com/jeranaias/rigrun-assist/internal/config"
	"github.com/jeranaias/rigrun-assist/internal/governor"
	"github.com/jeranaias/rigrun-assist/internal/metrics"
	"github.com/jeranaias/rigrun-assist/internal/server"
	"github.com/jeranaias/rigrun-assist/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := runStatus(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "toggle":
		if err := runToggle(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("rigrun-assist %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`rigrun-assist - inline suggestion governor daemon

Usage:
  rigrun-assist [serve] [flags]   Run the daemon (default)
  rigrun-assist status            Query a running daemon
  rigrun-assist toggle            Flip the enabled state of a running daemon
  rigrun-assist version           Print version information

Serve flags:
  -config PATH   Config file (default: ~/.rigrun-assist/config.toml)
  -addr ADDR     Override the listen address
`)
}

// ============================================================================
// SERVE
// ============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	addr := fs.String("addr", "", "listen address override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
	}

	completer, backendName, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	agg := metrics.New()
	sc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.PatternReuse)
	gov := governor.New(cfg.GovernorConfig(), completer, sc, agg)
	gov.SetEnabled(cfg.Enabled)
	defer gov.Close()

	srv := server.NewServer(cfg.Server.ListenAddr, gov).WithBackendName(backendName)

	var flusher *telemetry.Flusher
	if cfg.Telemetry.Enabled {
		dbPath := cfg.Telemetry.DBPath
		if dbPath == "" {
			dbPath, err = config.DefaultTelemetryPath()
			if err != nil {
				return fmt.Errorf("resolving telemetry path: %w", err)
			}
		}
		store, err := telemetry.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening telemetry store: %w", err)
		}
		defer store.Close()
		srv.WithTelemetry(store)

		flusher = telemetry.NewFlusher(store, gov.Statistics,
			time.Duration(cfg.Telemetry.FlushIntervalSecs)*time.Second)
		flusher.Start()
		defer flusher.Stop()
	}

	// Live config reload. Backend and listen address changes need a
	// restart; governor tuning and the enabled flag apply immediately.
	watchPath := *configPath
	if watchPath == "" {
		watchPath, _ = config.ConfigPathTOML()
	}
	if watchPath != "" {
		watcher, werr := config.Watch(watchPath, func(updated *config.Config) {
			gov.UpdateConfig(updated.GovernorConfig())
			gov.SetEnabled(updated.Enabled)
			log.Printf("CONFIG_RELOAD | enabled=%v max_rpm=%d",
				updated.Enabled, updated.Governor.MaxRequestsPerMinute)
		})
		if werr != nil {
			log.Printf("assist: config watch unavailable: %v", werr)
		} else {
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.Printf("SHUTDOWN | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildBackend constructs the configured model backend.
func buildBackend(cfg *config.Config) (backend.Completer, string, error) {
	switch cfg.Backend {
	case "ollama":
		return backend.NewOllamaClient(backend.OllamaConfig{
			BaseURL: cfg.Local.OllamaURL,
			Model:   cfg.Local.OllamaModel,
			Timeout: time.Duration(cfg.Local.TimeoutSecs) * time.Second,
		}), "ollama", nil
	case "openrouter":
		if cfg.Cloud.OpenRouterKey == "" {
			return nil, "", fmt.Errorf("backend is openrouter but no API key is configured")
		}
		return backend.NewOpenRouterClient(backend.OpenRouterConfig{
			APIKey:  cfg.Cloud.OpenRouterKey,
			Model:   cfg.Cloud.Model,
			Timeout: time.Duration(cfg.Cloud.TimeoutSecs) * time.Second,
		}), "openrouter", nil
	default:
		return nil, "", fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// ============================================================================
// STATUS AND TOGGLE
// ============================================================================

func daemonAddr(args []string) (string, error) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon address")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *addr != "" {
		return *addr, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return server.DefaultAddr, nil
	}
	return cfg.Server.ListenAddr, nil
}

func runStatus(args []string) error {
	addr, err := daemonAddr(args)
	if err != nil {
		return err
	}

	body, err := clientGet(addr, "/stats")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}

	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runToggle(args []string) error {
	addr, err := daemonAddr(args)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+"/toggle", "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var r map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return err
	}
	fmt.Printf("enabled: %v\n", r["enabled"])
	return nil
}

func clientGet(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

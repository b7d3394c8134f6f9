// AL is Driveline's conversational assistant service.
//
// It exposes a streaming turn API (SSE and WebSocket), enforces per-user
// query quotas and credit balances, and orchestrates model providers and
// catalog tools. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	al serve              Start the API server
//	al version            Print version and build information
//	al -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/driveline/al-assistant/internal/agent"
	"github.com/driveline/al-assistant/internal/api"
	"github.com/driveline/al-assistant/internal/auth"
	"github.com/driveline/al-assistant/internal/buildinfo"
	"github.com/driveline/al-assistant/internal/catalog"
	"github.com/driveline/al-assistant/internal/config"
	"github.com/driveline/al-assistant/internal/conversation"
	"github.com/driveline/al-assistant/internal/ledger"
	"github.com/driveline/al-assistant/internal/llm"
	"github.com/driveline/al-assistant/internal/tools"
	"github.com/driveline/al-assistant/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the al command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// A local .env is convenient in development for API keys referenced
	// via ${VAR} in config.yaml. Missing file is not an error.
	_ = godotenv.Load()

	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// al is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "AL - Driveline Assistant Service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: al [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/al/config.yaml, /etc/al/config.yaml")
	return nil
}

// runServe handles the "al serve" subcommand. It is the primary
// operating mode: loads config, opens the ledger, conversation, and
// usage databases, builds the provider fallback chain and catalog tool
// registry, starts the API server, and blocks until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting AL", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Assistant.Model,
		"providers", len(cfg.Providers),
	)

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no model providers configured")
	}

	// --- Data directory ---
	// All persistent state (SQLite databases for the ledger, conversations,
	// and usage records) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Credit and quota ledger ---
	ledgerPath := filepath.Join(cfg.DataDir, "ledger.db")
	led, err := ledger.NewStore(ledgerPath, cfg.Assistant.DailyQueryCap)
	if err != nil {
		return fmt.Errorf("open ledger database %s: %w", ledgerPath, err)
	}
	defer led.Close()
	logger.Info("ledger database opened", "path", ledgerPath, "daily_cap", cfg.Assistant.DailyQueryCap)

	// --- Conversation store ---
	convPath := filepath.Join(cfg.DataDir, "conversations.db")
	convs, err := conversation.NewStore(convPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", convPath, err)
	}
	defer convs.Close()
	logger.Info("conversation database opened", "path", convPath)

	// --- Usage records ---
	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()
	logger.Info("usage database opened", "path", usagePath)

	// --- Provider fallback chain ---
	// Providers are tried in config order. Each gets its own circuit
	// breaker so a failing provider is skipped until its cooldown passes.
	entries := make([]llm.ChainEntry, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		entries = append(entries, llm.ChainEntry{
			Name:             p.Name,
			Model:            p.Model,
			Client:           llm.NewOpenAIClient(p, logger),
			FailureThreshold: p.FailureThreshold,
			Cooldown:         time.Duration(p.CooldownSec) * time.Second,
		})
		logger.Info("provider configured", "name", p.Name, "base_url", p.BaseURL, "model", p.Model)
	}
	chain := llm.NewChain(logger, entries...)

	// --- Catalog tools ---
	// The catalog service backs every tool the model can call: vehicle
	// search, parts, events, VIN decoding, and maintenance schedules.
	if cfg.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	catalogClient := catalog.NewClient(cfg.Catalog, logger)
	registry := tools.NewCatalogRegistry(catalogClient)
	logger.Info("catalog tools registered", "base_url", cfg.Catalog.BaseURL, "tools", registry.Names())

	// --- Reasoning loop ---
	loop := agent.NewLoop(logger, chain, registry, cfg.Assistant, cfg.Pricing)

	// --- Authentication ---
	// Static token map. Real deployments resolve tokens against the
	// account platform; this serves development and tests.
	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("no auth tokens configured - all requests will be rejected")
	}
	verifier := auth.NewStaticVerifier(cfg.Auth.Tokens)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger, verifier,
		led, convs, usageStore, loop, cfg.Assistant)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("AL stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler)
}

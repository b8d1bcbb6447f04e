// Agentd is a multi-turn tool-loop agent daemon.
//
// It drives LLM conversations through a bounded tool loop, persists
// session history to SQLite, and exposes an HTTP API for turns,
// session inspection, and operational events. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	agentd serve             Start the API server
//	agentd ask <question>    Run a single turn (for testing)
//	agentd version           Print version and build information
//	agentd -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golemcore/agentd/internal/api"
	"github.com/golemcore/agentd/internal/buildinfo"
	"github.com/golemcore/agentd/internal/config"
	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/events"
	"github.com/golemcore/agentd/internal/llm"
	"github.com/golemcore/agentd/internal/loop"
	"github.com/golemcore/agentd/internal/store"
	"github.com/golemcore/agentd/internal/tools"
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

// run is the real entry point for the agentd command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: agentd ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// agentd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "agentd - Tool-Loop Agent Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agentd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its provider
// (ollama, anthropic, openai). Models not explicitly mapped fall
// through to the Ollama provider, which acts as the default backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)
	return multi
}

// openStore picks the persistence backend from config. Ephemeral mode
// keeps everything in process memory.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Ephemeral {
		logger.Info("using in-memory session store")
		return store.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "sessions.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	logger.Info("session store opened", "path", dbPath)
	return st, nil
}

// buildOrchestrator assembles the tool loop from config: providers,
// tool registry, history writer, and budgets.
func buildOrchestrator(cfg *config.Config, st store.Store, bus *events.Bus, tracker *llm.UsageTracker, logger *slog.Logger) *loop.Orchestrator {
	client := createLLMClient(cfg, logger)
	if tracker != nil {
		client = llm.NewTrackedClient(client, tracker)
	}

	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry)
	logger.Info("tools registered", "tools", registry.Names())

	history := conversation.NewHistoryWriter(nil, st, logger)

	return loop.New(loop.Config{
		MaxIterations:      cfg.Loop.MaxIterations,
		Deadline:           cfg.Loop.Deadline(),
		MaxConcurrentTools: cfg.Loop.MaxConcurrentTools,
	}, client, registry, history, bus, logger)
}

// runAsk handles the "agentd ask <question>" subcommand. It boots a
// minimal agent (in-memory session store, no API server) and runs a
// single turn, printing the response to stdout. Useful for quick smoke
// tests and debugging without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Nothing to persist for a one-shot question.
	st := store.NewMemoryStore()
	orch := buildOrchestrator(cfg, st, nil, nil, logger)
	sess := conversation.NewSession("")

	result, err := orch.ProcessTurn(ctx, sess, question, cfg.Models.Default)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.FinalMessage.Content)
	if result.Status == loop.StatusAborted {
		fmt.Fprintln(stderr, result.Describe())
	}
	return nil
}

// runServe handles the "agentd serve" subcommand. It is the primary
// operating mode: loads config, opens the session store, assembles the
// tool loop, starts the API server, and blocks until a shutdown signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()
	tracker := llm.NewUsageTracker()
	orch := buildOrchestrator(cfg, st, bus, tracker, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, api.NewSessionManager(st), st, cfg.Models.Default, logger)
	server.SetUsageTracker(tracker)
	server.SetEventBus(bus)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("goodbye")
	return nil
}

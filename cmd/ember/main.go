// Ember is an energy-regulated autonomous agent.
//
// It runs a single perpetual cognitive loop that paces its model use
// against a replenishing energy budget, accepts messages over HTTP, and
// leaves an observable trail of reasoning in its conversation store and
// event stream. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ember serve              Start the agent and HTTP server
//	ember version            Print version and build information
//	ember -o json version    Output version information as JSON
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

	"github.com/nugget/ember-agent/internal/agent"
	"github.com/nugget/ember-agent/internal/buildinfo"
	"github.com/nugget/ember-agent/internal/config"
	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
	"github.com/nugget/ember-agent/internal/events"
	"github.com/nugget/ember-agent/internal/gateway"
	"github.com/nugget/ember-agent/internal/llm"
	"github.com/nugget/ember-agent/internal/mqtt"
	"github.com/nugget/ember-agent/internal/prompts"
	"github.com/nugget/ember-agent/internal/subagent"
	"github.com/nugget/ember-agent/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run], keeping os.Exit and os.Args out
// of the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ember command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run concurrently from tests, and
// the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ember - Energy-Regulated Autonomous Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ember [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent and HTTP server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml")
	return nil
}

// runServe handles the "ember serve" subcommand. It loads config, opens
// the stores, wires the regulator, gateway, sub-agent, loop, and HTTP
// server together, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM (or the configured duration) cancels the context
//  2. The MQTT sink publishes its offline message
//  3. The HTTP server drains in-flight requests
//  4. The loop, sub-agent, and stores are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Ember",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		if cfg.Debug && level > slog.LevelDebug {
			level = slog.LevelDebug
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Provider.Name,
		"tiers", len(cfg.Tiers),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Signal handling wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by every component.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A configured duration bounds the whole process, not just the loop.
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
		logger.Info("run duration bounded", "duration", cfg.Duration)
	}

	// --- Event bus ---
	// Every component publishes operational events here; the WebSocket
	// endpoint and the MQTT sink fan them out.
	bus := events.New()

	// --- Conversation store ---
	dbPath := filepath.Join(cfg.DataDir, "ember.db")
	store, err := convo.Open(dbPath, logger, bus)
	if err != nil {
		return fmt.Errorf("open conversation store %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("conversation store opened", "path", dbPath)

	// --- Energy regulator ---
	reg := energy.New(logger,
		energy.WithRate(cfg.Energy.ReplenishRate),
		energy.WithBus(bus),
	)

	// --- Model provider and gateway ---
	client, err := llm.New(cfg.Provider.Name, cfg.Provider.BaseURL, cfg.Provider.APIKey, logger)
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	// Provider reachability is informational: the gateway retries and
	// falls back on its own, so a cold provider does not block startup.
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn("model provider unreachable at startup", "error", err)
	}
	pingCancel()

	tiers := make([]gateway.Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		model := t.Model
		if cfg.Provider.Model != "" {
			model = cfg.Provider.Model
		}
		tiers = append(tiers, gateway.Tier{
			MinEnergy:   t.MinEnergy,
			Name:        t.Tier,
			Model:       model,
			NominalCost: t.NominalCost,
		})
	}
	gw, err := gateway.New(client, tiers, reg, logger,
		gateway.WithBus(bus),
		gateway.WithUrgentSystemPrompt(prompts.UrgentSystem),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	// --- Sub-agent ---
	// Capability management runs beside the loop: the model queues tool
	// catalog work, the sub-agent executes it, and the loop pays for the
	// wall time on its next iteration.
	catalogPath := filepath.Join(cfg.DataDir, "catalog.db")
	catalog, err := subagent.OpenCatalog(catalogPath, logger)
	if err != nil {
		return fmt.Errorf("open tool catalog %s: %w", catalogPath, err)
	}
	defer catalog.Close()

	sub := subagent.New(catalog, logger, bus)
	sub.Start(ctx)
	defer sub.Stop()
	logger.Info("sub-agent started", "catalog", catalogPath)

	// --- Cognitive loop ---
	loop, err := agent.New(agent.Config{Duration: cfg.Duration}, agent.Deps{
		Store:         store,
		Energy:        reg,
		Gateway:       gw,
		SubAgent:      sub,
		Bus:           bus,
		Logger:        logger,
		ExternalTools: subagent.ExternalTools(sub),
	})
	if err != nil {
		return fmt.Errorf("create loop: %w", err)
	}
	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	defer loop.Stop()

	// --- HTTP server ---
	server := web.NewServer(web.Config{
		Address:            cfg.Listen.Address,
		Port:               cfg.Listen.Port,
		MaxMessageLength:   cfg.Ingress.MaxMessageLength,
		RateLimitPerMinute: cfg.Ingress.RateLimitPerMinute,
		RateLimitBurst:     cfg.Ingress.RateLimitBurst,
	}, store, reg, loop, bus, logger)

	// --- MQTT sink ---
	var sink *mqtt.Sink
	if cfg.MQTT.Enabled {
		sink = mqtt.NewSink(cfg.MQTT, bus, logger)
		go func() {
			if err := sink.Start(ctx); err != nil {
				logger.Error("mqtt sink failed", "error", err)
			}
		}()
		logger.Info("mqtt sink enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt sink disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if sink != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := sink.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the HTTP server. This blocks until shutdown (via context
	// cancellation) or a fatal listener error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Ember stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

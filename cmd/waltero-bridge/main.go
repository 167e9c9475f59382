// waltero-bridge polls the Waltero cloud metering API and republishes
// normalized device telemetry to an MQTT broker.
//
// It authenticates once, resolves a single organization by name,
// discovers the tenant's devices by a name-marker filter, and then
// loops forever: fetch telemetry (bulk statuses or per-device
// 60-second windows, selected by config) and publish each normalized
// record to a topic derived from the device. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	waltero-bridge serve      Start the bridge
//	waltero-bridge init [dir]  Write an example config file
//	waltero-bridge version    Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gallarus-is/waltero-bridge/internal/bridge"
	"github.com/gallarus-is/waltero-bridge/internal/buildinfo"
	"github.com/gallarus-is/waltero-bridge/internal/config"
	"github.com/gallarus-is/waltero-bridge/internal/connwatch"
	"github.com/gallarus-is/waltero-bridge/internal/mqtt"
	"github.com/gallarus-is/waltero-bridge/internal/telemetry"
	"github.com/gallarus-is/waltero-bridge/internal/waltero"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the waltero-bridge command. The
// argument surface is small enough that manual parsing is clearer than
// the flag package, and it avoids flag.CommandLine's global state so
// run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	var positional []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			positional = append(positional, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	command := ""
	if len(positional) > 0 {
		command = positional[0]
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(positional) > 1 {
			dir = positional[1]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %q (try: waltero-bridge help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `waltero-bridge: Waltero metering API to MQTT bridge

Usage:
  waltero-bridge [serve]     Start the bridge (default)
  waltero-bridge init [dir]  Write an example config file (default: .)
  waltero-bridge version     Print version and build information

Flags:
  -config <path>             Explicit config file path
`)
	return nil
}

// newLogger builds the process logger writing structured text to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runServe is the primary operating mode: load config, log in to the
// API, resolve the organization, discover devices, connect to the
// broker, and drive the poll loop until a shutdown signal arrives.
//
// Startup failures (bad credentials, unresolvable organization,
// unreachable API) are fatal; the loop never begins. Once polling,
// each component isolates its own failures and the loop runs until
// SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting waltero-bridge",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level)

	logger.Info("config loaded",
		"path", cfgPath,
		"api", cfg.API.BaseURL,
		"broker", cfg.MQTT.Broker,
		"organization", cfg.Tenant.Organization,
		"mode", cfg.Poll.Mode,
		"interval", cfg.Poll.Interval().String(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Upstream session and catalog ---
	client := waltero.NewClient(cfg.API.BaseURL, logger)
	if err := client.Authenticate(ctx, cfg.API.Username, cfg.API.Password); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	orgID, err := client.ResolveOrganization(ctx, cfg.Tenant.Organization)
	if err != nil {
		return fmt.Errorf("resolve organization: %w", err)
	}

	devices, err := client.DiscoverDevices(ctx, orgID, waltero.DiscoverOptions{
		Marker:   cfg.Tenant.DeviceMarker,
		PageSize: cfg.Poll.PageSize,
	})
	if err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}
	if len(devices) == 0 {
		logger.Warn("no devices matched the marker, every cycle will be a no-op",
			"marker", cfg.Tenant.DeviceMarker)
	}

	// --- MQTT connection ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := "waltero-bridge-" + instanceID[:8]

	publisher := mqtt.New(cfg.MQTT, clientID, cfg.Tenant.TopicPrefix, logger)
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("mqtt startup: %w", err)
	}

	// --- Health watchers (observational only) ---
	apiWatcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:   "waltero-api",
		Probe:  client.Ping,
		Logger: logger,
	})
	brokerWatcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return publisher.AwaitConnection(awaitCtx)
		},
		Logger: logger,
	})
	defer apiWatcher.Stop()
	defer brokerWatcher.Stop()

	// --- Fetch strategy ---
	var source telemetry.Source
	switch cfg.Poll.Mode {
	case config.ModeBulk:
		source = telemetry.NewBulkSource(client, cfg.Tenant.TopicPrefix, cfg.Poll.BatchSize, logger)
	case config.ModeWindowed:
		source = telemetry.NewWindowedSource(client, cfg.Tenant.TopicPrefix, telemetry.DefaultWindow, logger)
	}

	poller := bridge.NewPoller(bridge.PollerConfig{
		Source:    source,
		Transport: publisher,
		Devices:   devices,
		Interval:  cfg.Poll.Interval(),
		Logger:    logger,
	})

	logger.Info("entering poll loop", "devices", len(devices))
	poller.Start(ctx)

	// Publish the MQTT offline status before disconnecting. The parent
	// ctx is already cancelled here, so use a fresh one.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := publisher.Stop(stopCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	logger.Info("waltero-bridge stopped")
	return nil
}

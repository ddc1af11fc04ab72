// Command liveasr is the main entry point for the live transcription service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveasr/internal/app"
	"github.com/MrWong99/liveasr/internal/config"
	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/history/postgres"
	"github.com/MrWong99/liveasr/internal/history/sqlite"
	"github.com/MrWong99/liveasr/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables)")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "liveasr: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "liveasr: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "liveasr: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("liveasr starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── History drivers ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerHistoryDrivers(reg)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithRegistry(reg), app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	if *watch > 0 {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(gctx, old, new)
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── History wiring ────────────────────────────────────────────────────────────

// registerHistoryDrivers wires the built-in history stores into reg.
func registerHistoryDrivers(reg *config.Registry) {
	reg.RegisterHistory("sqlite", func(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
		return sqlite.Open(ctx, hc.DSN, slog.Default())
	})
	reg.RegisterHistory("postgres", func(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
		return postgres.NewStore(ctx, hc.DSN)
	})
	slog.Debug("registered history drivers", "drivers", reg.HistoryDrivers())
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         liveasr: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Transport.URL)
	if n := len(cfg.Transport.FallbackURLs); n > 0 {
		printRow("Fallbacks", fmt.Sprintf("%d", n))
	}
	printRow("Service", cfg.Recognition.Service+" / "+cfg.Recognition.Language)
	printRow("Framing", string(cfg.Audio.Framing))
	printRow("Source", cfg.Audio.Source)
	if cfg.Silence.AutoRestart {
		printRow("Silence", "restart after "+cfg.Silence.RestartAfter.String())
	}
	printRow("History", cfg.History.Driver)
	printRow("Bus", strings.Join(cfg.Bus.Servers, ","))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(disabled)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/supportersimulator/categorizer/internal/control"
	"github.com/supportersimulator/categorizer/internal/core/config"
	"github.com/supportersimulator/categorizer/internal/pipeline/health"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "categorizer",
	Short: "Resumable batch classification of support cases",
	Long: `Categorizer reads support cases from a row store in batches, classifies them
with an LLM service and writes the labels back next to each case. Progress is
persisted, so an interrupted pass resumes where it stopped.`,
	Run: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads .env and the config file and installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	if cfg.Logging.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
	} else {
		stylelog.InitDefault(&tint.Options{
			Level:      slogLevel,
			TimeFormat: time.RFC3339,
		})
	}
	return cfg
}

// openApp loads configuration and opens the pipeline. Failures exit.
func openApp(ctx context.Context) *control.App {
	cfg := loadConfig()
	app, err := control.Open(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to open pipeline", "error", err)
		os.Exit(1)
	}
	return app
}

func fail(app *control.App, msg string, err error) {
	slog.Error(msg, "error", err)
	_ = app.Close()
	os.Exit(1)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()
	cfg := app.Config

	scheduler, err := control.NewScheduler(app.Pipeline, control.ScheduleConfig{
		Run:        cfg.Pipeline.Schedule,
		Retry:      cfg.Pipeline.RetrySchedule,
		RetryLimit: cfg.Pipeline.RetryLimit,
		RunTimeout: cfg.Pipeline.RunTimeout,
	}, slog.Default())
	if err != nil {
		fail(app, "Failed to create scheduler", err)
	}

	monitor := health.NewMonitor(
		map[string]health.StatusSource{app.Pipeline.Name(): app.Pipeline},
		health.DefaultThresholds(),
		10*time.Second,
	)
	server := health.NewServer(monitor, cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()
	scheduler.Start(ctx)

	slog.Info("Categorizer started", "config", cfgPath, "pipeline", app.Pipeline.Name(), "port", cfg.Server.Port)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Error("Error stopping scheduler", "error", err)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}

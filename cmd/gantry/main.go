package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/google/uuid"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	pipelinePath := flag.String("pipeline", "", "Path to pipeline definition file")
	serve := flag.Bool("serve", false, "Run the HTTP API instead of a one-shot pipeline")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("gantry %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	// Load configuration and secrets
	cfg, err := LoadConfig(*configPath, *pipelinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	secrets := LoadSecrets()

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting gantry",
		"version", Version,
		"config", *configPath,
		"serve", *serve,
	)

	// Wire dependencies
	app, err := NewApp(cfg, secrets, logger)
	if err != nil {
		var sErr *ServerError
		if errors.As(err, &sErr) {
			logger.Error("startup failed", "operation", sErr.Op, "error", sErr.Err)
			return sErr.ExitCode
		}
		logger.Error("startup failed", "error", err)
		return ExitConfigError
	}

	if *serve {
		return runServe(app, logger)
	}
	return runOnce(app, cfg, logger)
}

// runServe blocks serving the HTTP API until shutdown.
func runServe(app *App, logger *slog.Logger) int {
	server := NewServer(app)
	if err := server.Start(context.Background()); err != nil {
		var sErr *ServerError
		if errors.As(err, &sErr) {
			logger.Error("server error", "operation", sErr.Op, "error", sErr.Err)
			return sErr.ExitCode
		}
		logger.Error("server error", "error", err)
		return ExitHTTPServerError
	}
	return ExitSuccess
}

// runOnce executes a single pipeline run and exits with its outcome.
func runOnce(app *App, cfg *Config, logger *slog.Logger) int {
	defer app.Close()

	ctx := context.Background()
	run := &pipeline.Run{
		ID:        "run_" + uuid.New().String()[:8],
		Branch:    cfg.Source.Branch,
		Status:    pipeline.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := app.store.CreateRun(ctx, run); err != nil {
		logger.Error("failed to create run", "error", err)
		return ExitDatabaseError
	}

	if err := app.pipeline.Execute(ctx, run); err != nil {
		return ExitPipelineFailed
	}
	return ExitSuccess
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/gantry/internal/shell/api"
	"github.com/artpar/gantry/internal/shell/api/middleware"
	"github.com/artpar/gantry/internal/shell/command"
	"github.com/artpar/gantry/internal/shell/deploy"
	"github.com/artpar/gantry/internal/shell/docker"
	"github.com/artpar/gantry/internal/shell/git"
	"github.com/artpar/gantry/internal/shell/scanner"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/artpar/gantry/internal/shell/toolchain"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitPipelineFailed  = 4
	ExitHTTPServerError = 5
)

// =============================================================================
// Application Wiring
// =============================================================================

// App holds the wired dependencies shared by one-shot and serve mode.
type App struct {
	config   *Config
	store    store.Store
	docker   docker.Client
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewApp connects the store and the Docker engine and wires the pipeline.
func NewApp(cfg *Config, secrets Secrets, logger *slog.Logger) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewApp", Err: err, ExitCode: ExitDatabaseError}
	}

	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
	}
	if err := d.Ping(); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
	}

	runner := command.NewExecRunner()
	pipeline := NewPipeline(PipelineParams{
		Config:    cfg,
		Secrets:   secrets,
		Cloner:    git.NewCloner(),
		Toolchain: toolchain.NewPipenv(runner, logger.With("component", "toolchain")),
		Analyzer:  scanner.NewAnalyzer(runner, logger.With("component", "scanner")),
		GateClient: scanner.NewClient(scanner.Config{
			BaseURL: cfg.Scanner.ServerURL,
			Token:   secrets.ScannerToken,
		}, logger.With("component", "scanner")),
		Docker:       d,
		Orchestrator: deploy.NewOrchestrator(d, logger.With("component", "deploy")),
		Store:        s,
		Logger:       logger.With("component", "pipeline"),
	})

	return &App{
		config:   cfg,
		store:    s,
		docker:   d,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// Close releases the engine and database connections.
func (a *App) Close() {
	if err := a.docker.Close(); err != nil {
		a.logger.Error("Docker client close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the serve mode HTTP server.
type Server struct {
	app        *App
	httpServer *http.Server
	launcher   *api.Launcher
	logger     *slog.Logger
}

// NewServer creates a serve mode server on top of a wired App.
func NewServer(app *App) *Server {
	cfg := app.config
	logger := app.logger

	launcher := api.NewLauncher(app.pipeline.Execute, app.store, cfg.Source.Branch,
		logger.With("component", "launcher"))

	auth := middleware.NewBearerAuth(cfg.Auth.TokenHash, logger.With("component", "api"))
	if !auth.Enabled() {
		logger.Warn("API authentication disabled, no auth.token_hash configured")
	}

	handler := api.NewHandler(app.store, launcher, auth,
		logger.With("component", "api"), Version)

	return &Server{
		app: app,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		launcher: launcher,
		logger:   logger,
	}
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. An executing pipeline run is
// given the shutdown window to finish; its external effects are not rolled
// back either way.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if active := s.launcher.ActiveRunID(); active != "" {
		s.logger.Info("waiting for active run", "run_id", active)
		if err := s.launcher.Wait(shutdownCtx); err != nil {
			s.logger.Warn("active run still executing at shutdown", "run_id", active)
		}
	}

	s.app.Close()
	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during startup or serving.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	coredeploy "github.com/artpar/gantry/internal/core/deploy"
	"github.com/artpar/gantry/internal/core/gate"
	"github.com/artpar/gantry/internal/core/pipeline"
	"github.com/artpar/gantry/internal/shell/deploy"
	"github.com/artpar/gantry/internal/shell/docker"
	"github.com/artpar/gantry/internal/shell/git"
	"github.com/artpar/gantry/internal/shell/scanner"
	"github.com/artpar/gantry/internal/shell/store"
	"github.com/artpar/gantry/internal/shell/toolchain"
)

// =============================================================================
// Pipeline Assembly
// =============================================================================

// Pipeline wires the stage implementations into a runnable stage list. One
// Pipeline serves many runs; the stage list itself is built per run because
// stages share per-run state through closures.
type Pipeline struct {
	config  *Config
	secrets Secrets

	cloner       git.Cloner
	toolchain    *toolchain.Pipenv
	analyzer     *scanner.Analyzer
	gateClient   *scanner.Client
	docker       docker.Client
	orchestrator *deploy.Orchestrator
	store        store.Store
	logger       *slog.Logger
}

// PipelineParams carries the shell dependencies of a Pipeline.
type PipelineParams struct {
	Config       *Config
	Secrets      Secrets
	Cloner       git.Cloner
	Toolchain    *toolchain.Pipenv
	Analyzer     *scanner.Analyzer
	GateClient   *scanner.Client
	Docker       docker.Client
	Orchestrator *deploy.Orchestrator
	Store        store.Store
	Logger       *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(p PipelineParams) *Pipeline {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:       p.Config,
		secrets:      p.Secrets,
		cloner:       p.Cloner,
		toolchain:    p.Toolchain,
		analyzer:     p.Analyzer,
		gateClient:   p.GateClient,
		docker:       p.Docker,
		orchestrator: p.Orchestrator,
		store:        p.Store,
		logger:       logger,
	}
}

// Execute runs the full pipeline for one run record. The run's status, stages
// and timestamps are updated in place and persisted through the store.
func (p *Pipeline) Execute(ctx context.Context, run *pipeline.Run) error {
	runner := pipeline.NewRunner(p.stages(run),
		pipeline.WithObserver(store.NewObserver(p.store, p.logger)),
		pipeline.WithFinalizer(p.finalize),
	)
	return runner.Execute(ctx, &pipeline.State{Run: run})
}

// stages builds the stage list for one run. Later stages receive earlier
// results (report task, image tag) through captured variables.
func (p *Pipeline) stages(run *pipeline.Run) []pipeline.Stage {
	cfg := p.config

	var reportTask *scanner.ReportTask
	var imageTag string

	return []pipeline.Stage{
		{
			Name: "source",
			Run: func(ctx context.Context, st *pipeline.State) error {
				dir := git.WorkspacePath(cfg.Source.WorkspaceRoot, st.Run.ID)
				checkout, err := p.cloner.Clone(ctx, dir, git.Options{
					URL:    cfg.Source.URL,
					Branch: st.Run.Branch,
					Depth:  cfg.Source.Depth,
					Token:  p.secrets.GitToken,
				})
				if err != nil {
					return err
				}
				st.WorkDir = checkout.Dir
				st.Run.Revision = checkout.Revision
				p.logger.Info("source acquired",
					"run_id", st.Run.ID,
					"branch", st.Run.Branch,
					"revision", git.ShortRevision(checkout.Revision),
				)
				return nil
			},
		},
		{
			Name: "dependencies-and-tests",
			Run: func(ctx context.Context, st *pipeline.State) error {
				workDir := filepath.Join(st.WorkDir, cfg.Toolchain.Dir)

				if err := p.toolchain.EnsureManager(ctx, workDir); err != nil {
					return err
				}
				regenerated, err := p.toolchain.CheckLock(ctx, workDir)
				if err != nil {
					return err
				}
				st.Run.LockRegenerated = regenerated
				if err := p.toolchain.Sync(ctx, workDir); err != nil {
					return err
				}
				if err := p.toolchain.RunTests(ctx, workDir); err != nil {
					return err
				}
				_, err = p.toolchain.CoverageReport(workDir)
				return err
			},
		},
		{
			Name: "analysis",
			Run: func(ctx context.Context, st *pipeline.State) error {
				workDir := filepath.Join(st.WorkDir, cfg.Toolchain.Dir)
				task, err := p.analyzer.Submit(ctx, workDir, scanner.Properties{
					ProjectKey:           cfg.Scanner.ProjectKey,
					Sources:              cfg.Scanner.Sources,
					Exclusions:           cfg.Scanner.Exclusions,
					IgnoreHeaderComments: cfg.Scanner.IgnoreHeaderComments,
					CoverageReport:       toolchain.CoverageFile,
					ServerURL:            cfg.Scanner.ServerURL,
					Token:                p.secrets.ScannerToken,
				})
				if err != nil {
					return err
				}
				reportTask = task
				return nil
			},
		},
		{
			Name: "quality-gate",
			Run: func(ctx context.Context, st *pipeline.State) error {
				verdict, err := gate.Wait(ctx,
					p.gateClient.GatePoll(reportTask),
					cfg.Gate.Interval,
					cfg.Gate.Timeout,
				)
				st.Run.GateVerdict = string(verdict)
				return err
			},
		},
		{
			Name: "image-build",
			Run: func(ctx context.Context, st *pipeline.State) error {
				tag := fmt.Sprintf("%s:%s", cfg.Image.Name, st.Run.ID)
				err := p.docker.BuildImage(ctx, docker.BuildSpec{
					ContextDir: filepath.Join(st.WorkDir, cfg.Image.Context),
					Dockerfile: cfg.Image.Dockerfile,
					Tags:       []string{tag},
					Labels: map[string]string{
						coredeploy.LabelManaged: "true",
						coredeploy.LabelProject: cfg.Deploy.Project,
						coredeploy.LabelRun:     st.Run.ID,
					},
				})
				if err != nil {
					return err
				}
				imageTag = tag
				p.logger.Info("image built", "run_id", st.Run.ID, "tag", tag)
				return nil
			},
		},
		{
			Name: "deploy",
			Run: func(ctx context.Context, st *pipeline.State) error {
				_, err := p.orchestrator.Deploy(ctx, deploy.Options{
					Project:       cfg.Deploy.Project,
					RunID:         st.Run.ID,
					WorkDir:       st.WorkDir,
					ComposeFile:   cfg.Deploy.ComposeFile,
					AppService:    cfg.Deploy.AppService,
					ImageTag:      imageTag,
					AppEnv:        p.secrets.AppEnv(),
					Secrets:       p.secrets.ComposeVariables(),
					HostPort:      cfg.Deploy.HostPort,
					ContainerPort: cfg.Deploy.ContainerPort,
					DBService:     cfg.Deploy.DBService,
					DBUser:        p.secrets.DBUser,
					SchemaInit: deploy.SchemaInit{
						Service: cfg.Deploy.SchemaInitService,
						Cmd:     cfg.Deploy.SchemaInitCmd,
					},
					ReadinessAttempts:     cfg.Deploy.ReadinessAttempts,
					ReadinessInterval:     cfg.Deploy.ReadinessInterval,
					ProceedAfterDBTimeout: cfg.Deploy.ProceedAfterDBTimeout,
					StopTimeout:           cfg.Deploy.StopTimeout,
				})
				return err
			},
		},
	}
}

// finalize runs on every exit path after the run reached its terminal status.
// It persists the final run state, including stages that never ran, and logs
// the run summary.
func (p *Pipeline) finalize(ctx context.Context, run *pipeline.Run) {
	for i := range run.Stages {
		sr := &run.Stages[i]
		if sr.Status == pipeline.StageSkipped {
			if err := p.store.RecordStageResult(ctx, run.ID, sr); err != nil {
				p.logger.Error("failed to persist skipped stage", "run_id", run.ID, "stage", sr.Name, "error", err)
			}
		}
	}
	if err := p.store.UpdateRun(ctx, run); err != nil {
		p.logger.Error("failed to persist final run state", "run_id", run.ID, "error", err)
	}

	attrs := []any{
		"run_id", run.ID,
		"status", run.Status,
		"branch", run.Branch,
		"revision", git.ShortRevision(run.Revision),
	}
	if run.GateVerdict != "" {
		attrs = append(attrs, "gate_verdict", run.GateVerdict)
	}
	if run.LockRegenerated {
		attrs = append(attrs, "lock_regenerated", true)
	}
	if run.ErrorMessage != "" {
		attrs = append(attrs, "error", run.ErrorMessage)
	}
	if run.Status == pipeline.RunSucceeded {
		p.logger.Info("pipeline run finished", attrs...)
	} else {
		p.logger.Error("pipeline run finished", attrs...)
	}
}

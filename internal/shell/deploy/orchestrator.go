// Package deploy executes the deployment stage: replace the running
// application instance, bring up auxiliary services, wait for the database,
// and run schema initialization.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/gantry/internal/core/compose"
	coredeploy "github.com/artpar/gantry/internal/core/deploy"
	"github.com/artpar/gantry/internal/core/readiness"
	"github.com/artpar/gantry/internal/shell/docker"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnboundVariables means the auxiliary services reference secrets that
	// were not provided, so nothing was started.
	ErrUnboundVariables = errors.New("unbound service variables")

	// ErrDatabaseNotReady means the database did not come up within the
	// readiness budget.
	ErrDatabaseNotReady = errors.New("database not ready")

	// ErrSchemaInitFailed means the schema initialization command exited
	// non-zero inside its container.
	ErrSchemaInitFailed = errors.New("schema initialization failed")

	// ErrServiceNotRunning means a container that a later step depends on is
	// not running.
	ErrServiceNotRunning = errors.New("service container not running")
)

// =============================================================================
// Orchestrator
// =============================================================================

// DefaultStopTimeout bounds how long a replaced container gets to shut down.
const DefaultStopTimeout = 10 * time.Second

// SchemaInit describes the one-shot schema initialization command and the
// compose service whose container runs it.
type SchemaInit struct {
	Service string
	Cmd     []string
}

// Options carries everything the deployment stage needs. Values only; the
// orchestrator does not read config or ambient state.
type Options struct {
	// Project scopes container, network and volume names.
	Project string

	// RunID labels everything started by this deployment.
	RunID string

	// WorkDir is the checked-out workspace root.
	WorkDir string

	// ComposeFile is the auxiliary services file relative to WorkDir.
	// Empty means no auxiliary services.
	ComposeFile string

	// AppService names the application service, e.g. "api".
	AppService string

	// ImageTag is the application image built earlier in the run.
	ImageTag string

	// AppEnv is the application environment, secrets included.
	AppEnv map[string]string

	// Secrets bind ${VAR} placeholders in auxiliary service definitions.
	Secrets map[string]string

	// HostPort/ContainerPort publish the application port.
	HostPort      int
	ContainerPort int

	// DBService names the database service for the readiness poll and, by
	// default, schema init. Empty skips both.
	DBService string

	// DBUser is passed to pg_isready.
	DBUser string

	// SchemaInit runs after the database is ready. Zero value skips it.
	SchemaInit SchemaInit

	// ReadinessAttempts/ReadinessInterval bound the database poll. Zero
	// values take the readiness package defaults.
	ReadinessAttempts int
	ReadinessInterval time.Duration

	// ProceedAfterDBTimeout continues the deployment when the database never
	// reported ready. Off by default.
	ProceedAfterDBTimeout bool

	// StopTimeout bounds shutdown of replaced containers.
	StopTimeout time.Duration
}

// Result reports what the deployment started.
type Result struct {
	AppContainerID string
	AuxServices    []string
}

// Orchestrator executes deployments against a Docker engine.
type Orchestrator struct {
	docker docker.Client
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client docker.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{docker: client, logger: logger}
}

// Deploy runs the full deployment sequence. Cleanup of previous instances is
// tolerant; everything after it is strict. There is no rollback: services
// started before a failure stay up.
func (o *Orchestrator) Deploy(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}
	networkName := coredeploy.NetworkName(opts.Project)
	appName := coredeploy.ContainerName(opts.Project, opts.AppService)

	// 1. Clear the previous application instance. Absence is fine.
	o.logger.Info("removing previous instance", "container", appName)
	if err := o.removeInstance(appName, opts.StopTimeout); err != nil {
		return nil, fmt.Errorf("remove previous instance: %w", err)
	}

	if _, err := o.docker.EnsureNetwork(docker.NetworkSpec{
		Name:   networkName,
		Labels: map[string]string{coredeploy.LabelManaged: "true", coredeploy.LabelProject: opts.Project},
	}); err != nil {
		return nil, fmt.Errorf("ensure network: %w", err)
	}

	// 2. Auxiliary services.
	if opts.ComposeFile != "" {
		started, err := o.startAuxServices(ctx, opts, networkName)
		if err != nil {
			return nil, err
		}
		result.AuxServices = started
	}

	// 3. Database readiness.
	if opts.DBService != "" {
		if err := o.waitForDatabase(ctx, opts); err != nil {
			return nil, err
		}
	}

	// 4. Schema initialization.
	if len(opts.SchemaInit.Cmd) > 0 {
		if err := o.runSchemaInit(ctx, opts); err != nil {
			return nil, err
		}
	}

	// 5. New application instance.
	appID, err := o.startApp(opts, networkName)
	if err != nil {
		return nil, err
	}
	result.AppContainerID = appID

	o.logger.Info("deployment complete",
		"project", opts.Project,
		"app_container", appID,
		"aux_services", len(result.AuxServices),
	)
	return result, nil
}

// =============================================================================
// Auxiliary Services
// =============================================================================

func (o *Orchestrator) startAuxServices(ctx context.Context, opts Options, networkName string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(opts.WorkDir, opts.ComposeFile))
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	stack, err := compose.ParseStack(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}

	// Every referenced secret must be bound before anything starts.
	required := compose.RequiredVariables(string(data))
	if missing := coredeploy.MissingVariables(required, opts.Secrets); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnboundVariables, strings.Join(missing, ", "))
	}

	for _, vol := range stack.Volumes {
		if _, err := o.docker.CreateVolume(docker.VolumeSpec{
			Name:   coredeploy.VolumeName(opts.Project, vol.Name),
			Labels: map[string]string{coredeploy.LabelManaged: "true", coredeploy.LabelProject: opts.Project},
		}); err != nil {
			return nil, fmt.Errorf("create volume %s: %w", vol.Name, err)
		}
	}

	var started []string
	for _, svc := range coredeploy.PlanStartOrder(stack.Services) {
		image := svc.Image
		if svc.Build != nil {
			image = fmt.Sprintf("%s-%s:%s", opts.Project, svc.Name, opts.RunID)
			o.logger.Info("building service image", "service", svc.Name, "tag", image)
			if err := o.docker.BuildImage(ctx, docker.BuildSpec{
				ContextDir: filepath.Join(opts.WorkDir, svc.Build.Context),
				Dockerfile: svc.Build.Dockerfile,
				Tags:       []string{image},
				Labels:     map[string]string{coredeploy.LabelRun: opts.RunID},
			}); err != nil {
				return nil, fmt.Errorf("build service %s: %w", svc.Name, err)
			}
			svc.Image = image
		}

		plan := coredeploy.BuildServicePlan(coredeploy.BuildServicePlanParams{
			Project:     opts.Project,
			RunID:       opts.RunID,
			Service:     svc,
			Secrets:     opts.Secrets,
			NetworkName: networkName,
		})

		if err := o.replaceContainer(plan, opts.StopTimeout); err != nil {
			return nil, fmt.Errorf("start service %s: %w", svc.Name, err)
		}

		o.logger.Info("service started", "service", svc.Name, "container", plan.Name)
		started = append(started, svc.Name)
	}

	return started, nil
}

// removeInstance stops and removes the named container if it exists. A
// stopped or missing container is not an error.
func (o *Orchestrator) removeInstance(name string, stopTimeout time.Duration) error {
	info, err := o.docker.FindContainerByName(name)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if info.Status == docker.ContainerStatusRunning {
		if err := o.docker.StopContainer(info.ID, &stopTimeout); err != nil &&
			!errors.Is(err, docker.ErrContainerNotFound) &&
			!errors.Is(err, docker.ErrContainerNotRunning) {
			return err
		}
	}

	err = o.docker.RemoveContainer(info.ID, docker.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		return err
	}
	return nil
}

// replaceContainer removes any same-named container, then creates and starts
// the planned one.
func (o *Orchestrator) replaceContainer(plan coredeploy.ContainerPlan, stopTimeout time.Duration) error {
	if err := o.removeInstance(plan.Name, stopTimeout); err != nil {
		return err
	}

	if plan.Image != "" {
		exists, err := o.docker.ImageExists(plan.Image)
		if err != nil {
			return err
		}
		if !exists {
			o.logger.Info("pulling image", "image", plan.Image)
			if err := o.docker.PullImage(plan.Image, docker.PullOptions{}); err != nil {
				return err
			}
		}
	}

	id, err := o.docker.CreateContainer(toContainerSpec(plan))
	if err != nil {
		return err
	}
	if err := o.docker.StartContainer(id); err != nil {
		return err
	}
	return nil
}

// toContainerSpec maps a pure plan onto the engine adapter's spec.
func toContainerSpec(plan coredeploy.ContainerPlan) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:       plan.Name,
		Image:      plan.Image,
		Command:    plan.Command,
		Entrypoint: plan.Entrypoint,
		Env:        plan.Env,
		Labels:     plan.Labels,
		Networks:   plan.Networks,
		RestartPolicy: docker.RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
	}
	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	for _, v := range plan.Volumes {
		spec.Volumes = append(spec.Volumes, docker.VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	if plan.HealthCheck != nil {
		spec.HealthCheck = &docker.HealthCheck{
			Test:        plan.HealthCheck.Test,
			Interval:    plan.HealthCheck.Interval,
			Timeout:     plan.HealthCheck.Timeout,
			Retries:     plan.HealthCheck.Retries,
			StartPeriod: plan.HealthCheck.StartPeriod,
		}
	}
	return spec
}

// =============================================================================
// Database Readiness
// =============================================================================

func (o *Orchestrator) waitForDatabase(ctx context.Context, opts Options) error {
	dbName := coredeploy.ContainerName(opts.Project, opts.DBService)

	check := func(ctx context.Context) error {
		info, err := o.docker.FindContainerByName(dbName)
		if err != nil {
			return err
		}
		if info == nil || info.Status != docker.ContainerStatusRunning {
			return fmt.Errorf("%w: %s", ErrServiceNotRunning, dbName)
		}

		args := []string{"pg_isready"}
		if opts.DBUser != "" {
			args = append(args, "-U", opts.DBUser)
		}
		result, err := o.docker.ExecInContainer(ctx, info.ID, docker.ExecSpec{Cmd: args})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("pg_isready exit %d: %s", result.ExitCode, strings.TrimSpace(result.Output))
		}
		return nil
	}

	attempts := opts.ReadinessAttempts
	if attempts <= 0 {
		attempts = readiness.DefaultAttempts
	}
	interval := opts.ReadinessInterval
	if interval <= 0 {
		interval = readiness.DefaultInterval
	}

	o.logger.Info("waiting for database", "container", dbName, "attempts", attempts)
	result := readiness.Poll(ctx, check, attempts, interval)
	if result.Ready() {
		o.logger.Info("database ready", "attempts", result.Attempts)
		return nil
	}

	if opts.ProceedAfterDBTimeout {
		o.logger.Warn("database not ready, proceeding anyway",
			"attempts", result.Attempts,
			"last_error", result.LastErr,
		)
		return nil
	}
	o.logContainerTail(dbName)
	return fmt.Errorf("%w after %d attempts: %v", ErrDatabaseNotReady, result.Attempts, result.LastErr)
}

// logContainerTail surfaces the end of a container's log when a deployment
// step fails. Nothing gets rolled back, so this output is frequently the
// only record of what the container was doing.
func (o *Orchestrator) logContainerTail(name string) {
	info, err := o.docker.FindContainerByName(name)
	if err != nil || info == nil {
		return
	}
	reader, err := o.docker.ContainerLogs(info.ID, docker.LogOptions{Tail: "50"})
	if err != nil || reader == nil {
		return
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, 64*1024))
	if err != nil {
		return
	}
	o.logger.Error("container output before failure",
		"container", name,
		"output", strings.TrimSpace(string(data)),
	)
}

// =============================================================================
// Schema Initialization
// =============================================================================

func (o *Orchestrator) runSchemaInit(ctx context.Context, opts Options) error {
	service := opts.SchemaInit.Service
	if service == "" {
		service = opts.DBService
	}
	name := coredeploy.ContainerName(opts.Project, service)

	info, err := o.docker.FindContainerByName(name)
	if err != nil {
		return err
	}
	if info == nil || info.Status != docker.ContainerStatusRunning {
		return fmt.Errorf("%w: %s", ErrServiceNotRunning, name)
	}

	o.logger.Info("running schema init", "container", name, "cmd", strings.Join(opts.SchemaInit.Cmd, " "))
	result, err := o.docker.ExecInContainer(ctx, info.ID, docker.ExecSpec{Cmd: opts.SchemaInit.Cmd})
	if err != nil {
		return fmt.Errorf("schema init: %w", err)
	}
	if result.ExitCode != 0 {
		o.logContainerTail(name)
		return fmt.Errorf("%w: exit %d: %s", ErrSchemaInitFailed, result.ExitCode, strings.TrimSpace(result.Output))
	}
	return nil
}

// =============================================================================
// Application Instance
// =============================================================================

func (o *Orchestrator) startApp(opts Options, networkName string) (string, error) {
	plan := coredeploy.BuildAppPlan(coredeploy.BuildAppPlanParams{
		Project:       opts.Project,
		RunID:         opts.RunID,
		ServiceName:   opts.AppService,
		ImageTag:      opts.ImageTag,
		Env:           opts.AppEnv,
		HostPort:      opts.HostPort,
		ContainerPort: opts.ContainerPort,
		NetworkName:   networkName,
	})

	id, err := o.docker.CreateContainer(toContainerSpec(plan))
	if err != nil {
		return "", fmt.Errorf("create app container: %w", err)
	}
	if err := o.docker.StartContainer(id); err != nil {
		o.logContainerTail(plan.Name)
		return "", fmt.Errorf("start app container: %w", err)
	}
	return id, nil
}

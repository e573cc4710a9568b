// Package deploy contains pure planning functions for the deployment stage:
// instance naming, environment merging, port conversion and start ordering.
// The shell executes the plans; nothing here touches the Docker API.
package deploy

import "time"

// =============================================================================
// Labels
// =============================================================================

const (
	// LabelManaged marks containers created by gantry.
	LabelManaged = "gantry.managed"
	// LabelProject is the pipeline project the container belongs to.
	LabelProject = "gantry.project"
	// LabelService is the compose service name the container was planned from.
	LabelService = "gantry.service"
	// LabelRun is the pipeline run that started the container.
	LabelRun = "gantry.run"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan is everything the shell needs to create one container.
type ContainerPlan struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Networks      []string
	Labels        map[string]string
	RestartPolicy RestartPolicyPlan
	HealthCheck   *HealthCheckPlan
}

// PortPlan is a single port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan is a single volume mount.
type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RestartPolicyPlan is the restart policy in engine terms.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// HealthCheckPlan is the health check in engine terms.
type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

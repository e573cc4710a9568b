package deploy

import (
	"time"

	"github.com/artpar/gantry/internal/core/compose"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildServicePlanParams carries the inputs for planning one auxiliary
// service container.
type BuildServicePlanParams struct {
	// Project scopes names, volumes and the network.
	Project string
	// RunID is the pipeline run starting this container.
	RunID string
	// Service is the parsed compose service.
	Service compose.Service
	// Secrets are the run's secret values, substituted into ${VAR}
	// placeholders in the service environment.
	Secrets map[string]string
	// NetworkName is the project network every planned container joins.
	NetworkName string
}

// BuildServicePlan turns a compose service into a ContainerPlan the shell
// can execute. Pure: environment substitution, naming and unit mapping only.
func BuildServicePlan(params BuildServicePlanParams) ContainerPlan {
	svc := params.Service

	plan := ContainerPlan{
		Name:       ContainerName(params.Project, svc.Name),
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelProject: params.Project,
			LabelService: svc.Name,
			LabelRun:     params.RunID,
		},
		Networks: []string{params.NetworkName},
	}

	for k, v := range svc.Environment {
		plan.Env[k] = SubstituteVariables(v, params.Secrets)
	}

	for _, p := range svc.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		// Named volumes are scoped to the project.
		if v.Type == compose.VolumeMountTypeVolume {
			source = VolumeName(params.Project, v.Source)
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	if svc.HealthCheck != nil {
		plan.HealthCheck = &HealthCheckPlan{
			Test:    svc.HealthCheck.Test,
			Retries: svc.HealthCheck.Retries,
		}
		if d, err := time.ParseDuration(svc.HealthCheck.Interval); err == nil {
			plan.HealthCheck.Interval = d
		}
		if d, err := time.ParseDuration(svc.HealthCheck.Timeout); err == nil {
			plan.HealthCheck.Timeout = d
		}
		if d, err := time.ParseDuration(svc.HealthCheck.StartPeriod); err == nil {
			plan.HealthCheck.StartPeriod = d
		}
	}

	plan.RestartPolicy = mapRestartPolicy(svc.Restart)

	for k, v := range svc.Labels {
		plan.Labels[k] = v
	}

	return plan
}

// BuildAppPlanParams carries the inputs for planning the application
// container built by the image stage.
type BuildAppPlanParams struct {
	Project     string
	RunID       string
	ServiceName string
	// ImageTag is the image produced by the image build stage.
	ImageTag string
	// Env is the full application environment, secrets included. The caller
	// builds it from the run's secret set; values are used verbatim.
	Env map[string]string
	// HostPort/ContainerPort is the fixed published port mapping.
	HostPort      int
	ContainerPort int
	NetworkName   string
}

// BuildAppPlan plans the application container: canonical name, injected
// environment, one published port, always-restart policy.
func BuildAppPlan(params BuildAppPlanParams) ContainerPlan {
	env := make(map[string]string, len(params.Env))
	for k, v := range params.Env {
		env[k] = v
	}

	return ContainerPlan{
		Name:  ContainerName(params.Project, params.ServiceName),
		Image: params.ImageTag,
		Env:   env,
		Ports: []PortPlan{
			{ContainerPort: params.ContainerPort, HostPort: params.HostPort, Protocol: "tcp"},
		},
		Networks: []string{params.NetworkName},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelProject: params.Project,
			LabelService: params.ServiceName,
			LabelRun:     params.RunID,
		},
		RestartPolicy: RestartPolicyPlan{Name: "unless-stopped"},
	}
}

// mapRestartPolicy maps compose restart policy to the engine policy name.
func mapRestartPolicy(policy compose.RestartPolicy) RestartPolicyPlan {
	switch policy {
	case compose.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case compose.RestartOnFailure:
		return RestartPolicyPlan{Name: "on-failure"}
	case compose.RestartUnlessStopped:
		return RestartPolicyPlan{Name: "unless-stopped"}
	default:
		return RestartPolicyPlan{Name: "no"}
	}
}

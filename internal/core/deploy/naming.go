package deploy

import "fmt"

// =============================================================================
// Instance Naming Functions
// =============================================================================

// The deploy stage enforces at most one live container per name; these
// functions define the canonical names that invariant applies to. Names are
// stable across runs so that replacing an instance targets its predecessor.

// ContainerName generates the canonical container name for a service.
// Pattern: {project}-{serviceName}
//
// Example:
//
//	ContainerName("campus-api", "db") // returns "campus-api-db"
func ContainerName(project, serviceName string) string {
	return fmt.Sprintf("%s-%s", project, serviceName)
}

// NetworkName generates the project network name.
// Pattern: {project}_default
func NetworkName(project string) string {
	return fmt.Sprintf("%s_default", project)
}

// VolumeName generates a project-scoped volume name.
// Pattern: {project}_{volumeName}
func VolumeName(project, volumeName string) string {
	return fmt.Sprintf("%s_%s", project, volumeName)
}

package deploy

import (
	"testing"

	"github.com/artpar/gantry/internal/core/compose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(services []compose.Service) []string {
	out := make([]string, len(services))
	for i, svc := range services {
		out[i] = svc.Name
	}
	return out
}

func TestPlanStartOrder_Empty(t *testing.T) {
	assert.Empty(t, PlanStartOrder(nil))
}

func TestPlanStartOrder_NoDependencies(t *testing.T) {
	services := []compose.Service{{Name: "db"}, {Name: "pgadmin"}}
	sorted := PlanStartOrder(services)
	assert.ElementsMatch(t, []string{"db", "pgadmin"}, names(sorted))
}

func TestPlanStartOrder_Chain(t *testing.T) {
	services := []compose.Service{
		{Name: "pgadmin", DependsOn: []string{"db"}},
		{Name: "api", DependsOn: []string{"db"}},
		{Name: "db"},
	}

	sorted := PlanStartOrder(services)
	require.Len(t, sorted, 3)
	assert.Equal(t, "db", sorted[0].Name)
}

func TestPlanStartOrder_DeepChain(t *testing.T) {
	services := []compose.Service{
		{Name: "web", DependsOn: []string{"api"}},
		{Name: "api", DependsOn: []string{"db"}},
		{Name: "db"},
	}

	sorted := PlanStartOrder(services)
	assert.Equal(t, []string{"db", "api", "web"}, names(sorted))
}

func TestPlanStartOrder_CycleFallbackKeepsAll(t *testing.T) {
	// Cycles are rejected at parse time; the sort still returns every
	// service if one slips through.
	services := []compose.Service{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}

	sorted := PlanStartOrder(services)
	assert.ElementsMatch(t, []string{"a", "b"}, names(sorted))
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestContainerName(t *testing.T) {
	assert.Equal(t, "campus-api-db", ContainerName("campus-api", "db"))
}

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "campus-api_default", NetworkName("campus-api"))
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "campus-api_pgdata", VolumeName("campus-api", "pgdata"))
}

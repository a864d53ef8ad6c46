package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const minimalValidPlan = `
name: release-42
strategy: sequential
targets:
  - id: api.example.com
    environment: staging
`

const multiTargetPlan = `
name: Release 42
strategy: parallel
max_concurrency: 2
continue_on_error: true
variables:
  REGION: us-east-1
defaults:
  environment: production
  service: api
  health_path: /healthz
targets:
  - id: api.example.com
    resource: api-db
    variables:
      REGION: eu-west-1
      TIER: gold

  - id: web.example.com
    environment: staging
    service: web
    health_path: /status
`

// =============================================================================
// Parser Tests
// =============================================================================

func TestParse_MinimalPlan(t *testing.T) {
	plan, err := Parse(minimalValidPlan)
	require.NoError(t, err)

	assert.Equal(t, "release-42", plan.Name)
	assert.Equal(t, domain.StrategySequential, plan.Strategy)
	require.Len(t, plan.Targets, 1)
	assert.Equal(t, "api.example.com", plan.Targets[0].ID)
	assert.Equal(t, domain.EnvStaging, plan.Targets[0].Environment)
}

func TestParse_MultiTargetPlan(t *testing.T) {
	plan, err := Parse(multiTargetPlan)
	require.NoError(t, err)

	assert.Equal(t, "release-42", plan.Name) // slugified
	assert.Equal(t, domain.StrategyParallel, plan.Strategy)
	assert.Equal(t, 2, plan.MaxConcurrency)
	assert.True(t, plan.ContinueOnError)
	require.Len(t, plan.Targets, 2)

	api := plan.Targets[0]
	assert.Equal(t, domain.EnvProduction, api.Environment) // from defaults
	assert.Equal(t, "api", api.Service)                    // from defaults
	assert.Equal(t, "/healthz", api.HealthPath)            // from defaults
	assert.Equal(t, "api-db", api.Resource)
	assert.Equal(t, "eu-west-1", api.Variables["REGION"]) // target wins
	assert.Equal(t, "gold", api.Variables["TIER"])

	web := plan.Targets[1]
	assert.Equal(t, domain.EnvStaging, web.Environment) // explicit wins
	assert.Equal(t, "web", web.Service)
	assert.Equal(t, "/status", web.HealthPath)
	assert.Equal(t, "us-east-1", web.Variables["REGION"]) // plan-wide
}

func TestParse_DefaultStrategyIsSequential(t *testing.T) {
	plan, err := Parse(`
name: release-42
targets:
  - id: api.example.com
    environment: staging
`)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySequential, plan.Strategy)
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse("   \n\t")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse("name: [unclosed")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse(`
name: release-42
strategy: sequential
tragets:
  - id: api.example.com
`)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestParse_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "no targets",
			yaml: "name: release-42\nstrategy: parallel\n",
			want: domain.ErrNoTargets,
		},
		{
			name: "bad strategy",
			yaml: "name: release-42\nstrategy: canary\ntargets:\n  - id: a\n    environment: staging\n",
			want: domain.ErrInvalidStrategy,
		},
		{
			name: "bad environment",
			yaml: "name: release-42\nstrategy: parallel\ntargets:\n  - id: a\n    environment: qa\n",
			want: domain.ErrInvalidEnvironment,
		},
		{
			name: "duplicate target",
			yaml: "name: release-42\nstrategy: parallel\ntargets:\n  - id: a\n    environment: staging\n  - id: a\n    environment: staging\n",
			want: domain.ErrDuplicateTarget,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.yaml)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

// =============================================================================
// Marshal Tests
// =============================================================================

func TestMarshal_RoundTrip(t *testing.T) {
	plan, err := Parse(multiTargetPlan)
	require.NoError(t, err)

	out, err := Marshal(plan)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, plan.Name, again.Name)
	assert.Equal(t, plan.Strategy, again.Strategy)
	require.Len(t, again.Targets, len(plan.Targets))
	assert.Equal(t, plan.Targets[0].Variables, again.Targets[0].Variables)
}

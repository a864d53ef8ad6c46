package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Plan File Schema
// =============================================================================

// planFile is the YAML schema of a rollout plan document.
type planFile struct {
	Name            string            `yaml:"name"`
	Strategy        string            `yaml:"strategy"`
	MaxConcurrency  int               `yaml:"max_concurrency"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	Defaults        planDefaults      `yaml:"defaults"`
	Targets         []planTarget      `yaml:"targets"`
	Variables       map[string]string `yaml:"variables"`
}

// planDefaults fills in target fields left blank in the targets list.
type planDefaults struct {
	Environment string `yaml:"environment"`
	Service     string `yaml:"service"`
	HealthPath  string `yaml:"health_path"`
}

type planTarget struct {
	ID          string            `yaml:"id"`
	Environment string            `yaml:"environment"`
	Service     string            `yaml:"service"`
	Resource    string            `yaml:"resource"`
	HealthPath  string            `yaml:"health_path"`
	Variables   map[string]string `yaml:"variables"`
}

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a rollout plan YAML document into a validated RolloutPlan.
// This is a pure function - no I/O, no side effects.
func Parse(yamlContent string) (*domain.RolloutPlan, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	file, err := loadPlanFile(yamlContent)
	if err != nil {
		return nil, err
	}

	plan := convertPlan(file)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// loadPlanFile decodes the YAML document with strict field checking.
func loadPlanFile(yamlContent string) (*planFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(yamlContent)))
	dec.KnownFields(true)

	var file planFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyInput
		}
		if strings.Contains(err.Error(), "not found in type") {
			return nil, NewParseError("", err.Error(), ErrUnknownField)
		}
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}
	return &file, nil
}

// convertPlan maps the YAML schema onto the domain model, applying the
// plan-level defaults and normalizing the plan name.
func convertPlan(file *planFile) *domain.RolloutPlan {
	plan := &domain.RolloutPlan{
		Name:            domain.Slugify(file.Name),
		Strategy:        domain.Strategy(file.Strategy),
		MaxConcurrency:  file.MaxConcurrency,
		ContinueOnError: file.ContinueOnError,
		Targets:         make([]domain.Target, 0, len(file.Targets)),
	}
	if plan.Strategy == "" {
		plan.Strategy = domain.StrategySequential
	}

	for _, t := range file.Targets {
		plan.Targets = append(plan.Targets, convertTarget(t, file))
	}
	return plan
}

func convertTarget(t planTarget, file *planFile) domain.Target {
	target := domain.Target{
		ID:          t.ID,
		Environment: domain.Environment(t.Environment),
		Service:     t.Service,
		Resource:    t.Resource,
		HealthPath:  t.HealthPath,
	}

	if target.Environment == "" {
		target.Environment = domain.Environment(file.Defaults.Environment)
	}
	if target.Service == "" {
		target.Service = file.Defaults.Service
	}
	if target.HealthPath == "" {
		target.HealthPath = file.Defaults.HealthPath
	}

	target.Variables = mergeVariables(file.Variables, t.Variables)
	return target
}

// mergeVariables overlays target variables on plan-wide variables.
// Target values win on key collision.
func mergeVariables(planVars, targetVars map[string]string) map[string]string {
	if len(planVars) == 0 && len(targetVars) == 0 {
		return nil
	}

	merged := make(map[string]string, len(planVars)+len(targetVars))
	for k, v := range planVars {
		merged[k] = v
	}
	for k, v := range targetVars {
		merged[k] = v
	}
	return merged
}

// =============================================================================
// Rendering
// =============================================================================

// Marshal renders a plan back to YAML, used when persisting a normalized
// plan alongside its rollout record.
func Marshal(plan *domain.RolloutPlan) (string, error) {
	file := planFile{
		Name:            plan.Name,
		Strategy:        string(plan.Strategy),
		MaxConcurrency:  plan.MaxConcurrency,
		ContinueOnError: plan.ContinueOnError,
		Targets:         make([]planTarget, 0, len(plan.Targets)),
	}
	for _, t := range plan.Targets {
		file.Targets = append(file.Targets, planTarget{
			ID:          t.ID,
			Environment: string(t.Environment),
			Service:     t.Service,
			Resource:    t.Resource,
			HealthPath:  t.HealthPath,
			Variables:   t.Variables,
		})
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("marshal rollout plan: %w", err)
	}
	return string(out), nil
}

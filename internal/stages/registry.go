// Package stages defines the pipeline stages: their order, their agents and
// the typed projections that build each stage's input from earlier results.
package stages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// Definition describes one stage of the pipeline.
type Definition struct {
	Name core.StageName
	// Idempotent stages may be retried after transient invocation errors.
	Idempotent bool
	build      func(run *core.WorkflowRun) (any, error)
	newOutput  func() validator
}

// BuildInput projects the stage input from the run's inputs and stored results.
func (d Definition) BuildInput(run *core.WorkflowRun) (any, error) {
	input, err := d.build(run)
	if err != nil {
		return nil, fmt.Errorf("building %s input: %w", d.Name, err)
	}
	return input, nil
}

// ValidateOutput decodes the agent data into the stage's output type, checks
// required fields and returns the payload to store. Missing or null data is an
// empty result, stored as {}, for stages whose output has no required fields.
// Failures carry the raw response in the error details.
func (d Definition) ValidateOutput(raw json.RawMessage) (json.RawMessage, error) {
	out := d.newOutput()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if err := out.validate(); err != nil {
			return nil, outputError(d.Name, raw, "agent returned no data")
		}
		return json.RawMessage(`{}`), nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return nil, outputError(d.Name, raw, fmt.Sprintf("decoding output: %v", err))
	}
	if err := out.validate(); err != nil {
		return nil, outputError(d.Name, raw, err.Error())
	}
	return raw, nil
}

func outputError(stage core.StageName, raw json.RawMessage, msg string) error {
	return core.ErrExecution(core.CodeOutputInvalid, fmt.Sprintf("invalid %s output: %s", stage, msg)).
		WithDetail("raw_response", string(raw))
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required field %q", name)
	}
	return nil
}

var definitions = map[core.StageName]Definition{
	core.StageMarketResearch: {
		Name:       core.StageMarketResearch,
		Idempotent: true,
		build:      buildMarketResearchInput,
		newOutput:  func() validator { return &MarketResearchOutput{} },
	},
	core.StageImprovement: {
		Name:       core.StageImprovement,
		Idempotent: true,
		build:      buildImprovementInput,
		newOutput:  func() validator { return &ImprovementOutput{} },
	},
	core.StageBranding: {
		Name:       core.StageBranding,
		Idempotent: true,
		build:      buildBrandingInput,
		newOutput:  func() validator { return &BrandingOutput{} },
	},
	core.StageCodeGeneration: {
		Name:      core.StageCodeGeneration,
		build:     buildCodeGenerationInput,
		newOutput: func() validator { return &CodeGenerationOutput{} },
	},
	core.StageMarketing: {
		Name:       core.StageMarketing,
		Idempotent: true,
		build:      buildMarketingInput,
		newOutput:  func() validator { return &MarketingOutput{} },
	},
	core.StageDeployment: {
		Name:      core.StageDeployment,
		build:     buildDeploymentInput,
		newOutput: func() validator { return &DeploymentOutput{} },
	},
}

// Endpoint locates the agent serving a stage.
type Endpoint struct {
	URL     string
	AgentID string
	// Simple agents expose POST <url>/invoke instead of /a2a/<stage>/invoke.
	Simple bool
	// Timeout overrides the invoker default when non-zero.
	Timeout time.Duration
}

// Registry is the static, ordered stage catalogue plus agent endpoints.
type Registry struct {
	endpoints      map[core.StageName]Endpoint
	approvalStage  core.StageName
	defaultVariant core.Variant
}

// Option configures a Registry.
type Option func(*Registry)

// WithApprovalStage sets the stage that requires human sign-off before it runs.
// An empty stage disables the gate.
func WithApprovalStage(stage core.StageName) Option {
	return func(r *Registry) {
		r.approvalStage = stage
	}
}

// WithDefaultVariant sets the variant used when a run does not name one.
func WithDefaultVariant(v core.Variant) Option {
	return func(r *Registry) {
		r.defaultVariant = v
	}
}

// NewRegistry creates a registry. Endpoints are only required for stages that
// belong to a pipeline actually requested.
func NewRegistry(endpoints map[core.StageName]Endpoint, opts ...Option) (*Registry, error) {
	r := &Registry{
		endpoints:      make(map[core.StageName]Endpoint, len(endpoints)),
		approvalStage:  core.StageDeployment,
		defaultVariant: core.VariantStandard,
	}
	for _, opt := range opts {
		opt(r)
	}

	var errs []error
	for stage, ep := range endpoints {
		if !core.ValidStage(stage) {
			errs = append(errs, fmt.Errorf("unknown stage %q", stage))
			continue
		}
		ep.URL = strings.TrimRight(strings.TrimSpace(ep.URL), "/")
		if ep.AgentID == "" {
			ep.AgentID = string(stage) + "-agent"
		}
		r.endpoints[stage] = ep
	}
	if r.approvalStage != "" && !core.ValidStage(r.approvalStage) {
		errs = append(errs, fmt.Errorf("unknown approval stage %q", r.approvalStage))
	}
	if !core.ValidVariant(r.defaultVariant) {
		errs = append(errs, fmt.Errorf("unknown variant %q", r.defaultVariant))
	}
	if len(errs) > 0 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, errors.Join(errs...).Error())
	}
	return r, nil
}

// Definition returns the stage definition.
func (r *Registry) Definition(stage core.StageName) (Definition, error) {
	def, ok := definitions[stage]
	if !ok {
		return Definition{}, core.ErrExecution(core.CodeUnknownStage, fmt.Sprintf("unknown stage: %s", stage))
	}
	return def, nil
}

// Endpoint returns the agent endpoint configured for the stage.
func (r *Registry) Endpoint(stage core.StageName) (Endpoint, error) {
	ep, ok := r.endpoints[stage]
	if !ok || ep.URL == "" {
		return Endpoint{}, core.ErrConfig(fmt.Sprintf("no agent url configured for stage %s", stage))
	}
	return ep, nil
}

// ApprovalStage returns the configured approval stage, or empty when disabled.
func (r *Registry) ApprovalStage() core.StageName {
	return r.approvalStage
}

// ResolveVariant maps an empty variant to the registry default.
func (r *Registry) ResolveVariant(v core.Variant) core.Variant {
	if v == "" {
		return r.defaultVariant
	}
	return v
}

// Pipeline returns the ordered stages for a variant. Every stage of the
// pipeline must have an endpoint.
func (r *Registry) Pipeline(v core.Variant) (*Pipeline, error) {
	v = r.ResolveVariant(v)
	var order []core.StageName
	switch v {
	case core.VariantStandard:
		order = []core.StageName{
			core.StageMarketResearch,
			core.StageImprovement,
			core.StageBranding,
			core.StageDeployment,
		}
	case core.VariantExtended:
		order = []core.StageName{
			core.StageMarketResearch,
			core.StageImprovement,
			core.StageBranding,
			core.StageCodeGeneration,
			core.StageMarketing,
			core.StageDeployment,
		}
	default:
		return nil, core.ErrValidation(core.CodeInvalidVariant, fmt.Sprintf("unknown variant: %s", v))
	}

	for _, stage := range order {
		if _, err := r.Endpoint(stage); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{Variant: v, stages: order}
	for _, stage := range order {
		if stage == r.approvalStage {
			p.approvalStage = stage
		}
	}
	return p, nil
}

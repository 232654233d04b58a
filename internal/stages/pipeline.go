package stages

import (
	"encoding/json"
	"fmt"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// Pipeline is the ordered list of stages for one variant.
type Pipeline struct {
	Variant       core.Variant
	stages        []core.StageName
	approvalStage core.StageName
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []core.StageName {
	out := make([]core.StageName, len(p.stages))
	copy(out, p.stages)
	return out
}

// First returns the first stage.
func (p *Pipeline) First() core.StageName {
	return p.stages[0]
}

// Index returns the position of a stage, or -1.
func (p *Pipeline) Index(stage core.StageName) int {
	for i, s := range p.stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// Contains reports whether the stage is part of the pipeline.
func (p *Pipeline) Contains(stage core.StageName) bool {
	return p.Index(stage) >= 0
}

// Next returns the stage after the given one. ok is false after the last stage.
func (p *Pipeline) Next(stage core.StageName) (next core.StageName, ok bool) {
	i := p.Index(stage)
	if i < 0 || i+1 >= len(p.stages) {
		return "", false
	}
	return p.stages[i+1], true
}

// ApprovalStage returns the gated stage, or empty if none of the pipeline's
// stages requires sign-off.
func (p *Pipeline) ApprovalStage() core.StageName {
	return p.approvalStage
}

// RequiresApproval reports whether the stage must be approved before it runs.
func (p *Pipeline) RequiresApproval(stage core.StageName) bool {
	return p.approvalStage != "" && stage == p.approvalStage
}

// Graph builds the status transition graph for the pipeline.
//
// Each stage is entered from the status of the stage before it (starting for
// the first one). The approval stage is instead entered through
// pending_approval and approved_resuming. Every non-terminal status other
// than pending_approval may fail.
func (p *Pipeline) Graph() *core.TransitionGraph {
	g := core.NewTransitionGraph()
	prev := core.RunStatusStarting
	for _, stage := range p.stages {
		if p.RequiresApproval(stage) {
			g.Allow(prev, core.RunStatusPendingApproval)
			g.Allow(core.RunStatusPendingApproval, core.RunStatusApprovedResuming, core.RunStatusRejected)
			g.Allow(core.RunStatusApprovedResuming, stage.Status())
		} else {
			g.Allow(prev, stage.Status())
		}
		g.Allow(stage.Status(), core.RunStatusFailed)
		prev = stage.Status()
	}
	g.Allow(prev, core.RunStatusCompleted)
	g.Allow(core.RunStatusStarting, core.RunStatusFailed)
	if p.approvalStage != "" {
		g.Allow(core.RunStatusApprovedResuming, core.RunStatusFailed)
	}
	return g
}

// FinalResult is the payload recorded when a run completes.
type FinalResult struct {
	InitialTopic string                             `json:"initial_topic"`
	TargetURL    string                             `json:"target_url,omitempty"`
	Variant      core.Variant                       `json:"variant"`
	Stages       map[core.StageName]json.RawMessage `json:"stages"`
	Deployment   json.RawMessage                    `json:"deployment,omitempty"`
}

// AssembleFinalResult collects the pipeline's stage results into the final result.
func (p *Pipeline) AssembleFinalResult(run *core.WorkflowRun) (json.RawMessage, error) {
	fr := FinalResult{
		InitialTopic: run.InitialTopic,
		TargetURL:    run.TargetURL,
		Variant:      p.Variant,
		Stages:       make(map[core.StageName]json.RawMessage, len(p.stages)),
	}
	for _, stage := range p.stages {
		raw, ok := run.StageResults[stage]
		if !ok {
			return nil, core.ErrState("MISSING_RESULT", fmt.Sprintf("stage %s has no result", stage))
		}
		fr.Stages[stage] = raw
	}
	fr.Deployment = run.StageResults[core.StageDeployment]

	data, err := json.Marshal(fr)
	if err != nil {
		return nil, fmt.Errorf("marshaling final result: %w", err)
	}
	return data, nil
}

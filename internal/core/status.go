package core

import (
	"fmt"
	"sort"
	"strings"
)

// RunStatus represents the lifecycle position of a workflow run.
// While a stage executes, the status equals the stage name.
type RunStatus string

const (
	RunStatusStarting         RunStatus = "starting"
	RunStatusMarketResearch   RunStatus = RunStatus(StageMarketResearch)
	RunStatusImprovement      RunStatus = RunStatus(StageImprovement)
	RunStatusBranding         RunStatus = RunStatus(StageBranding)
	RunStatusCodeGeneration   RunStatus = RunStatus(StageCodeGeneration)
	RunStatusMarketing        RunStatus = RunStatus(StageMarketing)
	RunStatusDeployment       RunStatus = RunStatus(StageDeployment)
	RunStatusPendingApproval  RunStatus = "pending_approval"
	RunStatusApprovedResuming RunStatus = "approved_resuming"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusRejected         RunStatus = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRejected:
		return true
	default:
		return false
	}
}

// Stage returns the stage being executed when the status is an active stage state.
func (s RunStatus) Stage() (StageName, bool) {
	stage := StageName(s)
	return stage, ValidStage(stage)
}

// IsActiveStage reports whether a stage agent is being invoked in this status.
func (s RunStatus) IsActiveStage() bool {
	_, ok := s.Stage()
	return ok
}

// IsInFlight reports whether a goroutine is expected to be driving the run.
// Runs found in-flight at startup were interrupted.
func (s RunStatus) IsInFlight() bool {
	return s == RunStatusStarting || s == RunStatusApprovedResuming || s.IsActiveStage()
}

// String returns the string representation.
func (s RunStatus) String() string {
	return string(s)
}

// AllRunStatuses lists every status in lifecycle order.
func AllRunStatuses() []RunStatus {
	out := []RunStatus{RunStatusStarting}
	for _, stage := range AllStages() {
		out = append(out, stage.Status())
	}
	return append(out, RunStatusPendingApproval, RunStatusApprovedResuming,
		RunStatusCompleted, RunStatusFailed, RunStatusRejected)
}

// ParseRunStatus converts a string to a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case RunStatusStarting, RunStatusPendingApproval, RunStatusApprovedResuming,
		RunStatusCompleted, RunStatusFailed, RunStatusRejected:
		return status, nil
	}
	if status.IsActiveStage() {
		return status, nil
	}
	return "", fmt.Errorf("unknown run status: %s", s)
}

// TransitionGraph holds the allowed status edges for one pipeline shape.
type TransitionGraph struct {
	edges map[RunStatus]map[RunStatus]bool
}

// NewTransitionGraph creates an empty graph.
func NewTransitionGraph() *TransitionGraph {
	return &TransitionGraph{edges: make(map[RunStatus]map[RunStatus]bool)}
}

// Allow adds edges from one status to each of the targets.
// Edges leaving a terminal status are ignored.
func (g *TransitionGraph) Allow(from RunStatus, to ...RunStatus) {
	if from.IsTerminal() {
		return
	}
	set, ok := g.edges[from]
	if !ok {
		set = make(map[RunStatus]bool)
		g.edges[from] = set
	}
	for _, t := range to {
		if t != from {
			set[t] = true
		}
	}
}

// Allowed reports whether the transition from → to is an edge of the graph.
func (g *TransitionGraph) Allowed(from, to RunStatus) bool {
	if g == nil || from.IsTerminal() {
		return false
	}
	return g.edges[from][to]
}

// Check returns a state error when the transition is not allowed.
func (g *TransitionGraph) Check(from, to RunStatus) error {
	if g.Allowed(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return ErrState(CodeRunTerminal, fmt.Sprintf("run is %s and can no longer change", from))
	}
	return ErrState(CodeInvalidTransition, fmt.Sprintf("transition %s -> %s is not allowed", from, to))
}

// Next returns the statuses reachable from the given status, sorted.
func (g *TransitionGraph) Next(from RunStatus) []RunStatus {
	out := make([]RunStatus, 0, len(g.edges[from]))
	for to := range g.edges[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Statuses returns every status that appears in the graph, sorted.
func (g *TransitionGraph) Statuses() []RunStatus {
	seen := make(map[RunStatus]bool)
	for from, set := range g.edges {
		seen[from] = true
		for to := range set {
			seen[to] = true
		}
	}
	out := make([]RunStatus, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidatePath checks that consecutive statuses in path are all allowed edges.
func (g *TransitionGraph) ValidatePath(path []RunStatus) error {
	for i := 1; i < len(path); i++ {
		if err := g.Check(path[i-1], path[i]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

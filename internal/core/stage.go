package core

import "fmt"

// StageName identifies one unit of pipeline work delegated to an agent.
type StageName string

const (
	// StageMarketResearch surveys competitors and market gaps for the topic.
	StageMarketResearch StageName = "market_research"

	// StageImprovement turns the research into a product concept.
	StageImprovement StageName = "improvement"

	// StageBranding names the product and defines its identity.
	StageBranding StageName = "branding"

	// StageCodeGeneration produces a deployable artifact (extended pipeline only).
	StageCodeGeneration StageName = "code_generation"

	// StageMarketing writes launch copy (extended pipeline only).
	StageMarketing StageName = "marketing"

	// StageDeployment publishes the result. Not idempotent.
	StageDeployment StageName = "deployment"
)

// AllStages returns every known stage in extended pipeline order.
func AllStages() []StageName {
	return []StageName{
		StageMarketResearch,
		StageImprovement,
		StageBranding,
		StageCodeGeneration,
		StageMarketing,
		StageDeployment,
	}
}

// ValidStage checks if the given stage name is known.
func ValidStage(s StageName) bool {
	for _, known := range AllStages() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStage converts a string to a StageName.
func ParseStage(s string) (StageName, error) {
	stage := StageName(s)
	if !ValidStage(stage) {
		return "", fmt.Errorf("unknown stage: %s", s)
	}
	return stage, nil
}

// String returns the string representation.
func (s StageName) String() string {
	return string(s)
}

// Status returns the run status used while this stage is executing.
func (s StageName) Status() RunStatus {
	return RunStatus(s)
}

// Variant selects which stages make up a run's pipeline.
type Variant string

const (
	// VariantStandard runs market research, improvement, branding and deployment.
	VariantStandard Variant = "standard"
	// VariantExtended adds code generation and marketing before deployment.
	VariantExtended Variant = "extended"
)

// ValidVariant checks if the variant is known.
func ValidVariant(v Variant) bool {
	return v == VariantStandard || v == VariantExtended
}

package stages

import (
	"encoding/json"
	"fmt"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// priorResult decodes a stored stage result. A stage that is not part of the
// run's pipeline, or produced nothing, yields the zero value.
func priorResult[T any](run *core.WorkflowRun, stage core.StageName) (T, error) {
	var out T
	raw, ok := run.StageResults[stage]
	if !ok || len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding stored %s result: %w", stage, err)
	}
	return out, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func buildMarketResearchInput(run *core.WorkflowRun) (any, error) {
	return MarketResearchInput{
		InitialTopic: run.InitialTopic,
		TargetURL:    run.TargetURL,
	}, nil
}

func buildImprovementInput(run *core.WorkflowRun) (any, error) {
	mr, err := priorResult[MarketResearchOutput](run, core.StageMarketResearch)
	if err != nil {
		return nil, err
	}
	return ImprovementInput{
		InitialTopic:                     run.InitialTopic,
		CompetitorWeaknesses:             orEmpty(mr.CompetitorWeaknesses),
		MarketGaps:                       orEmpty(mr.MarketGaps),
		TargetAudienceSuggestions:        orEmpty(mr.TargetAudienceSuggestions),
		FeatureRecommendationsFromMarket: orEmpty(mr.FeatureRecommendations),
	}, nil
}

func buildBrandingInput(run *core.WorkflowRun) (any, error) {
	imp, err := priorResult[ImprovementOutput](run, core.StageImprovement)
	if err != nil {
		return nil, err
	}
	return BrandingInput{
		ProductConcept: imp.ProductConcept,
		TargetAudience: orEmpty(imp.TargetAudience),
		KeyFeatures:    orEmpty(imp.KeyFeatures),
	}, nil
}

func buildCodeGenerationInput(run *core.WorkflowRun) (any, error) {
	imp, err := priorResult[ImprovementOutput](run, core.StageImprovement)
	if err != nil {
		return nil, err
	}
	br, err := priorResult[BrandingOutput](run, core.StageBranding)
	if err != nil {
		return nil, err
	}
	return CodeGenerationInput{
		BrandName:      br.BrandName,
		ProductConcept: imp.ProductConcept,
		KeyFeatures:    orEmpty(imp.KeyFeatures),
		ColorPalette:   orEmpty(br.ColorPalette),
	}, nil
}

func buildMarketingInput(run *core.WorkflowRun) (any, error) {
	imp, err := priorResult[ImprovementOutput](run, core.StageImprovement)
	if err != nil {
		return nil, err
	}
	br, err := priorResult[BrandingOutput](run, core.StageBranding)
	if err != nil {
		return nil, err
	}
	return MarketingInput{
		BrandName:           br.BrandName,
		Tagline:             br.Tagline,
		ProductConcept:      imp.ProductConcept,
		TargetAudience:      orEmpty(imp.TargetAudience),
		UniqueSellingPoints: orEmpty(imp.UniqueSellingPoints),
	}, nil
}

func buildDeploymentInput(run *core.WorkflowRun) (any, error) {
	imp, err := priorResult[ImprovementOutput](run, core.StageImprovement)
	if err != nil {
		return nil, err
	}
	br, err := priorResult[BrandingOutput](run, core.StageBranding)
	if err != nil {
		return nil, err
	}
	cg, err := priorResult[CodeGenerationOutput](run, core.StageCodeGeneration)
	if err != nil {
		return nil, err
	}
	mk, err := priorResult[MarketingOutput](run, core.StageMarketing)
	if err != nil {
		return nil, err
	}
	return DeploymentInput{
		BrandName:      br.BrandName,
		ProductConcept: imp.ProductConcept,
		TargetURL:      run.TargetURL,
		ArtifactURL:    cg.ArtifactURL,
		Headline:       mk.Headline,
	}, nil
}

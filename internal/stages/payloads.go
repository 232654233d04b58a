package stages

// Typed input/output pairs for every stage. Outputs are decoded from the
// agent's response data; inputs are projected from earlier outputs.

// MarketResearchInput is sent to the market research agent.
type MarketResearchInput struct {
	InitialTopic string `json:"initial_topic"`
	TargetURL    string `json:"target_url,omitempty"`
}

// MarketResearchOutput is the market research report. Every field is optional:
// an empty report is a valid, informationally limited result.
type MarketResearchOutput struct {
	Competitors               []string `json:"competitors"`
	CompetitorWeaknesses      []string `json:"competitor_weaknesses"`
	MarketGaps                []string `json:"market_gaps"`
	TargetAudienceSuggestions []string `json:"target_audience_suggestions"`
	FeatureRecommendations    []string `json:"feature_recommendations"`
	Summary                   string   `json:"summary,omitempty"`
}

// ImprovementInput is projected from the market research report.
type ImprovementInput struct {
	InitialTopic                     string   `json:"initial_topic"`
	CompetitorWeaknesses             []string `json:"competitor_weaknesses"`
	MarketGaps                       []string `json:"market_gaps"`
	TargetAudienceSuggestions        []string `json:"target_audience_suggestions"`
	FeatureRecommendationsFromMarket []string `json:"feature_recommendations_from_market"`
}

// ImprovementOutput is the refined product concept.
type ImprovementOutput struct {
	ProductConcept       string   `json:"product_concept"`
	TargetAudience       []string `json:"target_audience"`
	KeyFeatures          []string `json:"key_features"`
	UniqueSellingPoints  []string `json:"unique_selling_points"`
	ImprovementRationale string   `json:"improvement_rationale,omitempty"`
}

// BrandingInput is projected from the product concept.
type BrandingInput struct {
	ProductConcept string   `json:"product_concept"`
	TargetAudience []string `json:"target_audience"`
	KeyFeatures    []string `json:"key_features"`
}

// BrandingOutput is the brand package.
type BrandingOutput struct {
	BrandName    string   `json:"brand_name"`
	Tagline      string   `json:"tagline,omitempty"`
	ColorPalette []string `json:"color_palette"`
	BrandVoice   string   `json:"brand_voice,omitempty"`
}

// CodeGenerationInput describes what to build.
type CodeGenerationInput struct {
	BrandName      string   `json:"brand_name"`
	ProductConcept string   `json:"product_concept"`
	KeyFeatures    []string `json:"key_features"`
	ColorPalette   []string `json:"color_palette"`
}

// CodeGenerationOutput points at the generated artifact.
type CodeGenerationOutput struct {
	ArtifactURL string   `json:"artifact_url"`
	Framework   string   `json:"framework,omitempty"`
	Files       []string `json:"files"`
}

// MarketingInput is projected from branding and the product concept.
type MarketingInput struct {
	BrandName           string   `json:"brand_name"`
	Tagline             string   `json:"tagline,omitempty"`
	ProductConcept      string   `json:"product_concept"`
	TargetAudience      []string `json:"target_audience"`
	UniqueSellingPoints []string `json:"unique_selling_points"`
}

// MarketingOutput is the launch copy.
type MarketingOutput struct {
	Headline        string   `json:"headline"`
	AdCopy          []string `json:"ad_copy"`
	Channels        []string `json:"channels"`
	LandingPageCopy string   `json:"landing_page_copy,omitempty"`
}

// DeploymentInput describes what to publish and where.
type DeploymentInput struct {
	BrandName      string `json:"brand_name"`
	ProductConcept string `json:"product_concept"`
	TargetURL      string `json:"target_url,omitempty"`
	ArtifactURL    string `json:"artifact_url,omitempty"`
	Headline       string `json:"headline,omitempty"`
}

// DeploymentOutput reports where the result went live.
type DeploymentOutput struct {
	DeploymentURL string `json:"deployment_url"`
	Status        string `json:"status,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// Each output knows its own required fields.
type validator interface {
	validate() error
}

func (o *MarketResearchOutput) validate() error { return nil }

func (o *ImprovementOutput) validate() error {
	return requireField("product_concept", o.ProductConcept)
}

func (o *BrandingOutput) validate() error {
	return requireField("brand_name", o.BrandName)
}

func (o *CodeGenerationOutput) validate() error {
	return requireField("artifact_url", o.ArtifactURL)
}

func (o *MarketingOutput) validate() error {
	return requireField("headline", o.Headline)
}

func (o *DeploymentOutput) validate() error {
	return requireField("deployment_url", o.DeploymentURL)
}

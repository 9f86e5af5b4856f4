package model

// ExplanationSource tells which kind of result an explanation covers
type ExplanationSource string

const (
	SourceRule    ExplanationSource = "rule"
	SourceAnomaly ExplanationSource = "anomaly"
)

// GenerationMethod records how the explanation text was produced
type GenerationMethod string

const (
	MethodDeterministic  GenerationMethod = "deterministic"
	MethodModelGenerated GenerationMethod = "model_generated"
)

// Explanation is the human-readable account of one finding or outlier flag
type Explanation struct {
	Row              int               `json:"row"`
	ClaimID          string            `json:"claim_id"`
	Source           ExplanationSource `json:"source"`
	SourceKey        string            `json:"source_key"` // Rule name or grouping=group_key
	Text             string            `json:"text"`
	GenerationMethod GenerationMethod  `json:"generation_method"`
	Provider         string            `json:"provider,omitempty"` // Set only when model generated
	Model            string            `json:"model,omitempty"`
}

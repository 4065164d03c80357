package domain

// RiskLevel is the discretized risk tier.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Recommended actions.
const (
	ActionEnhanced = "enhanced verification required"
	ActionStandard = "standard verification"
)

// NoRiskFactorsExplanation is returned when no feature clears the significance threshold.
const NoRiskFactorsExplanation = "no significant risk factors identified"

// ScoringResult is the explainable outcome of scoring one record.
type ScoringResult struct {
	RiskScore         float64   `json:"risk_score"`
	RiskLevel         RiskLevel `json:"risk_level"`
	Confidence        float64   `json:"confidence"`
	Explanation       string    `json:"explanation"`
	RiskFactors       []string  `json:"risk_factors"`
	RecommendedAction string    `json:"recommended_action"`

	// The artifact that produced this result, for audit replay.
	ModelID      string `json:"model_id,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

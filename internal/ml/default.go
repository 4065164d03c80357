package ml

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultSchema is the column layout of the seeded artifacts.
func DefaultSchema() domain.FeatureSchema {
	return domain.FeatureSchema{
		Numerical: []string{
			domain.FeatureAge,
			domain.FeatureRiskScore,
			domain.FeatureTextSignal,
		},
		Categorical: []domain.CategoricalFeature{
			{
				Name:       domain.FeatureEmailDomain,
				Vocabulary: []string{"gmail.com", "hotmail.com", "outlook.com", "unknown", "yahoo.com"},
			},
			{
				Name:       domain.FeatureStatus,
				Vocabulary: []string{"active", "pending", "rejected", "suspended", "unknown"},
			},
			{
				Name:       domain.FeatureDocumentType,
				Vocabulary: []string{"drivers_license", "national_id", "passport", "unknown"},
			},
		},
	}
}

// DefaultBundle returns the hand-set logistic model every model type starts from.
// Weights are on standardized inputs: higher engineered risk, a negative
// text signal and missing identity data push the probability up.
func DefaultBundle() *Bundle {
	schema := DefaultSchema()

	scaler := &StandardScaler{
		Mean:  []float64{40, 50, 0.2},
		Scale: []float64{15, 25, 0.25},
	}

	weights := map[string]float64{
		domain.FeatureAge:        -0.2,
		domain.FeatureRiskScore:  1.2,
		domain.FeatureTextSignal: 0.9,

		domain.OneHotColumn(domain.FeatureEmailDomain, "unknown"):   0.8,
		domain.OneHotColumn(domain.FeatureStatus, "suspended"):      1.0,
		domain.OneHotColumn(domain.FeatureStatus, "rejected"):       0.7,
		domain.OneHotColumn(domain.FeatureStatus, "active"):         -0.4,
		domain.OneHotColumn(domain.FeatureDocumentType, "unknown"):  0.6,
		domain.OneHotColumn(domain.FeatureDocumentType, "passport"): -0.2,
	}

	cols := schema.Columns()
	clf := &LogisticRegression{
		Columns: cols,
		Weights: make([]float64, len(cols)),
		Bias:    -1.0,
	}
	for i, c := range cols {
		clf.Weights[i] = weights[c]
	}

	return NewLogisticBundle(schema, scaler, clf)
}

package features

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestExtractEmailDomain(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"a@Example.COM", "example.com"},
		{"", "unknown"},
		{"no-at-sign", "unknown"},
		{"@example.com", "unknown"},
		{"user@", "unknown"},
		{"  john.doe@Mail.Org ", "mail.org"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := ExtractEmailDomain(tt.email); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestCalculateAge(t *testing.T) {
	age, ok := CalculateAge("1990-01-01", "2020-01-01")
	if !ok {
		t.Fatal("expected age to be computed")
	}
	if math.Abs(age-30.0) > 0.01 {
		t.Errorf("expected age ~30.0, got %v", age)
	}

	t.Run("timestamp layouts", func(t *testing.T) {
		age, ok := CalculateAge("1990-01-01T00:00:00Z", "2020-01-01 00:00:00")
		if !ok || math.Abs(age-30.0) > 0.01 {
			t.Errorf("expected ~30.0, got %v (ok=%v)", age, ok)
		}
	})

	t.Run("missing yields null", func(t *testing.T) {
		if _, ok := CalculateAge("", "2020-01-01"); ok {
			t.Error("expected no age for missing DOB")
		}
		if _, ok := CalculateAge("1990-01-01", "yesterday"); ok {
			t.Error("expected no age for unparseable created_at")
		}
	})
}

func TestCombineLocation(t *testing.T) {
	got := CombineLocation("1 Main St", "", "US", "  ")
	if got != "1 Main St, US" {
		t.Errorf("expected %q, got %q", "1 Main St, US", got)
	}
	if got := CombineLocation("", "", "", ""); got != "" {
		t.Errorf("expected empty location, got %q", got)
	}
}

func TestEngineer(t *testing.T) {
	raw := domain.RawRecord{
		DateOfBirth:  "1990-01-01",
		CreatedAt:    "2020-01-01",
		Email:        "a@Example.COM",
		City:         "Lisbon",
		Country:      "PT",
		Status:       "Active",
		TrustScore:   ptr(80),
		Notes:        "all good",
		DocumentType: "",
	}

	fv := Engineer(raw)

	if v, ok, _ := fv.Numeric(domain.FeatureRiskScore); !ok || v != 20 {
		t.Errorf("expected risk_score 20, got %v", v)
	}
	if fv.Categorical[domain.FeatureEmailDomain] != "example.com" {
		t.Errorf("expected example.com, got %s", fv.Categorical[domain.FeatureEmailDomain])
	}
	if fv.Categorical[domain.FeatureStatus] != "active" {
		t.Errorf("expected active, got %s", fv.Categorical[domain.FeatureStatus])
	}
	if fv.Categorical[domain.FeatureDocumentType] != UnknownCategory {
		t.Errorf("expected unknown document type, got %s", fv.Categorical[domain.FeatureDocumentType])
	}
	if fv.Text[domain.FeatureLocation] != "Lisbon, PT" {
		t.Errorf("expected location 'Lisbon, PT', got %q", fv.Text[domain.FeatureLocation])
	}
	if _, _, present := fv.Numeric(domain.FeatureTextSignal); present {
		t.Error("text_signal must be filled by the pipeline, not Engineer")
	}

	t.Run("deterministic", func(t *testing.T) {
		if !reflect.DeepEqual(Engineer(raw), Engineer(raw)) {
			t.Error("expected identical vectors for identical records")
		}
	})

	t.Run("no trust score", func(t *testing.T) {
		fv := Engineer(domain.RawRecord{})
		if v, ok, _ := fv.Numeric(domain.FeatureRiskScore); !ok || v != 0 {
			t.Errorf("expected risk_score 0, got %v", v)
		}
		if _, ok, present := fv.Numeric(domain.FeatureAge); ok || !present {
			t.Error("expected age present but null")
		}
	})

	t.Run("transaction features", func(t *testing.T) {
		fv := Engineer(domain.RawRecord{
			Amount:          ptr(99),
			TransactionTime: "2024-06-02T14:30:00Z", // a Sunday
		})
		if v, _, _ := fv.Numeric(domain.FeatureLogAmount); math.Abs(v-math.Log(100)) > 1e-9 {
			t.Errorf("expected log_amount %v, got %v", math.Log(100), v)
		}
		if v, _, _ := fv.Numeric(domain.FeatureHourOfDay); v != 14 {
			t.Errorf("expected hour 14, got %v", v)
		}
		if v, _, _ := fv.Numeric(domain.FeatureDayOfWeek); v != 0 {
			t.Errorf("expected day 0, got %v", v)
		}
	})
}

type fixedSignal float64

func (f fixedSignal) Extract(ctx context.Context, text string) float64 { return float64(f) }

func TestPipeline(t *testing.T) {
	fv := NewPipeline(fixedSignal(0.7)).Build(context.Background(), domain.RawRecord{Notes: "x"})
	if v, ok, _ := fv.Numeric(domain.FeatureTextSignal); !ok || v != 0.7 {
		t.Errorf("expected text_signal 0.7, got %v", v)
	}

	fv = NewPipeline(nil).Build(context.Background(), domain.RawRecord{})
	if v, ok, _ := fv.Numeric(domain.FeatureTextSignal); !ok || v != 0 {
		t.Errorf("expected text_signal 0, got %v", v)
	}
}

func testSchema() domain.FeatureSchema {
	return domain.FeatureSchema{
		Numerical: []string{domain.FeatureAge, domain.FeatureRiskScore},
		Categorical: []domain.CategoricalFeature{
			{Name: domain.FeatureStatus, Vocabulary: []string{"active", "suspended"}},
		},
		Derived: []domain.DerivedFeature{
			{Name: "risk_per_year", Expression: "risk_score / age"},
			{Name: "has_amount", Expression: "has(features.amount)"},
		},
	}
}

func TestEncoder(t *testing.T) {
	enc, err := NewEncoder(testSchema())
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	fv := domain.NewFeatureVector()
	fv.SetNumeric(domain.FeatureAge, 40)
	fv.SetNumeric(domain.FeatureRiskScore, 20)
	fv.Categorical[domain.FeatureStatus] = "suspended"

	row, err := enc.Encode(fv)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	expected := []float64{40, 20, 0.5, 0}
	if !reflect.DeepEqual(row.Numeric, expected) {
		t.Errorf("expected numeric %v, got %v", expected, row.Numeric)
	}
	if !reflect.DeepEqual(row.OneHot, []float64{0, 1}) {
		t.Errorf("expected one-hot [0 1], got %v", row.OneHot)
	}

	t.Run("null numeric marks missing", func(t *testing.T) {
		fv := domain.NewFeatureVector()
		fv.SetNull(domain.FeatureAge)
		fv.SetNumeric(domain.FeatureRiskScore, 20)
		fv.Categorical[domain.FeatureStatus] = "active"

		row, err := enc.Encode(fv)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		// age is null, so the derived ratio cannot be computed either
		if !row.Missing[0] || !row.Missing[2] {
			t.Errorf("expected age and risk_per_year missing, got %v", row.Missing)
		}
	})

	t.Run("unknown category is all zero", func(t *testing.T) {
		fv := domain.NewFeatureVector()
		fv.SetNumeric(domain.FeatureAge, 40)
		fv.SetNumeric(domain.FeatureRiskScore, 20)
		fv.Categorical[domain.FeatureStatus] = "frozen"

		row, _ := enc.Encode(fv)
		if !reflect.DeepEqual(row.OneHot, []float64{0, 0}) {
			t.Errorf("expected [0 0], got %v", row.OneHot)
		}
	})

	t.Run("absent feature", func(t *testing.T) {
		fv := domain.NewFeatureVector()
		fv.SetNumeric(domain.FeatureAge, 40)
		fv.Categorical[domain.FeatureStatus] = "active"

		_, err := enc.Encode(fv)
		if !errors.Is(err, domain.ErrFeatureSchema) {
			t.Errorf("expected ErrFeatureSchema, got %v", err)
		}
	})
}

type identityScaler struct{}

func (identityScaler) Transform(row []float64, missing []bool) ([]float64, error) {
	out := append([]float64(nil), row...)
	for i, m := range missing {
		if m {
			out[i] = 0
		}
	}
	return out, nil
}

func TestRowVector(t *testing.T) {
	row := Row{Numeric: []float64{1, 2}, Missing: []bool{false, true}, OneHot: []float64{1, 0}}
	v, err := row.Vector(identityScaler{})
	if err != nil {
		t.Fatalf("Vector failed: %v", err)
	}
	if !reflect.DeepEqual(v, []float64{1, 0, 1, 0}) {
		t.Errorf("expected [1 0 1 0], got %v", v)
	}
}

func TestNewEncoderRejectsBadExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"syntax", "age +"},
		{"undeclared", "velocity * 2.0"},
		{"string result", "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := domain.FeatureSchema{
				Derived: []domain.DerivedFeature{{Name: "d", Expression: tt.expr}},
			}
			if _, err := NewEncoder(schema); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

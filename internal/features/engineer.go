// Package features turns raw KYC/AML records into model-ready feature vectors.
package features

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// UnknownCategory fills categorical features that are absent or malformed.
const UnknownCategory = "unknown"

// TextNotes is the text feature that feeds the text signal.
const TextNotes = "notes"

// Accepted date and timestamp layouts, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Engineer derives the feature vector of one record.
// It is pure: the same record always yields the same vector.
// text_signal is not set here; see Pipeline.
func Engineer(raw domain.RawRecord) domain.FeatureVector {
	fv := domain.NewFeatureVector()

	// Numerical
	if age, ok := CalculateAge(raw.DateOfBirth, raw.CreatedAt); ok {
		fv.SetNumeric(domain.FeatureAge, age)
	} else {
		fv.SetNull(domain.FeatureAge)
	}

	risk := 0.0
	if raw.TrustScore != nil {
		risk = 100 - *raw.TrustScore
	}
	fv.SetNumeric(domain.FeatureRiskScore, risk)

	// Categorical
	fv.Categorical[domain.FeatureEmailDomain] = ExtractEmailDomain(raw.Email)
	fv.Categorical[domain.FeatureStatus] = normalizeCategory(raw.Status)
	fv.Categorical[domain.FeatureDocumentType] = normalizeCategory(raw.DocumentType)

	// Text
	fv.Text[domain.FeatureLocation] = CombineLocation(raw.Address, raw.City, raw.Country, raw.PostalCode)
	fv.Text[TextNotes] = raw.Notes

	// Transaction-style records
	if raw.Amount != nil {
		fv.SetNumeric(domain.FeatureAmount, *raw.Amount)
		if *raw.Amount > -1 {
			fv.SetNumeric(domain.FeatureLogAmount, math.Log1p(*raw.Amount))
		} else {
			fv.SetNull(domain.FeatureLogAmount)
		}
	}
	if ts, ok := parseTime(raw.TransactionTime); ok {
		fv.SetNumeric(domain.FeatureHourOfDay, float64(ts.Hour()))
		fv.SetNumeric(domain.FeatureDayOfWeek, float64(ts.Weekday()))
	}

	return fv
}

// ExtractEmailDomain returns the lowercased part after '@', or "unknown".
func ExtractEmailDomain(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return UnknownCategory
	}
	domainPart := strings.ToLower(email[at+1:])
	if strings.ContainsAny(domainPart, " @") {
		return UnknownCategory
	}
	return domainPart
}

// CalculateAge returns the years between dateOfBirth and createdAt.
// ok is false when either date is missing or unparseable.
func CalculateAge(dateOfBirth, createdAt string) (float64, bool) {
	dob, ok := parseTime(dateOfBirth)
	if !ok {
		return 0, false
	}
	created, ok := parseTime(createdAt)
	if !ok {
		return 0, false
	}
	days := created.Sub(dob).Hours() / 24
	return days / 365.25, true
}

// CombineLocation joins the non-empty address parts with ", ".
func CombineLocation(address, city, country, postalCode string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{address, city, country, postalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// SignalExtractor produces the text_signal feature from free text.
type SignalExtractor interface {
	Extract(ctx context.Context, text string) float64
}

// Pipeline runs Engineer and then attaches the text signal.
// Scoring and training both go through it so their features line up.
type Pipeline struct {
	signals SignalExtractor
}

// NewPipeline creates a pipeline. A nil extractor yields a zero text signal.
func NewPipeline(signals SignalExtractor) *Pipeline {
	return &Pipeline{signals: signals}
}

// Build engineers raw and fills text_signal.
func (p *Pipeline) Build(ctx context.Context, raw domain.RawRecord) domain.FeatureVector {
	fv := Engineer(raw)
	signal := 0.0
	if p != nil && p.signals != nil {
		signal = p.signals.Extract(ctx, raw.Notes)
	}
	fv.SetNumeric(domain.FeatureTextSignal, signal)
	return fv
}

func normalizeCategory(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return UnknownCategory
	}
	return v
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

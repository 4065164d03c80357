package domain

// RawRecord is the semi-structured KYC/AML input to scoring and training.
// It is never persisted by the engine.
type RawRecord struct {
	// Identity
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	Country     string `json:"country,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`

	// Document
	DocumentType   string `json:"documentType,omitempty"`
	DocumentNumber string `json:"documentNumber,omitempty"`

	Status string `json:"status,omitempty"`
	Notes  string `json:"notes,omitempty"`

	// TrustScore is the upstream trust metric (0-100). Nil when unknown.
	TrustScore *float64 `json:"trustScore,omitempty"`

	CreatedAt string `json:"createdAt,omitempty"`

	// Transaction-style records
	Amount          *float64 `json:"amount,omitempty"`
	TransactionTime string   `json:"transactionTime,omitempty"`
}

// Feature names produced by the feature engineer.
const (
	FeatureAge          = "age"
	FeatureRiskScore    = "risk_score"
	FeatureTextSignal   = "text_signal"
	FeatureEmailDomain  = "email_domain"
	FeatureStatus       = "status"
	FeatureDocumentType = "document_type"
	FeatureLocation     = "location"
	FeatureAmount       = "amount"
	FeatureLogAmount    = "log_amount"
	FeatureHourOfDay    = "hour_of_day"
	FeatureDayOfWeek    = "day_of_week"
)

// FeatureVector holds the engineered features of one record.
// A numerical entry that is present with a nil value is a null feature;
// an absent key means the feature was never produced.
type FeatureVector struct {
	Numerical   map[string]*float64 `json:"numerical"`
	Categorical map[string]string   `json:"categorical"`
	Text        map[string]string   `json:"text,omitempty"`
}

// NewFeatureVector returns an empty, writable vector.
func NewFeatureVector() FeatureVector {
	return FeatureVector{
		Numerical:   make(map[string]*float64),
		Categorical: make(map[string]string),
		Text:        make(map[string]string),
	}
}

// SetNumeric stores v under name.
func (f FeatureVector) SetNumeric(name string, v float64) {
	f.Numerical[name] = &v
}

// SetNull marks name as present but null.
func (f FeatureVector) SetNull(name string) {
	f.Numerical[name] = nil
}

// Numeric returns the value of name, whether it is non-null, and whether it is present.
func (f FeatureVector) Numeric(name string) (value float64, ok bool, present bool) {
	p, present := f.Numerical[name]
	if !present || p == nil {
		return 0, false, present
	}
	return *p, true, true
}

// TrainingBatch is a labeled batch for the online updater.
type TrainingBatch struct {
	Records []RawRecord `json:"features"`
	Labels  []int       `json:"labels"`
}

package domain

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrValidation marks malformed or mismatched input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing model artifact.
	ErrNotFound = errors.New("model not found")

	// ErrFeatureSchema marks a mismatch between engineered features and an artifact schema.
	ErrFeatureSchema = errors.New("feature schema error")

	// ErrScorerTimeout marks a text scorer call that exceeded its deadline.
	// It is soft: the extractor degrades to a zero signal.
	ErrScorerTimeout = errors.New("external scorer timeout")

	// ErrPersistence marks a failed catalog or blob write.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidModelType marks a model type outside the known set.
	ErrInvalidModelType = errors.New("invalid model type")

	// ErrModelUnloadable marks a blob that does not decode into a classifier bundle.
	ErrModelUnloadable = errors.New("model artifact not loadable")
)

// IsUserFacing reports whether err may be shown to a caller verbatim.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFeatureSchema) ||
		errors.Is(err, ErrInvalidModelType)
}

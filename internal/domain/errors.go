package domain

import "errors"

var (
	ErrUnknownPlan        = errors.New("unknown plan")
	ErrInvalidInput       = errors.New("invalid input")
	ErrJobNotFound        = errors.New("job not found")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrConflict           = errors.New("resource conflict")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ErrVariantNotFound signals an unknown variant inside an ingest batch. The
// engine skips such items instead of failing the batch, so this never
// surfaces to callers.
var ErrVariantNotFound = errors.New("variant not found")

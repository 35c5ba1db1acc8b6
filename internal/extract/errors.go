package extract

import (
	"fmt"

	"github.com/hazyhaar/glane/strategy"
)

// ExhaustedError is returned when every stage ran out of candidates
// without a validated value.
type ExhaustedError struct {
	ContextKey string
	Tried      int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("extract: %s: exhausted after %d candidates", e.ContextKey, e.Tried)
}

func (e *ExhaustedError) Class() strategy.ErrorClass { return strategy.ClassNotFound }

// ValidationError reports a value that matched but failed the field's
// plausibility checks.
type ValidationError struct {
	Field  strategy.FieldType
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("extract: %s value rejected: %s", e.Field, e.Reason)
}

func (e *ValidationError) Class() strategy.ErrorClass { return strategy.ClassValidation }

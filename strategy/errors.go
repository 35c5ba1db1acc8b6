package strategy

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes an extraction failure. The class decides the
// retry behaviour: timeouts and navigation failures retry with backoff,
// element-not-found advances to the next candidate, bot detection routes
// through remediation, persistence failures degrade to no-learning mode.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassNavigation  ErrorClass = "navigation"
	ClassNotFound    ErrorClass = "element_not_found"
	ClassBotDetected ErrorClass = "bot_detected"
	ClassPersistence ErrorClass = "persistence"
	ClassValidation  ErrorClass = "validation"
	ClassUnknown     ErrorClass = "unknown"
)

// Retryable reports whether a failure of this class is worth retrying
// at the field level (with backoff). Candidate-level failures are not:
// the chain just advances.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassNavigation:
		return true
	}
	return false
}

// Classed is implemented by typed errors that know their own class.
// The page collaborator's errors all implement it.
type Classed interface {
	error
	Class() ErrorClass
}

// Classify maps an error to its ErrorClass. Typed errors carry their
// class; everything else falls back to context sentinels and message
// sniffing for wrapped driver errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var classed Classed
	if errors.As(err, &classed) {
		return classed.Class()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassNavigation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "net::") || strings.Contains(msg, "dns") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host"):
		return ClassNavigation
	case strings.Contains(msg, "cannot find") || strings.Contains(msg, "not found"):
		return ClassNotFound
	}
	return ClassUnknown
}

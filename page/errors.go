package page

import (
	"fmt"
	"time"

	"github.com/hazyhaar/glane/strategy"
)

// NavigationError is returned when a page fails to load. Retried at the
// session level, then terminal.
type NavigationError struct {
	URL   string
	Cause error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("page: navigate %s: %v", e.URL, e.Cause)
}

func (e *NavigationError) Unwrap() error { return e.Cause }

func (e *NavigationError) Class() strategy.ErrorClass { return strategy.ClassNavigation }

// TimeoutError is returned when a single page interaction exceeds its
// deadline. Distinct from NavigationError so backoff policy can treat
// slow pages differently from dead ones.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("page: %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Class() strategy.ErrorClass { return strategy.ClassTimeout }

// ElementNotFoundError is a candidate-level failure: the selector matched
// nothing visible. The chain advances to the next candidate without retry.
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("page: no visible element for %q", e.Selector)
}

func (e *ElementNotFoundError) Class() strategy.ErrorClass { return strategy.ClassNotFound }

package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState is returned when a caller tries to mutate an
	// execution or job that already reached a terminal status.
	ErrTerminalState = errors.New("already in terminal state")
)

// GraphError marks a structural defect in a workflow graph (a cycle, an
// edge to a missing node). It is fatal to the whole execution and is never
// retried.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "graph error: " + e.Reason
}

// NewGraphError creates a GraphError with the given reason.
func NewGraphError(format string, args ...interface{}) *GraphError {
	return &GraphError{Reason: fmt.Sprintf(format, args...)}
}

// IsGraphError reports whether err is (or wraps) a GraphError.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}

// ValidationError marks bad node data. It is fatal to that node only;
// independent branches keep running.
type ValidationError struct {
	NodeID     string
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("node %s: invalid node data", e.NodeID)
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, strings.Join(e.Violations, "; "))
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProcessingError is the typed failure a provider call surfaces. HTTPStatus
// and RetryAfter are optional; RetryAfter is in seconds as reported by the
// provider.
type ProcessingError struct {
	Message    string
	HTTPStatus int
	RetryAfter float64
}

func (e *ProcessingError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.HTTPStatus, e.Message)
	}
	return e.Message
}

// NewProcessingError creates a ProcessingError without an HTTP status.
func NewProcessingError(format string, args ...interface{}) *ProcessingError {
	return &ProcessingError{Message: fmt.Sprintf(format, args...)}
}

// retryAfterPattern matches a numeric retry_after field inside a raw
// provider payload embedded in an error message.
var retryAfterPattern = regexp.MustCompile(`"retry_after"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)"?`)

// IsRateLimited reports whether an error signals a provider rate limit:
// HTTP status 429 on a typed ProcessingError, a RetryAfter hint, or a
// retry_after numeric field in the raw error text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		if pe.HTTPStatus == 429 || pe.RetryAfter > 0 {
			return true
		}
	}
	return retryAfterPattern.MatchString(err.Error())
}

const defaultRateLimitDelay = 10 * time.Second

// RateLimitDelay computes how long a rate-limited job must wait before it
// may run again: (retry_after + 2) seconds when the provider reported a
// hint, 10s when the hint is missing or unparseable. The delay is additive
// to the queue's own retry backoff.
func RateLimitDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	var pe *ProcessingError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return padRetryAfter(pe.RetryAfter)
	}

	if m := retryAfterPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
			return padRetryAfter(secs)
		}
	}

	return defaultRateLimitDelay
}

func padRetryAfter(secs float64) time.Duration {
	return time.Duration((secs + 2) * float64(time.Second))
}

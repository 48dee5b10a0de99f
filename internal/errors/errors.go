package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the readout worker
 *
 * Every recognition call ends in exactly one Reading or one *RecognitionError.
 * Adapter and search failures are local to one backend; only the orchestrator
 * turns them into a caller-visible failure.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Backend errors
	ErrorBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorBackendCrashed     ErrorCode = "BACKEND_CRASHED"

	// Search and validation errors
	ErrorSearchExhausted    ErrorCode = "SEARCH_EXHAUSTED"
	ErrorValidationRejected ErrorCode = "VALIDATION_REJECTED"

	// Call-level errors
	ErrorTimeout          ErrorCode = "TIMEOUT"
	ErrorAggregateFailure ErrorCode = "AGGREGATE_FAILURE"
	ErrorInvalidRequest   ErrorCode = "INVALID_REQUEST"
)

// Attempt records one adapter invocation for diagnostics
type Attempt struct {
	Backend   string        `json:"backend"`
	Parameter *float64      `json:"parameter,omitempty"`
	Text      string        `json:"text"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

// Attempt outcomes
const (
	OutcomeAccepted     = "accepted"
	OutcomeStructural   = "structural_mismatch"
	OutcomeCrashed      = "crashed"
	OutcomeUnavailable  = "unavailable"
	OutcomeRejected     = "rejected"
	OutcomeTimedOut     = "timed_out"
	OutcomeSingleResult = "result"
)

// RecognitionError represents a structured recognition failure
type RecognitionError struct {
	Code       ErrorCode
	Message    string
	RequestID  string
	Backend    string
	Timestamp  time.Time
	Attempts   []Attempt
	Parameters []float64
	LastText   string
	Reason     string
	Failures   []*RecognitionError
	Details    map[string]interface{}
	Cause      error
}

func (e *RecognitionError) Error() string {
	prefix := string(e.Code)
	if e.Backend != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Backend)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *RecognitionError) Unwrap() error {
	return e.Cause
}

// WithRequestID stamps the request id on the error and its nested failures
func (e *RecognitionError) WithRequestID(id string) *RecognitionError {
	e.RequestID = id
	for _, f := range e.Failures {
		f.WithRequestID(id)
	}
	return e
}

// Factory functions for common errors

func NewBackendUnavailableError(backend string, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorBackendUnavailable,
		Message:   "OCR engine is not available",
		Backend:   backend,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewBackendCrashedError(backend string, message string, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorBackendCrashed,
		Message:   message,
		Backend:   backend,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewSearchExhaustedError(backend string, parameters []float64, lastText string, attempts []Attempt) *RecognitionError {
	return &RecognitionError{
		Code:       ErrorSearchExhausted,
		Message:    fmt.Sprintf("no structurally valid result after %d attempts", len(attempts)),
		Backend:    backend,
		Timestamp:  time.Now(),
		Attempts:   attempts,
		Parameters: parameters,
		LastText:   lastText,
	}
}

func NewValidationRejectedError(backend string, reason string, text string, message string) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorValidationRejected,
		Message:   message,
		Backend:   backend,
		Timestamp: time.Now(),
		Reason:    reason,
		LastText:  text,
	}
}

func NewTimeoutError(budget time.Duration, attempts []Attempt, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorTimeout,
		Message:   fmt.Sprintf("recognition timed out after %v", budget),
		Timestamp: time.Now(),
		Attempts:  attempts,
		Details: map[string]interface{}{
			"timeout_duration": budget.String(),
		},
		Cause: cause,
	}
}

func NewAggregateFailureError(failures []*RecognitionError) *RecognitionError {
	var attempts []Attempt
	lastText := ""
	for _, f := range failures {
		attempts = append(attempts, f.Attempts...)
		if f.LastText != "" {
			lastText = f.LastText
		}
	}
	return &RecognitionError{
		Code:      ErrorAggregateFailure,
		Message:   fmt.Sprintf("all %d configured backends failed", len(failures)),
		Timestamp: time.Now(),
		Attempts:  attempts,
		LastText:  lastText,
		Failures:  failures,
	}
}

func NewInvalidRequestError(message string) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorInvalidRequest,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// CodeOf returns the code of the first RecognitionError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var re *RecognitionError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ToMap converts error to map for the response body
func (e *RecognitionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.RequestID != "" {
		result["request_id"] = e.RequestID
	}
	if e.Backend != "" {
		result["backend"] = e.Backend
	}
	if e.Reason != "" {
		result["reason"] = e.Reason
	}
	if e.LastText != "" {
		result["last_text"] = e.LastText
	}
	if len(e.Parameters) > 0 {
		result["parameters"] = e.Parameters
	}
	if len(e.Attempts) > 0 {
		result["attempts"] = e.Attempts
	}
	if len(e.Failures) > 0 {
		failures := make([]map[string]interface{}, 0, len(e.Failures))
		for _, f := range e.Failures {
			failures = append(failures, f.ToMap())
		}
		result["failures"] = failures
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

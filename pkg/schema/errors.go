package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidPlan    = "INVALID_PLAN"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeAgentNotFound  = "AGENT_NOT_FOUND"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeStepTimeout    = "STEP_TIMEOUT"
	ErrCodeGuardRejected  = "GUARD_REJECTED"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeExpression     = "EXPRESSION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeAssertion      = "ASSERTION_FAILED"
)

// nonRetryableCodes lists codes the runner never retries, regardless of the
// step's retry policy.
var nonRetryableCodes = map[string]bool{
	ErrCodeInvalidPlan:    true,
	ErrCodeValidation:     true,
	ErrCodeAgentNotFound:  true,
	ErrCodeToolNotFound:   true,
	ErrCodeBudgetExceeded: true,
	ErrCodeCircuitOpen:    true,
	ErrCodeCancelled:      true,
	ErrCodeNotFound:       true,
	ErrCodeConflict:       true,
	ErrCodeAssertion:      true,
}

// PlanError is the structured error type for all plan operations.
type PlanError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlanError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
func (e *PlanError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new PlanError.
func NewError(code, message string) *PlanError {
	return &PlanError{Code: code, Message: message}
}

// NewErrorf creates a new PlanError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlanError {
	return &PlanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PlanError) WithStep(stepID string) *PlanError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlanError) WithCause(err error) *PlanError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlanError) WithDetails(details map[string]any) *PlanError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a PlanError with the given code.
func HasCode(err error, code string) bool {
	var pe *PlanError
	for err != nil {
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Cause
	}
	return false
}

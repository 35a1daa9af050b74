package schema

import "fmt"

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a plan. Path follows the document's
// field names, e.g. "steps[2].inputFrom[0]".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects what a validation pass found in one plan. Only
// errors reject a plan.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found. A nil result is valid.
func (r *ValidationResult) Valid() bool {
	return r == nil || len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other, which may be nil.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Messages renders every error as "path: message".
func (r *ValidationResult) Messages() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		out[i] = issue.String()
	}
	return out
}

// Err turns a failed result into the error that rejects the plan, or nil.
// The code is INVALID_PLAN unless the only error is an unknown agent or tool,
// which keeps its own code. Details hold the issues.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	code := ErrCodeInvalidPlan
	if len(r.Errors) == 1 && (first.Code == ErrCodeAgentNotFound || first.Code == ErrCodeToolNotFound) {
		code = first.Code
	}
	msg := first.String()
	if extra := len(r.Errors) - 1; extra > 0 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, extra)
	}
	return NewError(code, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}

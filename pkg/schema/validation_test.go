package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Valid(t *testing.T) {
	var nilResult *ValidationResult
	assert.True(t, nilResult.Valid())
	assert.Nil(t, nilResult.Err())

	r := &ValidationResult{}
	r.AddWarning("steps[1].guard.retry.max", ErrCodeValidation, "high retry count")
	assert.True(t, r.Valid())
	assert.Nil(t, r.Err())
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)

	r.AddError("steps[0].agent", ErrCodeInvalidPlan, "model step requires an agent")
	assert.False(t, r.Valid())
	assert.Equal(t, []string{"steps[0].agent: model step requires an agent"}, r.Messages())
}

func TestValidationResult_Merge(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("id", ErrCodeInvalidPlan, "plan id is required")

	other := &ValidationResult{}
	other.AddError("outputs[0]", ErrCodeInvalidPlan, "unknown output")
	other.AddWarning("steps[1]", ErrCodeValidation, "never read")

	r.Merge(other)
	r.Merge(nil)
	assert.Len(t, r.Errors, 2)
	assert.Len(t, r.Warnings, 1)
}

func TestValidationResult_Err(t *testing.T) {
	tests := []struct {
		name    string
		issues  []ValidationIssue
		code    string
		message string
	}{
		{
			name:    "structural",
			issues:  []ValidationIssue{{Path: "steps[0].id", Code: ErrCodeInvalidPlan, Message: "step id is required"}},
			code:    ErrCodeInvalidPlan,
			message: "steps[0].id: step id is required",
		},
		{
			name:    "lone unknown tool keeps its code",
			issues:  []ValidationIssue{{Path: "steps[0].toolId", Code: ErrCodeToolNotFound, Message: `tool "x" not registered`}},
			code:    ErrCodeToolNotFound,
			message: `steps[0].toolId: tool "x" not registered`,
		},
		{
			name: "several errors",
			issues: []ValidationIssue{
				{Path: "steps[0].agent", Code: ErrCodeAgentNotFound, Message: "agent missing"},
				{Path: "outputs[0]", Code: ErrCodeInvalidPlan, Message: "unknown output"},
			},
			code:    ErrCodeInvalidPlan,
			message: "steps[0].agent: agent missing (and 1 more errors)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ValidationResult{}
			for _, is := range tt.issues {
				r.AddError(is.Path, is.Code, is.Message)
			}
			var pe *PlanError
			require.True(t, errors.As(r.Err(), &pe))
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.message, pe.Message)
			assert.Len(t, pe.Details["errors"], len(tt.issues))
		})
	}
}

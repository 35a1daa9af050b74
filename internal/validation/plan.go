package validation

import (
	"errors"

	"github.com/rendis/plangraph/pkg/schema"
)

// PlanValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema over the encoded plan)
// 2. Semantic (ids, kinds, composite children, reference positions)
// 3. Flow (warnings about how the walk will actually run)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	catalog    Catalog
}

// NewPlanValidator creates a PlanValidator.
// catalog may be nil to skip agent and tool existence checks.
func NewPlanValidator(catalog Catalog) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{
		jsonSchema: jsv,
		catalog:    catalog,
	}, nil
}

// WithCatalog returns a validator sharing the compiled schemas but checking
// collaborators against catalog.
func (pv *PlanValidator) WithCatalog(catalog Catalog) *PlanValidator {
	return &PlanValidator{jsonSchema: pv.jsonSchema, catalog: catalog}
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and flow stages are skipped.
func (pv *PlanValidator) Validate(p *schema.Plan) *schema.ValidationResult {
	if p == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeInvalidPlan, "plan is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(pv.jsonSchema, p)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(p, pv.catalog))

	// Stage 3: Flow (skip if semantic errors; references may be dangling).
	if result.Valid() {
		result.Merge(validateFlow(p))
	}

	return result
}

// ValidatePlan returns the error rejecting p, or nil.
func (pv *PlanValidator) ValidatePlan(p *schema.Plan) error {
	return pv.Validate(p).Err()
}

// ValidateDocument delegates to the underlying JSONSchemaValidator.
func (pv *PlanValidator) ValidateDocument(doc any) error {
	return pv.jsonSchema.ValidateDocument(doc)
}

// GuardSet holds the compiled result validators of one plan, keyed by guard.
// Map children share their template's guard, so every element finds it.
type GuardSet map[*schema.Guard]schema.Validator

// For returns the validator for g: one set directly on the guard wins over a
// compiled schema. It returns nil when g checks nothing.
func (gs GuardSet) For(g *schema.Guard) schema.Validator {
	if g == nil {
		return nil
	}
	if g.Validator != nil {
		return g.Validator
	}
	return gs[g]
}

// Prepare validates p and compiles its guard schemas. The plan itself is not
// modified, so one plan may be prepared and run concurrently.
func (pv *PlanValidator) Prepare(p *schema.Plan) (GuardSet, error) {
	if err := pv.ValidatePlan(p); err != nil {
		return nil, err
	}
	guards := make(GuardSet)
	for i := range p.Steps {
		s := &p.Steps[i]
		if err := pv.compileGuard(guards, s.Guard); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPlan, "step %q: %s", s.ID, err.Error()).
				WithStep(s.ID).WithCause(err)
		}
		if s.Kind() == schema.StepKindMap {
			if err := pv.compileGuard(guards, s.Map.Child.Guard); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPlan, "map %q child: %s", s.ID, err.Error()).
					WithStep(s.ID).WithCause(err)
			}
		}
	}
	return guards, nil
}

func (pv *PlanValidator) compileGuard(guards GuardSet, g *schema.Guard) error {
	if g == nil || g.Validator != nil || len(g.Schema) == 0 {
		return nil
	}
	v, err := pv.jsonSchema.CompileGuard(g.Schema)
	if err != nil {
		return err
	}
	guards[g] = v
	return nil
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, p *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(p)
	if err == nil {
		return result
	}

	var pe *schema.PlanError
	if !errors.As(err, &pe) {
		result.AddError("/", schema.ErrCodeInvalidPlan, err.Error())
		return result
	}

	if pe.Details != nil {
		if violations, ok := pe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeInvalidPlan, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeInvalidPlan, pe.Message)
	return result
}

package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/plangraph/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const planSchemaURL = "https://plangraph.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema for plan documents.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://plangraph.dev/schemas/plan.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "outputs": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stepIds": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "enum": ["model", "tool", "parallel", "branch", "map"] },
        "guard": { "$ref": "#/$defs/guard" },
        "cacheKey": { "type": "string", "minLength": 1 },
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "idempotencyKey": { "type": "string" },
        "agent": { "type": "string", "minLength": 1 },
        "toolId": { "type": "string", "minLength": 1 },
        "args": {},
        "inputFrom": { "$ref": "#/$defs/stepIds" },
        "children": { "$ref": "#/$defs/stepIds" },
        "maxConcurrency": { "type": "integer", "minimum": 0 },
        "branches": {
          "type": "array",
          "items": { "$ref": "#/$defs/branchCase" }
        },
        "else": { "$ref": "#/$defs/stepIds" },
        "itemsFrom": { "type": "string", "minLength": 1 },
        "child": { "$ref": "#/$defs/template" },
        "fromItemAsInput": { "type": "boolean" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "kind": { "const": "model" } } }, "then": { "required": ["agent"] } },
        { "if": { "properties": { "kind": { "const": "tool" } } }, "then": { "required": ["toolId"] } },
        { "if": { "properties": { "kind": { "const": "parallel" } } }, "then": { "required": ["children"] } },
        { "if": { "properties": { "kind": { "const": "branch" } } }, "then": { "required": ["branches"] } },
        { "if": { "properties": { "kind": { "const": "map" } } }, "then": { "required": ["itemsFrom", "child"] } }
      ]
    },
    "template": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["model", "tool"] },
        "guard": { "$ref": "#/$defs/guard" },
        "cacheKey": { "type": "string", "minLength": 1 },
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "idempotencyKey": { "type": "string" },
        "agent": { "type": "string", "minLength": 1 },
        "toolId": { "type": "string", "minLength": 1 },
        "args": {},
        "inputFrom": { "$ref": "#/$defs/stepIds" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "kind": { "const": "model" } } }, "then": { "required": ["agent"] } },
        { "if": { "properties": { "kind": { "const": "tool" } } }, "then": { "required": ["toolId"] } }
      ]
    },
    "guard": {
      "type": "object",
      "properties": {
        "schema": { "type": ["object", "boolean"] },
        "retry": {
          "type": "object",
          "required": ["max"],
          "properties": {
            "max": { "type": "integer", "minimum": 0 },
            "backoffMs": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "branchCase": {
      "type": "object",
      "required": ["when", "then"],
      "properties": {
        "when": { "$ref": "#/$defs/condition" },
        "then": { "$ref": "#/$defs/stepIds" }
      },
      "additionalProperties": false
    },
    "condition": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "minProperties": 1,
          "maxProperties": 1,
          "properties": {
            "truthy": { "type": "string", "minLength": 1 },
            "eq": { "$ref": "#/$defs/comparison" },
            "gt": { "$ref": "#/$defs/comparison" },
            "lt": { "$ref": "#/$defs/comparison" },
            "cel": { "type": "string", "minLength": 1 },
            "expr": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        }
      ]
    },
    "comparison": {
      "type": "object",
      "required": ["left", "right"],
      "properties": { "left": {}, "right": {} },
      "additionalProperties": false
    }
  }
}`

// PlanSchema returns the JSON Schema plan documents must satisfy.
func PlanSchema() json.RawMessage {
	return json.RawMessage(planSchemaJSON)
}

// JSONSchemaValidator checks plan documents against the embedded plan schema
// and compiles guard result schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	// mu guards the cache of compiled guard schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the plan schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	planSchema, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &JSONSchemaValidator{
		planSchema: planSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates any JSON-encodable plan representation (raw
// JSON bytes, a decoded document, or a *schema.Plan) against the plan schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan document is nil")
	}

	var value any
	var err error
	switch d := doc.(type) {
	case []byte:
		value, err = jsonschema.UnmarshalJSON(strings.NewReader(string(d)))
	case json.RawMessage:
		value, err = jsonschema.UnmarshalJSON(strings.NewReader(string(d)))
	default:
		value, err = toJSONValue(d)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize plan document: %s", err.Error()).WithCause(err)
	}

	if err := v.planSchema.Validate(value); err != nil {
		return toPlanError(err)
	}
	return nil
}

// CompileGuard compiles a guard result schema into a schema.Validator.
// Compiled schemas are cached by their exact bytes.
func (v *JSONSchemaValidator) CompileGuard(raw json.RawMessage) (schema.Validator, error) {
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidPlan, "invalid guard schema").WithCause(err)
	}
	return &guardValidator{compiled: compiled}, nil
}

// guardValidator adapts a compiled JSON Schema to schema.Validator.
type guardValidator struct {
	compiled *jsonschema.Schema
}

func (g *guardValidator) Validate(value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeGuardRejected, "result is not JSON-encodable").WithCause(err)
	}
	if err := g.compiled.Validate(doc); err != nil {
		pe := toPlanError(err)
		pe.Code = schema.ErrCodeGuardRejected
		return pe
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each guard schema gets a unique URL and a fresh compiler to avoid resource collisions.
	url := fmt.Sprintf("plangraph://guard-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPlanError converts a jsonschema.ValidationError into a PlanError
// listing every leaf violation with its instance location.
func toPlanError(err error) *schema.PlanError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error()).WithCause(err)
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations}).
			WithCause(err)
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations}).
		WithCause(err)
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

package validation

import "github.com/rendis/plangraph/pkg/schema"

// Validator checks plans for correctness before execution.
// Plan documents are checked against JSON Schema Draft 2020-12.
type Validator interface {
	ValidatePlan(p *schema.Plan) error
	ValidateDocument(doc any) error
}

// Catalog reports which agents and tools a runner can reach. Validators use it
// to reject plans naming unknown collaborators before anything runs.
type Catalog interface {
	HasAgent(id string) bool
	HasTool(id string) bool
}

package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/plangraph/pkg/schema"
)

// validateFlow analyses how the top-level walk will actually run the plan.
// It only produces warnings: steps claimed by more than one composite run
// more than once, references to branch-owned steps may read null, and
// siblings in one parallel group cannot see each other's outputs.
func validateFlow(p *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// owners[id] = composite steps that claim id as a child.
	owners := make(map[string][]string)
	conditional := make(map[string]bool)
	for i := range p.Steps {
		s := &p.Steps[i]
		switch s.Kind() {
		case schema.StepKindParallel:
			for _, id := range s.Parallel.Children {
				owners[id] = appendUnique(owners[id], s.ID)
			}
		case schema.StepKindBranch:
			for _, c := range s.Branch.Branches {
				for _, id := range c.Then {
					owners[id] = appendUnique(owners[id], s.ID)
					conditional[id] = true
				}
			}
			for _, id := range s.Branch.Else {
				owners[id] = appendUnique(owners[id], s.ID)
				conditional[id] = true
			}
		}
	}

	ids := make([]string, 0, len(owners))
	for id := range owners {
		ids = append(ids, id)
	}
	// Sort for deterministic output.
	sort.Strings(ids)
	for _, id := range ids {
		if len(owners[id]) > 1 {
			result.AddWarning(fmt.Sprintf("steps[%s]", id), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is claimed by %d composite steps %v and may run more than once", id, len(owners[id]), owners[id]))
		}
	}

	index := p.Index()
	for i := range p.Steps {
		s := &p.Steps[i]
		for _, ref := range s.InputFrom() {
			if conditional[ref] {
				result.AddWarning(fmt.Sprintf("steps[%s].inputFrom", s.ID), schema.ErrCodeValidation,
					fmt.Sprintf("input %q is a branch target and is null when its branch is not taken", ref))
			}
		}

		if s.Kind() != schema.StepKindParallel {
			continue
		}
		group := make(map[string]bool, len(s.Parallel.Children))
		for _, id := range s.Parallel.Children {
			group[id] = true
		}
		for _, id := range s.Parallel.Children {
			child, ok := index[id]
			if !ok {
				continue
			}
			for _, ref := range child.InputFrom() {
				if group[ref] {
					result.AddWarning(fmt.Sprintf("steps[%s].inputFrom", id), schema.ErrCodeValidation,
						fmt.Sprintf("input %q runs in the same parallel group %q; its output is not ordered before this step", ref, s.ID))
				}
			}
		}
	}

	return result
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

package planir

import "fmt"

// CheckSemanticConsistency validates plan against the five clauses of the
// consistency contract:
//
//  1. the IR is acyclic over the union of all edge sets,
//  2. for every data edge, typeChecker accepts (output_type(u), output_type(v)),
//  3. each node's declared resources are a superset of the registry's
//     inferred resources for its tool,
//  4. each node's declared effect dominates the registry's inferred
//     effect for its tool,
//  5. every non-Pure node carries an idempotency key.
//
// A nil typeChecker is treated as identity-true. The first violation
// encountered fails the whole check with a distinct Kind; no partial
// result is returned.
func CheckSemanticConsistency(plan *PlanIR, reg ToolLookup, typeChecker TypeChecker) error {
	if !plan.IsAcyclic() {
		return NewError(CycleDetected, "", fmt.Errorf("plan graph contains a cycle"))
	}

	if typeChecker != nil {
		for _, e := range plan.DataEdges {
			u, v := plan.Nodes[e.Src], plan.Nodes[e.Dst]
			if u == nil || v == nil {
				continue
			}
			if !typeChecker(u.OutputType, v.OutputType) {
				return NewError(TypeMismatch, v.ID, fmt.Errorf("output of %s does not satisfy input of %s", u.ID, v.ID))
			}
		}
	}

	for _, id := range plan.order {
		n := plan.Nodes[id]

		inferredRes, err := reg.InferResources(n.ToolName)
		if err != nil {
			return NewError(ResourceUnderDeclared, id, err)
		}
		if !resourcesSuperset(n.Resources, inferredRes) {
			return NewError(ResourceUnderDeclared, id, fmt.Errorf("declared resources do not cover inferred resources for tool %s", n.ToolName))
		}

		inferredEffect, err := reg.InferEffect(n.ToolName)
		if err != nil {
			return NewError(EffectUnderDeclared, id, err)
		}
		if !n.Effect.Dominates(inferredEffect) {
			return NewError(EffectUnderDeclared, id, fmt.Errorf("declared effect %s/%s does not dominate inferred effect %s/%s",
				n.Effect.SideEffect, n.Effect.Environment, inferredEffect.SideEffect, inferredEffect.Environment))
		}

		if n.Effect.SideEffect != Pure && (n.IdempotencyKey == nil || *n.IdempotencyKey == "") {
			return NewError(MissingIdempotencyKey, id, fmt.Errorf("non-pure node %s has no idempotency key", id))
		}
	}

	return nil
}

func resourcesSuperset(declared, inferred []ResourceAccess) bool {
	for _, want := range inferred {
		found := false
		for _, have := range declared {
			if have.Resource == want.Resource && coversMode(have.Mode, want.Mode) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// coversMode reports whether a declared access mode covers a required
// one: a declared write covers a required read or write; a declared
// read only covers a required read.
func coversMode(declared, required AccessMode) bool {
	if declared == AccessWrite {
		return true
	}
	return required == AccessRead
}

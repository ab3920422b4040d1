package planir_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/planforge/planforge/planir"
)

// genChainLength generates a node count for buildChainPlan.
func genChainLength() gopter.Gen {
	return gen.IntRange(1, 12)
}

// buildChainPlan constructs n nodes "N0".."N(n-1)", each referencing a
// pseudo-random subset of its strictly-lower-numbered predecessors via
// {ref:...} params, so the resulting data-edge graph is acyclic by
// construction and varying masks exercise BuildPlanIR's sort.
func buildChainPlan(n int, mask uint32) (*planir.PlanIR, error) {
	reg := &fakeRegistry{resources: map[string][]planir.ResourceAccess{}, effects: map[string]planir.EffectType{}}
	nodes := make([]*planir.PlanNode, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("N%d", i)
		params := map[string]planir.Value{}
		for j := 0; j < i; j++ {
			if mask&(1<<uint(j)) != 0 {
				params[fmt.Sprintf("in%d", j)] = planir.RefTo(fmt.Sprintf("N%d", j), nil)
			}
		}
		nodes[i] = &planir.PlanNode{ID: id, ToolName: "noop", Params: params}
	}
	return planir.BuildPlanIR(nodes, reg)
}

// TestTopologicalOrderValidityProperty checks that for any acyclic chain
// of data-edge references, BuildPlanIR's TopologicalOrder places every
// edge's source strictly before its destination and contains each node
// exactly once.
func TestTopologicalOrderValidityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every data edge's source precedes its destination in topological order", prop.ForAll(
		func(n int, mask int) bool {
			plan, err := buildChainPlan(n, uint32(mask))
			if err != nil {
				return false
			}
			order, err := plan.TopologicalOrder()
			if err != nil {
				return false
			}
			if len(order) != n {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				if _, dup := pos[id]; dup {
					return false
				}
				pos[id] = i
			}
			for _, e := range plan.AllEdges() {
				if pos[e.Src] >= pos[e.Dst] {
					return false
				}
			}
			return true
		},
		genChainLength(),
		gen.IntRange(0, 1<<12-1),
	))

	properties.TestingRun(t)
}

package planir

import "sort"

// ToolLookup is the subset of the tool registry's behavior the plan
// builder and checker depend on. Implemented by registry.Registry.
type ToolLookup interface {
	InferResources(toolName string) ([]ResourceAccess, error)
	InferEffect(toolName string) (EffectType, error)
}

// TypeChecker validates that an upstream output type may flow into a
// downstream input. A nil TypeChecker is treated as identity-true (every
// pair is accepted), matching the "supplied or identity-true" language
// in the consistency rules.
type TypeChecker func(upstream, downstream *string) bool

// BuildPlanIR constructs a PlanIR from nodes in the order given:
//  1. data edges are derived from ref parameters,
//  2. nodes are topologically ordered over data edges alone (Kahn, tied
//     by ascending node ID), failing with CycleDetected on a cycle,
//  3. resource edges are added for every ordered pair (u < v) whose
//     registry-inferred resources conflict on at least one write.
func BuildPlanIR(nodes []*PlanNode, reg ToolLookup) (*PlanIR, error) {
	byID := make(map[string]*PlanNode, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		order = append(order, n.ID)
	}

	dataEdges := buildDataEdges(nodes)

	topo, err := topologicalOrder(order, dataEdges)
	if err != nil {
		return nil, err
	}

	resourceEdges, err := buildResourceEdges(topo, byID, reg)
	if err != nil {
		return nil, err
	}

	return &PlanIR{
		Nodes:         byID,
		order:         order,
		DataEdges:     dataEdges,
		ResourceEdges: resourceEdges,
		SyncEdges:     nil,
	}, nil
}

func buildDataEdges(nodes []*PlanNode) []Edge {
	var edges []Edge
	for _, n := range nodes {
		refs := collectRefs(n.Params)
		for _, r := range refs {
			edges = append(edges, Edge{Src: r.Node, Dst: n.ID})
		}
	}
	return edges
}

func collectRefs(params map[string]Value) []RefValue {
	var refs []RefValue
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		refs = append(refs, collectRefsFromValue(params[k])...)
	}
	return refs
}

func collectRefsFromValue(v Value) []RefValue {
	var refs []RefValue
	switch {
	case v.IsRef():
		refs = append(refs, *v.Ref)
	case v.IsMap():
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, collectRefsFromValue(v.Map[k])...)
		}
	case v.IsList():
		for _, e := range v.List {
			refs = append(refs, collectRefsFromValue(e)...)
		}
	}
	return refs
}

// topologicalOrder performs a Kahn-style sort over ids using edges,
// breaking ties by ascending node ID so the order is deterministic.
func topologicalOrder(ids []string, edges []Edge) ([]string, error) {
	inDegree := make(map[string]int, len(ids))
	adj := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, e := range edges {
		adj[e.Src] = append(adj[e.Src], e.Dst)
		inDegree[e.Dst]++
	}

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var out []string
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, succ := range adj[n] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(out) != len(ids) {
		return nil, NewError(CycleDetected, "", errCycle)
	}
	return out, nil
}

var errCycle = &cycleError{}

type cycleError struct{}

func (*cycleError) Error() string { return "plan graph contains a cycle" }

// buildResourceEdges adds an edge for every ordered pair (u, v) in
// topo-order whose inferred resource sets conflict on a shared resource
// with at least one write.
func buildResourceEdges(topo []string, byID map[string]*PlanNode, reg ToolLookup) ([]Edge, error) {
	inferred := make(map[string][]ResourceAccess, len(topo))
	for _, id := range topo {
		n := byID[id]
		res, err := reg.InferResources(n.ToolName)
		if err != nil {
			return nil, NewError(ResourceUnderDeclared, id, err)
		}
		inferred[id] = res
	}

	var edges []Edge
	for i := 0; i < len(topo); i++ {
		for j := i + 1; j < len(topo); j++ {
			u, v := topo[i], topo[j]
			if accessConflict(inferred[u], inferred[v]) {
				edges = append(edges, Edge{Src: u, Dst: v})
			}
		}
	}
	return edges, nil
}

// TopologicalOrder returns a Kahn-style order over the full edge union
// (data, resource, and sync edges), tied by ascending node ID. Returns a
// CycleDetected error if the union is not acyclic.
func (p *PlanIR) TopologicalOrder() ([]string, error) {
	return topologicalOrder(p.order, p.AllEdges())
}

// IsAcyclic reports whether the union of all edge sets is acyclic.
func (p *PlanIR) IsAcyclic() bool {
	_, err := p.TopologicalOrder()
	return err == nil
}

func accessConflict(a, b []ResourceAccess) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Conflicts(y) {
				return true
			}
		}
	}
	return false
}

package planir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/planir"
)

type fakeRegistry struct {
	resources map[string][]planir.ResourceAccess
	effects   map[string]planir.EffectType
}

func (f *fakeRegistry) InferResources(tool string) ([]planir.ResourceAccess, error) {
	return f.resources[tool], nil
}

func (f *fakeRegistry) InferEffect(tool string) (planir.EffectType, error) {
	if e, ok := f.effects[tool]; ok {
		return e, nil
	}
	return planir.ConservativeEffect, nil
}

func str(s string) *string { return &s }

func TestBuildPlanIR_DataEdgeFromRef(t *testing.T) {
	reg := &fakeRegistry{
		resources: map[string][]planir.ResourceAccess{
			"a": {{Resource: "r1", Mode: planir.AccessRead}},
			"b": {{Resource: "r1", Mode: planir.AccessWrite}},
		},
		effects: map[string]planir.EffectType{
			"a": {SideEffect: planir.Read, Environment: planir.Local},
			"b": {SideEffect: planir.Write, Environment: planir.Local},
		},
	}
	keyA, keyB := "a-key", "b-key"
	nodeA := &planir.PlanNode{ID: "A", ToolName: "a", Effect: reg.effects["a"], Resources: reg.resources["a"], IdempotencyKey: &keyA}
	nodeB := &planir.PlanNode{
		ID: "B", ToolName: "b", Effect: reg.effects["b"], Resources: reg.resources["b"], IdempotencyKey: &keyB,
		Params: map[string]planir.Value{"input": planir.RefTo("A", nil)},
	}

	plan, err := planir.BuildPlanIR([]*planir.PlanNode{nodeA, nodeB}, reg)
	require.NoError(t, err)
	require.Len(t, plan.DataEdges, 1)
	assert.Equal(t, "A", plan.DataEdges[0].Src)
	assert.Equal(t, "B", plan.DataEdges[0].Dst)
	require.Len(t, plan.ResourceEdges, 1)
	assert.Equal(t, planir.Edge{Src: "A", Dst: "B"}, plan.ResourceEdges[0])

	assert.NoError(t, planir.CheckSemanticConsistency(plan, reg, nil))
}

func TestBuildPlanIR_CycleDetected(t *testing.T) {
	reg := &fakeRegistry{resources: map[string][]planir.ResourceAccess{}, effects: map[string]planir.EffectType{}}
	nodeA := &planir.PlanNode{ID: "A", ToolName: "a", Params: map[string]planir.Value{"x": planir.RefTo("B", nil)}}
	nodeB := &planir.PlanNode{ID: "B", ToolName: "b", Params: map[string]planir.Value{"x": planir.RefTo("A", nil)}}

	_, err := planir.BuildPlanIR([]*planir.PlanNode{nodeA, nodeB}, reg)
	require.Error(t, err)
	assert.Equal(t, planir.CycleDetected, planir.KindOf(err))
}

func TestCheckSemanticConsistency_MissingIdempotencyKey(t *testing.T) {
	reg := &fakeRegistry{
		resources: map[string][]planir.ResourceAccess{"a": nil},
		effects:   map[string]planir.EffectType{"a": {SideEffect: planir.Write, Environment: planir.Local}},
	}
	node := &planir.PlanNode{ID: "A", ToolName: "a", Effect: planir.EffectType{SideEffect: planir.Write, Environment: planir.Local}}
	plan, err := planir.BuildPlanIR([]*planir.PlanNode{node}, reg)
	require.NoError(t, err)

	err = planir.CheckSemanticConsistency(plan, reg, nil)
	require.Error(t, err)
	assert.Equal(t, planir.MissingIdempotencyKey, planir.KindOf(err))
}

func TestCheckSemanticConsistency_EffectUnderDeclared(t *testing.T) {
	reg := &fakeRegistry{
		resources: map[string][]planir.ResourceAccess{"a": nil},
		effects:   map[string]planir.EffectType{"a": {SideEffect: planir.Write, Environment: planir.External}},
	}
	key := "k"
	node := &planir.PlanNode{ID: "A", ToolName: "a", Effect: planir.EffectType{SideEffect: planir.Read, Environment: planir.Local}, IdempotencyKey: &key}
	plan, err := planir.BuildPlanIR([]*planir.PlanNode{node}, reg)
	require.NoError(t, err)

	err = planir.CheckSemanticConsistency(plan, reg, nil)
	require.Error(t, err)
	assert.Equal(t, planir.EffectUnderDeclared, planir.KindOf(err))
}

func TestCheckSemanticConsistency_ResourceUnderDeclared(t *testing.T) {
	reg := &fakeRegistry{
		resources: map[string][]planir.ResourceAccess{"a": {{Resource: "r1", Mode: planir.AccessWrite}}},
		effects:   map[string]planir.EffectType{"a": {SideEffect: planir.Write, Environment: planir.Local}},
	}
	key := "k"
	node := &planir.PlanNode{ID: "A", ToolName: "a", Effect: planir.EffectType{SideEffect: planir.Write, Environment: planir.Local}, IdempotencyKey: &key}
	plan, err := planir.BuildPlanIR([]*planir.PlanNode{node}, reg)
	require.NoError(t, err)

	err = planir.CheckSemanticConsistency(plan, reg, nil)
	require.Error(t, err)
	assert.Equal(t, planir.ResourceUnderDeclared, planir.KindOf(err))
}

func TestRoundTrip(t *testing.T) {
	reg := &fakeRegistry{
		resources: map[string][]planir.ResourceAccess{
			"a": {{Resource: "r1", Mode: planir.AccessRead}},
			"b": {{Resource: "r1", Mode: planir.AccessWrite}},
		},
		effects: map[string]planir.EffectType{
			"a": {SideEffect: planir.Read, Environment: planir.Local},
			"b": {SideEffect: planir.Write, Environment: planir.Local},
		},
	}
	keyA, keyB := "a-key", "b-key"
	field := "value"
	nodeA := &planir.PlanNode{ID: "A", ToolName: "a", Effect: reg.effects["a"], Resources: reg.resources["a"], IdempotencyKey: &keyA, OutputType: str("doc")}
	nodeB := &planir.PlanNode{
		ID: "B", ToolName: "b", Effect: reg.effects["b"], Resources: reg.resources["b"], IdempotencyKey: &keyB,
		Params: map[string]planir.Value{"input": planir.RefTo("A", &field), "literal": planir.LiteralValue(float64(3))},
	}

	plan1, err := planir.BuildPlanIR([]*planir.PlanNode{nodeA, nodeB}, reg)
	require.NoError(t, err)

	data, err := planir.Encode(plan1)
	require.NoError(t, err)

	decoded, err := planir.Decode(data)
	require.NoError(t, err)

	plan2, err := planir.BuildPlanIR(decoded, reg)
	require.NoError(t, err)

	assert.ElementsMatch(t, keysOf(plan1.Nodes), keysOf(plan2.Nodes))
	assert.ElementsMatch(t, plan1.DataEdges, plan2.DataEdges)
	assert.ElementsMatch(t, plan1.ResourceEdges, plan2.ResourceEdges)
}

func keysOf(m map[string]*planir.PlanNode) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

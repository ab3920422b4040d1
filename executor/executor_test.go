package executor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/executor"
	"github.com/planforge/planforge/planir"
	"github.com/planforge/planforge/registry"
)

func compileSingleNode(t *testing.T, node *planir.PlanNode, reg *registry.Registry, latencyMs float64) *compiler.CompiledPlan {
	t.Helper()
	plan, err := planir.BuildPlanIR([]*planir.PlanNode{node}, reg)
	require.NoError(t, err)

	cp := &compiler.CompiledPlan{
		Plan:     plan,
		Schedule: map[string]compiler.ScheduledNode{node.ID: {NodeID: node.ID, StartMs: 0, EndMs: latencyMs}},
	}
	return cp
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	attempts := 0
	reg := registry.New()
	reg.RegisterTool(&planir.Tool{
		Name:   "flaky",
		Effect: planir.EffectType{SideEffect: planir.Read, Environment: planir.Local},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient failure")
			}
			return "ok", nil
		},
	})

	node := &planir.PlanNode{
		ID:       "T",
		ToolName: "flaky",
		Retry:    planir.RetryPolicy{MaxRetries: 3, BackoffGamma: 2},
	}
	cp := compileSingleNode(t, node, reg, 0)

	cfg := executor.DefaultExecutionConfig(1)
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.MaxBackoff = time.Second

	ex := executor.New(reg, nil, nil, cfg, nil, nil)
	start := time.Now()
	result, err := ex.Execute(context.Background(), cp)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", result.Outputs["T"])
	assert.Empty(t, result.Failures)
	// Two retry sleeps of ~10ms and ~20ms: roughly 30ms total; the lower
	// bound is kept a little under that to tolerate timer granularity.
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestExecute_FallbackAfterExhaustingRetries(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(&planir.Tool{
		Name:   "alwaysFails",
		Effect: planir.EffectType{SideEffect: planir.Read, Environment: planir.Local},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("permanent failure")
		},
	})

	node := &planir.PlanNode{
		ID:       "T",
		ToolName: "alwaysFails",
		Retry: planir.RetryPolicy{
			MaxRetries:   1,
			BackoffGamma: 2,
			Fallback: func(ctx context.Context, err error) (any, error) {
				return "fallback-value", nil
			},
		},
	}
	cp := compileSingleNode(t, node, reg, 0)

	cfg := executor.DefaultExecutionConfig(1)
	cfg.BackoffBase = time.Millisecond
	ex := executor.New(reg, nil, nil, cfg, nil, nil)

	result, err := ex.Execute(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, "fallback-value", result.Outputs["T"])
	assert.Empty(t, result.Failures)
}

func TestExecute_NonRetryableKindSkipsFallback(t *testing.T) {
	reg := registry.New()
	calls := 0
	reg.RegisterTool(&planir.Tool{
		Name:   "wrongKind",
		Effect: planir.EffectType{SideEffect: planir.Read, Environment: planir.Local},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return nil, planir.NewError(planir.ToolError, "T", errors.New("permanent"))
		},
	})

	fallbackCalled := false
	node := &planir.PlanNode{
		ID:       "T",
		ToolName: "wrongKind",
		Retry: planir.RetryPolicy{
			MaxRetries:   0,
			BackoffGamma: 2,
			RetryOn:      map[planir.Kind]bool{planir.CircuitOpen: true},
			Fallback: func(ctx context.Context, err error) (any, error) {
				fallbackCalled = true
				return "fallback-value", nil
			},
		},
	}
	cp := compileSingleNode(t, node, reg, 0)

	cfg := executor.DefaultExecutionConfig(1)
	cfg.BackoffBase = time.Millisecond
	ex := executor.New(reg, nil, nil, cfg, nil, nil)

	result, err := ex.Execute(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "a non-retryable kind must not be retried")
	assert.False(t, fallbackCalled, "a non-retryable kind must re-raise, not fall back")
	require.Contains(t, result.Failures, "T")
	assert.Equal(t, planir.ToolError, planir.KindOf(result.Failures["T"]))
	assert.Empty(t, result.Outputs)
}

func TestExecute_Compensation(t *testing.T) {
	reg := registry.New()
	var compensatedWith any
	var compensated bool

	reg.RegisterTool(&planir.Tool{
		Name: "a", Effect: planir.EffectType{SideEffect: planir.Pure, Environment: planir.Local},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) { return "a-out", nil },
	})
	reg.RegisterTool(&planir.Tool{
		Name:      "b",
		Effect:    planir.EffectType{SideEffect: planir.Write, Environment: planir.Local},
		Resources: []planir.ResourceAccess{{Resource: "r", Mode: planir.AccessWrite}},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) { return "b-out", nil },
	})
	reg.RegisterTool(&planir.Tool{
		Name: "c", Effect: planir.EffectType{SideEffect: planir.Pure, Environment: planir.Local},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("c blew up")
		},
	})

	key := func(s string) *string { return &s }
	nodeA := &planir.PlanNode{ID: "A", ToolName: "a"}
	nodeB := &planir.PlanNode{
		ID: "B", ToolName: "b", IdempotencyKey: key("B"),
		Resources: []planir.ResourceAccess{{Resource: "r", Mode: planir.AccessWrite}},
		Params:    map[string]planir.Value{"in": planir.RefTo("A", nil)},
		Compensation: func(ctx context.Context, output any) error {
			compensated = true
			compensatedWith = output
			return nil
		},
	}
	nodeC := &planir.PlanNode{
		ID: "C", ToolName: "c",
		Params: map[string]planir.Value{"in": planir.RefTo("B", nil)},
	}

	plan, err := planir.BuildPlanIR([]*planir.PlanNode{nodeA, nodeB, nodeC}, reg)
	require.NoError(t, err)

	cp := &compiler.CompiledPlan{
		Plan: plan,
		Schedule: map[string]compiler.ScheduledNode{
			"A": {NodeID: "A", StartMs: 0, EndMs: 0},
			"B": {NodeID: "B", StartMs: 0, EndMs: 0},
			"C": {NodeID: "C", StartMs: 0, EndMs: 0},
		},
	}

	cfg := executor.DefaultExecutionConfig(2)
	ex := executor.New(reg, nil, nil, cfg, nil, nil)
	result, err := ex.Execute(context.Background(), cp)
	require.NoError(t, err)

	require.Contains(t, result.Failures, "C")
	assert.Equal(t, "a-out", result.Outputs["A"])
	assert.Equal(t, "b-out", result.Outputs["B"])
	assert.True(t, compensated)
	assert.Equal(t, "b-out", compensatedWith)
}

func TestExecute_CircuitBreakerOpensAfterWindow(t *testing.T) {
	reg := registry.New()
	calls := 0
	reg.RegisterTool(&planir.Tool{
		Name: "f", Effect: planir.EffectType{SideEffect: planir.Read, Environment: planir.External},
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			calls++
			return nil, fmt.Errorf("boom %d", calls)
		},
	})

	cfg := executor.DefaultExecutionConfig(1)
	cfg.CircuitBreakerWindow = 5
	cfg.CircuitBreakerThreshold = 0.6
	cfg.BackoffBase = time.Millisecond
	ex := executor.New(reg, nil, nil, cfg, nil, nil)

	for i := 0; i < 5; i++ {
		node := &planir.PlanNode{ID: "F", ToolName: "f"}
		cp := compileSingleNode(t, node, reg, 0)
		result, err := ex.Execute(context.Background(), cp)
		require.NoError(t, err)
		require.Contains(t, result.Failures, "F")
	}

	// The sixth run must short-circuit without invoking the tool.
	callsBefore := calls
	node := &planir.PlanNode{ID: "F", ToolName: "f"}
	cp := compileSingleNode(t, node, reg, 0)
	result, err := ex.Execute(context.Background(), cp)
	require.NoError(t, err)
	require.Contains(t, result.Failures, "F")
	assert.Equal(t, callsBefore, calls, "circuit should be open and skip the tool call")
	assert.Equal(t, planir.CircuitOpen, planir.KindOf(result.Failures["F"]))
}

func TestExecute_LockTimeoutOnDeclaredResourceContention(t *testing.T) {
	reg := registry.New()
	// The tool itself declares no resources, so BuildPlanIR infers no
	// conflict and adds no resource_edge between A and B: they are free
	// to race for the node-declared locks below, exercising the
	// executor's own lock-timeout path rather than the IR's
	// compile-time serialization of conflicting access.
	reg.RegisterTool(&planir.Tool{
		Name: "slow",
		Invoke: func(ctx context.Context, params map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "done", nil
		},
	})

	cfg := executor.DefaultExecutionConfig(2)
	cfg.LockTimeout = 5 * time.Millisecond
	ex := executor.New(reg, nil, nil, cfg, nil, nil)

	nodeA := &planir.PlanNode{ID: "A", ToolName: "slow", Resources: []planir.ResourceAccess{{Resource: "r1", Mode: planir.AccessWrite}, {Resource: "r2", Mode: planir.AccessWrite}}}
	nodeB := &planir.PlanNode{ID: "B", ToolName: "slow", Resources: []planir.ResourceAccess{{Resource: "r1", Mode: planir.AccessWrite}, {Resource: "r2", Mode: planir.AccessWrite}}}
	plan, err := planir.BuildPlanIR([]*planir.PlanNode{nodeA, nodeB}, reg)
	require.NoError(t, err)

	cp := &compiler.CompiledPlan{
		Plan: plan,
		Schedule: map[string]compiler.ScheduledNode{
			"A": {NodeID: "A", StartMs: 0, EndMs: 50},
			"B": {NodeID: "B", StartMs: 0, EndMs: 50},
		},
	}

	result, err := ex.Execute(context.Background(), cp)
	require.NoError(t, err)
	// Exactly one of A, B wins the resource locks; the other times out
	// waiting on them and fails with LockTimeout since neither node
	// declares a retry policy.
	assert.Len(t, result.Outputs, 1)
	require.Len(t, result.Failures, 1)
	for _, failErr := range result.Failures {
		assert.Equal(t, planir.LockTimeout, planir.KindOf(failErr))
	}
}

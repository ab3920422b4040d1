// Package executor runs a compiled plan: a worker pool dispatches nodes
// once their compiled start time arrives and their data dependencies have
// completed, enforcing per-resource locks, rate limits, and per-tool
// circuit breakers, retrying transient failures with jittered backoff,
// and running reverse-order saga compensation on the first terminal
// failure.
package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/planir"
	"github.com/planforge/planforge/ratelimit"
	"github.com/planforge/planforge/registry"
	"github.com/planforge/planforge/telemetry"
)

// ExecutionConfig configures an Executor run.
type ExecutionConfig struct {
	ConcurrencyLimit        int
	LockTimeout             time.Duration
	BackoffBase             time.Duration
	MaxBackoff              time.Duration
	Jitter                  float64
	CircuitBreakerWindow    int
	CircuitBreakerThreshold float64
	// Seed drives the jitter source. Zero means "seed from the current
	// time", matching the original's intent of non-reproducible jitter
	// while still allowing a fixed seed for deterministic tests.
	Seed int64
}

// DefaultExecutionConfig returns the documented defaults for every field
// except ConcurrencyLimit and Seed.
func DefaultExecutionConfig(concurrencyLimit int) ExecutionConfig {
	return ExecutionConfig{
		ConcurrencyLimit:        concurrencyLimit,
		LockTimeout:             2 * time.Second,
		BackoffBase:             100 * time.Millisecond,
		MaxBackoff:              2 * time.Second,
		CircuitBreakerWindow:    10,
		CircuitBreakerThreshold: 0.5,
	}
}

// TraceEvent records one node's execution or compensation outcome.
type TraceEvent struct {
	NodeID      string
	Tool        string
	Success     bool
	Output      any
	Error       string
	Resources   []string
	Compensated *bool
}

// ExecutionResult is the outcome of running a CompiledPlan to completion
// or to its first terminal failure.
type ExecutionResult struct {
	Outputs    map[string]any
	Failures   map[string]error
	DurationMs float64
	Traces     []TraceEvent
}

// Executor runs a CompiledPlan against a live tool registry.
type Executor struct {
	Registry   *registry.Registry
	Config     ExecutionConfig
	RateLimits map[string]float64
	RateBursts map[string]float64
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics

	locks      *LockManager
	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker
	buckets    map[string]*ratelimit.Bucket

	randMu sync.Mutex
	rand   *rand.Rand
}

// New constructs an Executor. A nil logger or metrics defaults to a
// no-op implementation.
func New(reg *registry.Registry, rateLimits, rateBursts map[string]float64, cfg ExecutionConfig, logger telemetry.Logger, metrics telemetry.Metrics) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{
		Registry:   reg,
		Config:     cfg,
		RateLimits: rateLimits,
		RateBursts: rateBursts,
		Logger:     logger,
		Metrics:    metrics,
		locks:      NewLockManager(),
		breakers:   make(map[string]*CircuitBreaker),
		buckets:    make(map[string]*ratelimit.Bucket),
		rand:       rand.New(rand.NewSource(seed)),
	}
}

type nodeOutcome struct {
	nodeID string
	output any
	err    error
}

// Execute dispatches compiled's nodes in a worker pool bounded by
// ConcurrencyLimit, gated by each node's compiled start time, and returns
// once every node has completed or the first terminal failure has
// triggered compensation.
func (e *Executor) Execute(ctx context.Context, compiled *compiler.CompiledPlan) (*ExecutionResult, error) {
	plan := compiled.Plan
	startTime := time.Now()
	e.initBuckets(plan)

	outputs := make(map[string]any, len(plan.Nodes))
	var outputsMu sync.Mutex
	failures := make(map[string]error)
	var traces []TraceEvent

	pending := make(map[string]bool, len(plan.Nodes))
	for _, id := range plan.NodeOrder() {
		pending[id] = true
	}
	completed := make(map[string]bool, len(plan.Nodes))
	ready := make(map[string]bool, len(plan.Nodes))
	for id := range pending {
		if len(plan.Predecessors(id)) == 0 {
			ready[id] = true
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var executed []string
	inFlight := make(map[string]bool, e.Config.ConcurrencyLimit)
	resultCh := make(chan nodeOutcome, len(plan.Nodes))
	failed := false

	dispatch := func(nodeID string) {
		delete(pending, nodeID)
		delete(ready, nodeID)
		inFlight[nodeID] = true
		node := plan.Nodes[nodeID]
		snapshot := snapshotOutputs(outputs, &outputsMu)
		go func() {
			out, err := e.executeNode(runCtx, node, snapshot)
			resultCh <- nodeOutcome{nodeID: nodeID, output: out, err: err}
		}()
	}

	for (len(pending) > 0 || len(inFlight) > 0) && !failed {
		for len(inFlight) < e.Config.ConcurrencyLimit {
			nodeID, ok := selectReadyNode(ready, compiled)
			if !ok || !isScheduleReady(nodeID, compiled, startTime) {
				break
			}
			dispatch(nodeID)
		}

		if len(inFlight) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		select {
		case res := <-resultCh:
			delete(inFlight, res.nodeID)
			node := plan.Nodes[res.nodeID]
			if res.err == nil {
				outputsMu.Lock()
				outputs[res.nodeID] = res.output
				outputsMu.Unlock()
				executed = append(executed, res.nodeID)
				completed[res.nodeID] = true
				traces = append(traces, TraceEvent{
					NodeID: res.nodeID, Tool: node.ToolName, Success: true,
					Output: res.output, Resources: resourceNames(node.Resources),
				})
				for _, succ := range plan.Successors(res.nodeID) {
					if pending[succ] && allCompleted(plan.Predecessors(succ), completed) {
						ready[succ] = true
					}
				}
			} else {
				failures[res.nodeID] = res.err
				traces = append(traces, TraceEvent{
					NodeID: res.nodeID, Tool: node.ToolName, Success: false, Error: res.err.Error(),
				})
				failed = true
				cancel()
			}
		case <-time.After(50 * time.Millisecond):
		}
	}

	if failed {
		// Let in-flight attempts unwind (they observe runCtx's
		// cancellation) before compensation runs, so a compensating
		// action never races a still-running forward action on the same
		// resource.
		for len(inFlight) > 0 {
			res := <-resultCh
			delete(inFlight, res.nodeID)
			if res.err == nil {
				outputsMu.Lock()
				outputs[res.nodeID] = res.output
				outputsMu.Unlock()
				executed = append(executed, res.nodeID)
			}
		}
		traces = e.compensate(ctx, plan, executed, outputs, traces)
	}

	durationMs := float64(time.Since(startTime)) / float64(time.Millisecond)
	return &ExecutionResult{Outputs: outputs, Failures: failures, DurationMs: durationMs, Traces: traces}, nil
}

func snapshotOutputs(outputs map[string]any, mu *sync.Mutex) map[string]any {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out
}

func allCompleted(ids []string, completed map[string]bool) bool {
	for _, id := range ids {
		if !completed[id] {
			return false
		}
	}
	return true
}

func resourceNames(accs []planir.ResourceAccess) []string {
	out := make([]string, len(accs))
	for i, a := range accs {
		out[i] = a.Resource
	}
	return out
}

// selectReadyNode picks the ready node with the earliest compiled start
// time, breaking ties by ascending node ID; an unscheduled node sorts as
// if scheduled at 0.
func selectReadyNode(ready map[string]bool, compiled *compiler.CompiledPlan) (string, bool) {
	best := ""
	bestStart := math.Inf(1)
	for id := range ready {
		start := 0.0
		if sched, ok := compiled.Schedule[id]; ok {
			start = sched.StartMs
		}
		if best == "" || start < bestStart || (start == bestStart && id < best) {
			best, bestStart = id, start
		}
	}
	return best, best != ""
}

// isScheduleReady reports whether enough wall-clock time has elapsed
// since startTime for nodeID's compiled start offset.
func isScheduleReady(nodeID string, compiled *compiler.CompiledPlan, startTime time.Time) bool {
	sched, ok := compiled.Schedule[nodeID]
	if !ok {
		return true
	}
	target := startTime.Add(time.Duration(sched.StartMs * float64(time.Millisecond)))
	return !time.Now().Before(target)
}

// executeNode runs the circuit-breaker check, parameter resolution, and
// retry loop for a single node invocation.
func (e *Executor) executeNode(ctx context.Context, node *planir.PlanNode, outputsSnapshot map[string]any) (any, error) {
	breaker := e.breakerFor(node.ToolName)
	if !breaker.Allow() {
		return nil, planir.NewError(planir.CircuitOpen, node.ID, fmt.Errorf("circuit open for tool %s", node.ToolName))
	}

	tool, ok := e.Registry.GetTool(node.ToolName)
	if !ok {
		return nil, planir.NewError(planir.MissingDependency, node.ID, fmt.Errorf("unknown tool %q", node.ToolName))
	}

	params, err := resolveParams(node.Params, outputsSnapshot)
	if err != nil {
		return nil, planir.NewError(planir.MissingDependency, node.ID, err)
	}
	if _, exists := params["__idempotency_key"]; !exists {
		switch {
		case node.IdempotencyKey != nil:
			params["__idempotency_key"] = *node.IdempotencyKey
		case tool.IdempotencyGen != nil:
			params["__idempotency_key"] = tool.IdempotencyGen(params)
		}
	}

	attempt := 0
	for {
		output, invokeErr := e.attemptInvoke(ctx, node, tool, params)
		if invokeErr == nil {
			breaker.Record(true)
			return output, nil
		}
		breaker.Record(false)

		if !node.Retry.Retryable(planir.KindOf(invokeErr)) {
			return nil, invokeErr
		}
		if attempt >= node.Retry.MaxRetries {
			if node.Retry.Fallback != nil {
				return node.Retry.Fallback(ctx, invokeErr)
			}
			return nil, invokeErr
		}
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.backoff(attempt, node.Retry.BackoffGamma)):
		}
	}
}

// attemptInvoke runs exactly one attempt: acquire locks, consume rate
// tokens, invoke the tool, and detect undeclared resource access. Locks
// are released on every exit path.
func (e *Executor) attemptInvoke(ctx context.Context, node *planir.PlanNode, tool *planir.Tool, params map[string]any) (any, error) {
	held, err := e.acquireLocks(node.Resources)
	if err != nil {
		return nil, err
	}
	defer e.releaseLocks(held)

	if err := e.consumeTokens(node.Resources); err != nil {
		return nil, err
	}

	output, invokeErr := tool.Invoke(ctx, params)
	if invokeErr != nil {
		return nil, planir.NewError(planir.ToolError, node.ID, invokeErr)
	}
	e.detectUndeclaredAccess(node.ToolName, output)
	return output, nil
}

func (e *Executor) breakerFor(toolName string) *CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	b, ok := e.breakers[toolName]
	if !ok {
		b = NewCircuitBreaker(e.Config.CircuitBreakerWindow, e.Config.CircuitBreakerThreshold)
		e.breakers[toolName] = b
	}
	return b
}

type heldLock struct {
	lock *RWLock
	mode planir.AccessMode
}

// acquireLocks takes every resource's lock in lexicographic order by
// resource name. On timeout, every lock already held is released in
// reverse acquisition order before returning LockTimeout.
func (e *Executor) acquireLocks(resources []planir.ResourceAccess) ([]heldLock, error) {
	ordered := orderedByResource(resources)
	held := make([]heldLock, 0, len(ordered))
	for _, acc := range ordered {
		lock := e.locks.For(acc.Resource)
		var ok bool
		if acc.Mode == planir.AccessRead {
			ok = lock.AcquireRead(e.Config.LockTimeout)
		} else {
			ok = lock.AcquireWrite(e.Config.LockTimeout)
		}
		if !ok {
			e.releaseLocks(held)
			return nil, planir.NewError(planir.LockTimeout, "", fmt.Errorf("lock timeout on resource %s", acc.Resource))
		}
		held = append(held, heldLock{lock: lock, mode: acc.Mode})
	}
	return held, nil
}

func (e *Executor) releaseLocks(held []heldLock) {
	for i := len(held) - 1; i >= 0; i-- {
		h := held[i]
		if h.mode == planir.AccessRead {
			h.lock.ReleaseRead()
		} else {
			h.lock.ReleaseWrite()
		}
	}
}

func orderedByResource(resources []planir.ResourceAccess) []planir.ResourceAccess {
	out := make([]planir.ResourceAccess, len(resources))
	copy(out, resources)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Resource > out[j].Resource; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (e *Executor) initBuckets(plan *planir.PlanIR) {
	for _, id := range plan.NodeOrder() {
		for _, acc := range plan.Nodes[id].Resources {
			limit, limited := e.RateLimits[acc.Resource]
			if !limited {
				continue
			}
			if _, exists := e.buckets[acc.Resource]; exists {
				continue
			}
			burst, ok := e.RateBursts[acc.Resource]
			if !ok {
				burst = limit
			}
			e.buckets[acc.Resource] = ratelimit.NewBucket(limit/1000.0, burst)
		}
	}
}

// consumeTokens enforces rate limits after locks are held: a miss is an
// immediate RateLimitExceeded error, never a wait.
func (e *Executor) consumeTokens(resources []planir.ResourceAccess) error {
	nowMs := float64(time.Now().UnixNano()) / float64(time.Millisecond)
	for _, acc := range resources {
		bucket, limited := e.buckets[acc.Resource]
		if !limited {
			continue
		}
		if !bucket.ConsumeAt(nowMs) {
			return planir.NewError(planir.RateLimitExceeded, "", fmt.Errorf("rate limit exceeded for resource %s", acc.Resource))
		}
	}
	return nil
}

// backoff computes the k-th retry delay: base * gamma^(k-1), capped at
// MaxBackoff, scaled by 1 + jitter*u with u drawn from a seeded uniform
// source over [-1, 1].
func (e *Executor) backoff(attempt int, gamma float64) time.Duration {
	delaySec := e.Config.BackoffBase.Seconds() * math.Pow(gamma, float64(attempt-1))
	if delaySec > e.Config.MaxBackoff.Seconds() {
		delaySec = e.Config.MaxBackoff.Seconds()
	}
	if e.Config.Jitter != 0 {
		e.randMu.Lock()
		u := 2*e.rand.Float64() - 1
		e.randMu.Unlock()
		delaySec *= 1.0 + e.Config.Jitter*u
	}
	if delaySec < 0 {
		delaySec = 0
	}
	return time.Duration(delaySec * float64(time.Second))
}

// detectUndeclaredAccess inspects a tool's output for a best-effort
// "_accessed_resources" field and feeds any newly observed accesses back
// into the registry. It never fails the node on a malformed payload.
func (e *Executor) detectUndeclaredAccess(toolName string, output any) {
	m, ok := output.(map[string]any)
	if !ok {
		return
	}
	raw, ok := m["_accessed_resources"]
	if !ok {
		return
	}
	items, ok := raw.([]any)
	if !ok {
		return
	}

	var accessed []planir.ResourceAccess
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		resource, _ := entry["resource"].(string)
		if resource == "" {
			continue
		}
		mode := planir.AccessRead
		if modeStr, _ := entry["mode"].(string); modeStr == "W" {
			mode = planir.AccessWrite
		}
		accessed = append(accessed, planir.ResourceAccess{Resource: resource, Mode: mode})
	}
	if len(accessed) > 0 {
		e.Registry.ExpandFromTrace(toolName, accessed)
	}
}

// resolveParams performs just-in-time substitution of every reference
// value against outputs already produced by completed predecessors,
// recursing through nested maps and lists.
func resolveParams(params map[string]planir.Value, outputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		val, err := resolveValue(v, outputs)
		if err != nil {
			return nil, err
		}
		resolved[k] = val
	}
	return resolved, nil
}

func resolveValue(v planir.Value, outputs map[string]any) (any, error) {
	switch {
	case v.IsRef():
		data, ok := outputs[v.Ref.Node]
		if !ok {
			return nil, fmt.Errorf("executor: output of node %s is not yet available", v.Ref.Node)
		}
		if v.Ref.Field == nil {
			return data, nil
		}
		m, ok := data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("executor: output of node %s is not a map, cannot resolve field %s", v.Ref.Node, *v.Ref.Field)
		}
		return m[*v.Ref.Field], nil
	case v.IsMap():
		out := make(map[string]any, len(v.Map))
		for k, inner := range v.Map {
			rv, err := resolveValue(inner, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case v.IsList():
		out := make([]any, len(v.List))
		for i, inner := range v.List {
			rv, err := resolveValue(inner, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v.Literal, nil
	}
}

// compensate runs every executed node's compensation, in reverse
// execution order, after the first terminal failure.
func (e *Executor) compensate(ctx context.Context, plan *planir.PlanIR, executed []string, outputs map[string]any, traces []TraceEvent) []TraceEvent {
	for i := len(executed) - 1; i >= 0; i-- {
		nodeID := executed[i]
		node := plan.Nodes[nodeID]
		if node.Compensation == nil {
			continue
		}
		err := node.Compensation(ctx, outputs[nodeID])
		ok := err == nil
		ev := TraceEvent{NodeID: nodeID, Tool: node.ToolName, Compensated: &ok}
		if err != nil {
			ev.Error = err.Error()
		}
		traces = append(traces, ev)
	}
	return traces
}

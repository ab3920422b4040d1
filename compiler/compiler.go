// Package compiler turns a validated plan graph into a CompiledPlan: a
// feasible schedule respecting concurrency, resource-conflict, deadline,
// and token-bucket rate-limit constraints, plus EST/LST/slack analysis
// and advisory penalty scores.
package compiler

import (
	"fmt"
	"sort"

	"github.com/planforge/planforge/planir"
	"github.com/planforge/planforge/ratelimit"
	"github.com/planforge/planforge/telemetry"
)

// Config configures a Compiler run.
type Config struct {
	ConcurrencyLimit int
	DeadlineMs       float64
	RateLimits       map[string]float64 // resource -> per-second limit
	RateBursts       map[string]float64 // resource -> burst capacity, defaults to the per-second limit
}

// ScheduledNode is one node's assigned start/end time on the compiled
// timeline.
type ScheduledNode struct {
	NodeID  string
	StartMs float64
	EndMs   float64
}

// CompiledPlan is the IR plus its schedule, critical path, EST/LST/slack
// tables, and advisory penalty scores.
type CompiledPlan struct {
	Plan           *planir.PlanIR
	Schedule       map[string]ScheduledNode
	CriticalPathMs float64
	EST            map[string]float64
	LST            map[string]float64
	Slack          map[string]float64
	RatePenalty    float64
	RetryPenalty   float64
}

// LatencyLookup resolves a plan node's expected latency and failure
// probability by tool name, mirroring the Tool descriptor fields the
// compiler reads.
type LatencyLookup interface {
	LatencyMs(toolName string) float64
	FailureProb(toolName string) float64
}

// Compiler is a Semantic Compiler instance bound to a tool lookup and a
// configuration.
type Compiler struct {
	Tools  LatencyLookup
	Config Config
	Logger telemetry.Logger
}

// New constructs a Compiler. A nil logger defaults to a no-op logger.
func New(tools LatencyLookup, cfg Config, logger telemetry.Logger) *Compiler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Compiler{Tools: tools, Config: cfg, Logger: logger}
}

// Compile runs the four compiler phases over plan and returns a
// CompiledPlan, or a *planir.PlanError with Kind ScheduleInfeasible if no
// feasible schedule exists before the deadline.
func (c *Compiler) Compile(plan *planir.PlanIR) (*CompiledPlan, error) {
	plan.SyncEdges = c.buildSyncEdges(plan)

	order, err := plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	est, lst, criticalPath := c.computeESTLST(plan, order)

	schedule, err := c.schedule(plan, order)
	if err != nil {
		return nil, err
	}

	slack := make(map[string]float64, len(plan.Nodes))
	for id := range plan.Nodes {
		slack[id] = lst[id] - est[id]
	}

	return &CompiledPlan{
		Plan:           plan,
		Schedule:       schedule,
		CriticalPathMs: criticalPath,
		EST:            est,
		LST:            lst,
		Slack:          slack,
		RatePenalty:    c.ratePenalty(plan, schedule),
		RetryPenalty:   c.retryPenalty(plan),
	}, nil
}

// buildSyncEdges orders each resource's writing nodes by data-topological
// position and adds a sync edge between each consecutive pair, forcing a
// total write order without over-constraining readers.
func (c *Compiler) buildSyncEdges(plan *planir.PlanIR) []planir.Edge {
	order, err := plan.TopologicalOrder()
	if err != nil {
		// Sync edges cannot be built over a cyclic graph; keep the plan's
		// existing sync edges unchanged and let the caller's subsequent
		// TopologicalOrder call surface the CycleDetected error.
		return plan.SyncEdges
	}
	idx := make(map[string]int, len(order))
	for i, id := range order {
		idx[id] = i
	}

	writers := make(map[string][]string)
	for _, id := range plan.NodeOrder() {
		n := plan.Nodes[id]
		for _, acc := range n.Resources {
			if acc.Mode == planir.AccessWrite {
				writers[acc.Resource] = append(writers[acc.Resource], id)
			}
		}
	}

	var edges []planir.Edge
	for _, nodes := range writers {
		sort.Slice(nodes, func(i, j int) bool { return idx[nodes[i]] < idx[nodes[j]] })
		for i := 0; i+1 < len(nodes); i++ {
			edges = append(edges, planir.Edge{Src: nodes[i], Dst: nodes[i+1]})
		}
	}
	return edges
}

func (c *Compiler) latencyOf(n *planir.PlanNode) float64 { return c.Tools.LatencyMs(n.ToolName) }

func (c *Compiler) computeESTLST(plan *planir.PlanIR, order []string) (map[string]float64, map[string]float64, float64) {
	est := make(map[string]float64, len(plan.Nodes))
	for id := range plan.Nodes {
		est[id] = 0
	}
	for _, id := range order {
		preds := plan.Predecessors(id)
		if len(preds) == 0 {
			continue
		}
		max := 0.0
		for i, p := range preds {
			v := est[p] + c.latencyOf(plan.Nodes[p])
			if i == 0 || v > max {
				max = v
			}
		}
		est[id] = max
	}

	critical := 0.0
	for i, id := range order {
		v := est[id] + c.latencyOf(plan.Nodes[id])
		if i == 0 || v > critical {
			critical = v
		}
	}

	lst := make(map[string]float64, len(plan.Nodes))
	for id := range plan.Nodes {
		lst[id] = critical - c.latencyOf(plan.Nodes[id])
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		succs := plan.Successors(id)
		if len(succs) == 0 {
			continue
		}
		min := 0.0
		for i, s := range succs {
			v := lst[s] - c.latencyOf(plan.Nodes[id])
			if i == 0 || v < min {
				min = v
			}
		}
		lst[id] = min
	}

	return est, lst, critical
}

func (c *Compiler) upwardRank(plan *planir.PlanIR, order []string) map[string]float64 {
	rank := make(map[string]float64, len(plan.Nodes))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		n := plan.Nodes[id]
		succs := plan.Successors(id)
		if len(succs) == 0 {
			rank[id] = c.latencyOf(n)
			continue
		}
		max := 0.0
		for i, s := range succs {
			if i == 0 || rank[s] > max {
				max = rank[s]
			}
		}
		rank[id] = c.latencyOf(n) + max
	}
	return rank
}

func (c *Compiler) initTokenBuckets(plan *planir.PlanIR) map[string]*ratelimit.Bucket {
	buckets := make(map[string]*ratelimit.Bucket)
	for _, id := range plan.NodeOrder() {
		for _, acc := range plan.Nodes[id].Resources {
			limitPerSec, limited := c.Config.RateLimits[acc.Resource]
			if !limited {
				continue
			}
			burst, ok := c.Config.RateBursts[acc.Resource]
			if !ok {
				burst = limitPerSec
			}
			buckets[acc.Resource] = ratelimit.NewBucket(limitPerSec/1000.0, burst)
		}
	}
	return buckets
}

// schedule implements Phase C: HEFT-style list scheduling with
// exponential-backoff feasibility probing and the deadline-doubling
// fallback.
func (c *Compiler) schedule(plan *planir.PlanIR, order []string) (map[string]ScheduledNode, error) {
	buckets := c.initTokenBuckets(plan)
	schedule := make(map[string]ScheduledNode, len(plan.Nodes))
	rank := c.upwardRank(plan, order)

	unscheduled := make(map[string]bool, len(order))
	for _, id := range order {
		unscheduled[id] = true
	}

	backoffMs := 1.0
	for len(unscheduled) > 0 {
		candidates := make([]string, 0, len(unscheduled))
		for id := range unscheduled {
			candidates = append(candidates, id)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if rank[candidates[i]] != rank[candidates[j]] {
				return rank[candidates[i]] > rank[candidates[j]]
			}
			return candidates[i] < candidates[j]
		})

		progress := false
		for _, id := range candidates {
			preds := plan.Predecessors(id)
			ready := true
			for _, p := range preds {
				if _, ok := schedule[p]; !ok {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			earliest := 0.0
			for i, p := range preds {
				if i == 0 || schedule[p].EndMs > earliest {
					earliest = schedule[p].EndMs
				}
			}

			start, ok := c.findFeasibleStart(plan, id, earliest, schedule, buckets)
			if !ok {
				continue
			}
			dur := c.latencyOf(plan.Nodes[id])
			schedule[id] = ScheduledNode{NodeID: id, StartMs: start, EndMs: start + dur}
			c.reserveRateTokens(plan.Nodes[id], start, buckets)
			delete(unscheduled, id)
			progress = true
			break
		}

		if progress {
			continue
		}

		backoffMs *= 2
		if backoffMs > c.Config.DeadlineMs {
			return nil, planir.NewError(planir.ScheduleInfeasible, "", fmt.Errorf("unable to find feasible schedule under constraints"))
		}
		for _, id := range candidates {
			if len(plan.Predecessors(id)) > 0 {
				continue
			}
			start, ok := c.findFeasibleStart(plan, id, backoffMs, schedule, buckets)
			if !ok {
				continue
			}
			dur := c.latencyOf(plan.Nodes[id])
			schedule[id] = ScheduledNode{NodeID: id, StartMs: start, EndMs: start + dur}
			c.reserveRateTokens(plan.Nodes[id], start, buckets)
			delete(unscheduled, id)
			progress = true
		}
		if !progress {
			return nil, planir.NewError(planir.ScheduleInfeasible, "", fmt.Errorf("unable to find feasible schedule under constraints"))
		}
	}

	return schedule, nil
}

func (c *Compiler) findFeasibleStart(plan *planir.PlanIR, nodeID string, earliest float64, schedule map[string]ScheduledNode, buckets map[string]*ratelimit.Bucket) (float64, bool) {
	n := plan.Nodes[nodeID]
	start := earliest
	backoff := 1.0
	for start <= c.Config.DeadlineMs {
		if !c.respectsConcurrency(start, c.latencyOf(n), schedule) {
			start += backoff
			backoff *= 2
			continue
		}
		if !c.respectsResourceConflicts(plan, n, start, schedule) {
			start += backoff
			backoff *= 2
			continue
		}
		if !c.respectsRateLimits(n, start, buckets) {
			start += backoff
			backoff *= 2
			continue
		}
		return start, true
	}
	return 0, false
}

func (c *Compiler) respectsConcurrency(start, duration float64, schedule map[string]ScheduledNode) bool {
	end := start + duration
	active := 0
	for _, item := range schedule {
		if intervalOverlap(start, end, item.StartMs, item.EndMs) {
			active++
		}
	}
	return active < c.Config.ConcurrencyLimit
}

func (c *Compiler) respectsResourceConflicts(plan *planir.PlanIR, n *planir.PlanNode, start float64, schedule map[string]ScheduledNode) bool {
	end := start + c.latencyOf(n)
	for _, scheduled := range schedule {
		if !intervalOverlap(start, end, scheduled.StartMs, scheduled.EndMs) {
			continue
		}
		other := plan.Nodes[scheduled.NodeID]
		if resourcesConflict(n.Resources, other.Resources) {
			return false
		}
	}
	return true
}

func intervalOverlap(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd && bStart < aEnd
}

func (c *Compiler) respectsRateLimits(n *planir.PlanNode, start float64, buckets map[string]*ratelimit.Bucket) bool {
	for _, acc := range n.Resources {
		if b, ok := buckets[acc.Resource]; ok && !b.HasTokenAt(start) {
			return false
		}
	}
	return true
}

func (c *Compiler) reserveRateTokens(n *planir.PlanNode, start float64, buckets map[string]*ratelimit.Bucket) {
	for _, acc := range n.Resources {
		if b, ok := buckets[acc.Resource]; ok {
			b.ConsumeAt(start)
		}
	}
}

func resourcesConflict(a, b []planir.ResourceAccess) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Conflicts(y) {
				return true
			}
		}
	}
	return false
}

// ratePenalty implements Phase D's rate_penalty: a sliding 1000ms window
// over each rate-limited resource's scheduled start times, penalizing
// windows whose node count exceeds the per-second limit.
func (c *Compiler) ratePenalty(plan *planir.PlanIR, schedule map[string]ScheduledNode) float64 {
	const windowMs = 1000.0
	penalty := 0.0
	for resource, limit := range c.Config.RateLimits {
		var times []float64
		for _, sched := range schedule {
			for _, acc := range plan.Nodes[sched.NodeID].Resources {
				if acc.Resource == resource {
					times = append(times, sched.StartMs)
					break
				}
			}
		}
		sort.Float64s(times)
		for i, t := range times {
			windowEnd := t + windowMs
			count := 0
			for _, t2 := range times[i:] {
				if t2 <= windowEnd {
					count++
				}
			}
			if float64(count) > limit {
				penalty += (float64(count) - limit) * (float64(count) - limit)
			}
		}
	}
	return penalty
}

// retryPenalty implements Phase D's retry_penalty: the sum over nodes of
// failure_prob * (failure_prob * max_retries) * latency.
func (c *Compiler) retryPenalty(plan *planir.PlanIR) float64 {
	penalty := 0.0
	for _, id := range plan.NodeOrder() {
		n := plan.Nodes[id]
		fp := c.Tools.FailureProb(n.ToolName)
		expectedRetries := float64(n.Retry.MaxRetries) * fp
		penalty += fp * expectedRetries * c.latencyOf(n)
	}
	return penalty
}

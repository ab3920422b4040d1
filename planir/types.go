// Package planir defines the plan graph data model — tools, nodes, edges —
// and the static consistency checker that validates a graph before it is
// handed to the compiler.
package planir

import "context"

// SideEffect is an ordered classification of how strongly a tool mutates
// state. Higher values are more conservative.
type SideEffect int

const (
	Pure SideEffect = iota
	Read
	Write
)

func (s SideEffect) String() string {
	switch s {
	case Pure:
		return "pure"
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Environment is an ordered classification of where a tool's effect lands.
type Environment int

const (
	Local Environment = iota
	External
)

func (e Environment) String() string {
	switch e {
	case Local:
		return "local"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// EffectType pairs a SideEffect with an Environment. Dominance over both
// components determines whether a node's declared effect is at least as
// conservative as its tool's inferred effect.
type EffectType struct {
	SideEffect  SideEffect
	Environment Environment
}

// Dominates reports whether e is at least as conservative as other on
// both axes.
func (e EffectType) Dominates(other EffectType) bool {
	return e.SideEffect >= other.SideEffect && e.Environment >= other.Environment
}

// ConservativeEffect is the strongest possible effect, used as the
// registry's default when a tool does not declare one.
var ConservativeEffect = EffectType{SideEffect: Write, Environment: External}

// AccessMode is the read/write mode of a ResourceAccess.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (m AccessMode) String() string {
	if m == AccessWrite {
		return "W"
	}
	return "R"
}

// ResourceAccess names a resource and the mode in which a tool or node
// touches it.
type ResourceAccess struct {
	Resource string
	Mode     AccessMode
}

// Conflicts reports whether a and b access the same resource with at
// least one write.
func (a ResourceAccess) Conflicts(b ResourceAccess) bool {
	return a.Resource == b.Resource && (a.Mode == AccessWrite || b.Mode == AccessWrite)
}

// RetryPolicy describes how many times, and under what backoff, a failed
// node invocation may be retried.
type RetryPolicy struct {
	MaxRetries    int
	BackoffGamma  float64
	RetryOn       map[Kind]bool // empty/nil means "retry any kind"
	Fallback      func(ctx context.Context, err error) (any, error)
}

// Retryable reports whether kind is eligible for retry under this policy.
func (p RetryPolicy) Retryable(kind Kind) bool {
	if len(p.RetryOn) == 0 {
		return true
	}
	return p.RetryOn[kind]
}

// ToolFunc is the invocable signature behind a Tool: it accepts
// keyword-style parameters and returns a value or an error.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Tool is a descriptor for an invocable unit of work.
type Tool struct {
	Name           string
	Invoke         ToolFunc
	Effect         EffectType
	Resources      []ResourceAccess
	LatencyMs      float64
	Cost           float64
	FailureProb    float64
	IdempotencyGen func(params map[string]any) string
	Compensate     func(ctx context.Context, output any) error
	Metadata       map[string]any
}

// SkillStatus is a Skill's lifecycle stage.
type SkillStatus int

const (
	Shadow SkillStatus = iota
	Canary
	Stable
	Deprecated
)

func (s SkillStatus) String() string {
	switch s {
	case Shadow:
		return "shadow"
	case Canary:
		return "canary"
	case Stable:
		return "stable"
	case Deprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// Skill is a Tool augmented with a lifecycle status and description. The
// core treats a Skill uniformly as a Tool.
type Skill struct {
	Tool
	Status      SkillStatus
	Description string
}

// Value is a tagged-variant parameter value: a plan node's params map
// carries literals, references to upstream node outputs, nested maps, or
// lists, per the structural-typing design in the project notes.
type Value struct {
	Literal any
	Ref     *RefValue
	Map     map[string]Value
	List    []Value
}

// RefValue is a reference to (a field of) an upstream node's output.
type RefValue struct {
	Node  string
	Field *string
}

// IsRef reports whether v is a reference value.
func (v Value) IsRef() bool { return v.Ref != nil }

// IsMap reports whether v is a nested map value.
func (v Value) IsMap() bool { return v.Map != nil }

// IsList reports whether v is a list value.
func (v Value) IsList() bool { return v.List != nil }

// LiteralValue constructs a literal Value.
func LiteralValue(v any) Value { return Value{Literal: v} }

// RefTo constructs a reference Value. A nil field refers to the whole
// upstream output.
func RefTo(node string, field *string) Value { return Value{Ref: &RefValue{Node: node, Field: field}} }

// PlanNode is one invocation site in a plan graph.
type PlanNode struct {
	ID              string
	ToolName        string
	Params          map[string]Value
	Effect          EffectType
	Resources       []ResourceAccess
	Retry           RetryPolicy
	IdempotencyKey  *string
	OutputType      *string
	Compensation    func(ctx context.Context, output any) error
}

// Edge is a directed edge between two node IDs.
type Edge struct {
	Src string
	Dst string
}

// PlanIR is the immutable DAG of plan nodes once built and validated.
type PlanIR struct {
	Nodes        map[string]*PlanNode
	order        []string // insertion order, used for deterministic iteration
	DataEdges    []Edge
	ResourceEdges []Edge
	SyncEdges    []Edge
}

// AllEdges returns the union of data, resource, and sync edges.
func (p *PlanIR) AllEdges() []Edge {
	all := make([]Edge, 0, len(p.DataEdges)+len(p.ResourceEdges)+len(p.SyncEdges))
	all = append(all, p.DataEdges...)
	all = append(all, p.ResourceEdges...)
	all = append(all, p.SyncEdges...)
	return all
}

// Predecessors returns the source node ID of every edge into id, over the
// full edge union. A node linked to id by several edges appears once per
// edge.
func (p *PlanIR) Predecessors(id string) []string {
	var preds []string
	for _, e := range p.AllEdges() {
		if e.Dst == id {
			preds = append(preds, e.Src)
		}
	}
	return preds
}

// Successors returns the destination node ID of every edge from id, over
// the full edge union. A node linked from id by several edges appears
// once per edge.
func (p *PlanIR) Successors(id string) []string {
	var succs []string
	for _, e := range p.AllEdges() {
		if e.Src == id {
			succs = append(succs, e.Dst)
		}
	}
	return succs
}

// NodeOrder returns node IDs in the order they were added to the plan.
func (p *PlanIR) NodeOrder() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

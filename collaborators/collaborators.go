// Package collaborators declares the typed seams the core compiles and
// tests against instead of the concrete systems spec.md places out of
// scope: the LLM-driven planner, the skill-gating/verification harness,
// schema and dataset loaders, persistence, and observability exporters.
// None of these interfaces are implemented against a real backend here;
// a planner or operator process wires concrete adapters behind them.
package collaborators

import (
	"context"

	"github.com/planforge/planforge/compiler"
	"github.com/planforge/planforge/planir"
)

// Planner consumes a compiled plan and supplies the next batch of plan
// nodes to execute, e.g. an LLM-driven agent loop deciding tool calls
// one step at a time. The core never calls into a planner directly; it
// only carries the interface so a future planner package has a
// documented integration point.
type Planner interface {
	NextNodes(ctx context.Context, compiled *compiler.CompiledPlan, completed map[string]any) ([]*planir.PlanNode, error)
}

// SkillGate approves or rejects promoting a Skill between lifecycle
// statuses (Shadow -> Canary -> Stable -> Deprecated) based on observed
// metrics, mirroring GatingPolicy.allow from the skill-verification
// harness this system treats as an external collaborator.
type SkillGate interface {
	Allow(skill *planir.Skill, metrics map[string]float64) bool
}

// SchemaLoader resolves a named JSON schema document, standing in for
// the schema loader spec.md places out of scope.
type SchemaLoader interface {
	LoadSchema(ctx context.Context, name string) ([]byte, error)
}

// PlanStore persists and retrieves plan graphs and their compiled
// schedules by run ID. No implementation ships here: spec.md's
// Non-goals exclude persistent state from the core.
type PlanStore interface {
	SavePlan(ctx context.Context, runID string, plan *planir.PlanIR) error
	LoadPlan(ctx context.Context, runID string) (*planir.PlanIR, error)
	SaveCompiledPlan(ctx context.Context, runID string, compiled *compiler.CompiledPlan) error
	LoadCompiledPlan(ctx context.Context, runID string) (*compiler.CompiledPlan, error)
}

// MetricsExporter pushes point-in-time metric observations to an
// external backend (Prometheus, a metrics gateway, a time-series store).
type MetricsExporter interface {
	ExportCounter(ctx context.Context, name string, value float64, tags map[string]string) error
	ExportGauge(ctx context.Context, name string, value float64, tags map[string]string) error
}

// TraceExporter pushes recorded execution traces to an external backend
// (OpenTelemetry collector, a log aggregator).
type TraceExporter interface {
	ExportTraces(ctx context.Context, runID string, traces []any) error
}

// DatasetLoader feeds training or few-shot example data to the
// (out-of-scope) planner.
type DatasetLoader interface {
	LoadExamples(ctx context.Context, datasetName string, limit int) ([]map[string]any, error)
}

// PromptTemplateLoader resolves a named prompt template for the
// (out-of-scope) planner.
type PromptTemplateLoader interface {
	LoadTemplate(ctx context.Context, name string) (string, error)
}

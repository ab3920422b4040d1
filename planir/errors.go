package planir

import (
	"errors"
	"fmt"
)

// Kind is the distinct error taxonomy shared by the consistency checker,
// the compiler, and the executor: a single flat set of kinds surfaced
// identically in compile failures, execution failures, and trace
// events.
type Kind int

const (
	// KindUnknown is the zero value; KindOf returns it for an error that
	// wraps no *PlanError.
	KindUnknown Kind = iota
	CycleDetected
	TypeMismatch
	EffectUnderDeclared
	ResourceUnderDeclared
	MissingIdempotencyKey
	ScheduleInfeasible
	LockTimeout
	RateLimitExceeded
	CircuitOpen
	ToolError
	MissingDependency
)

func (k Kind) String() string {
	switch k {
	case CycleDetected:
		return "CycleDetected"
	case TypeMismatch:
		return "TypeMismatch"
	case EffectUnderDeclared:
		return "EffectUnderDeclared"
	case ResourceUnderDeclared:
		return "ResourceUnderDeclared"
	case MissingIdempotencyKey:
		return "MissingIdempotencyKey"
	case ScheduleInfeasible:
		return "ScheduleInfeasible"
	case LockTimeout:
		return "LockTimeout"
	case RateLimitExceeded:
		return "RateLimitExceeded"
	case CircuitOpen:
		return "CircuitOpen"
	case ToolError:
		return "ToolError"
	case MissingDependency:
		return "MissingDependency"
	default:
		return "Unknown"
	}
}

// PlanError wraps an underlying cause with the Kind and, where
// applicable, the NodeID it occurred on. It satisfies errors.Is/errors.As
// via Unwrap so callers can test for a Kind with errors.As(&pe) and
// compare pe.Kind, or extract the Kind directly with KindOf(err).
type PlanError struct {
	Kind   Kind
	NodeID string
	Cause  error
}

func (e *PlanError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %v", e.Kind, e.NodeID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *PlanError) Unwrap() error { return e.Cause }

// NewError constructs a *PlanError for the given kind, node, and cause.
func NewError(kind Kind, nodeID string, cause error) *PlanError {
	return &PlanError{Kind: kind, NodeID: nodeID, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *PlanError, otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

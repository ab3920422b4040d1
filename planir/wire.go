package planir

import (
	"encoding/json"
	"fmt"
)

// wireDoc mirrors the plan IR wire document: two arrays, nodes and
// edges, with params carrying inline {"ref":[NodeId, FieldOrNull]}
// references.
type wireDoc struct {
	Nodes []wireNode `json:"nodes"`
	Edges []wireEdge `json:"edges"`
}

type wireEdge struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type wireEffect struct {
	SideEffect  string `json:"side_effect"`
	Environment string `json:"environment"`
}

type wireResource struct {
	Resource string `json:"resource"`
	Mode     string `json:"mode"`
}

type wireRetry struct {
	MaxRetries   int     `json:"max_retries"`
	BackoffGamma float64 `json:"backoff_gamma"`
}

type wireNode struct {
	ID             string                     `json:"id"`
	Tool           string                     `json:"tool"`
	Params         map[string]json.RawMessage `json:"params"`
	Effect         wireEffect                 `json:"effect"`
	Resources      []wireResource             `json:"resources"`
	Retry          wireRetry                  `json:"retry"`
	IdempotencyKey *string                    `json:"idempotency_key,omitempty"`
	OutputType     *string                    `json:"output_type,omitempty"`
}

// Encode serializes plan to the wire document: one entry per node and
// one edge entry per data edge (resource edges are rederived by
// BuildPlanIR and sync edges by the compiler; neither is part of the
// wire form).
func Encode(plan *PlanIR) ([]byte, error) {
	doc := wireDoc{}
	for _, id := range plan.order {
		n := plan.Nodes[id]
		params := make(map[string]json.RawMessage, len(n.Params))
		for k, v := range n.Params {
			raw, err := encodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("encode param %s of node %s: %w", k, n.ID, err)
			}
			params[k] = raw
		}
		resources := make([]wireResource, 0, len(n.Resources))
		for _, r := range n.Resources {
			resources = append(resources, wireResource{Resource: r.Resource, Mode: r.Mode.String()})
		}
		doc.Nodes = append(doc.Nodes, wireNode{
			ID:             n.ID,
			Tool:           n.ToolName,
			Params:         params,
			Effect:         wireEffect{SideEffect: n.Effect.SideEffect.String(), Environment: n.Effect.Environment.String()},
			Resources:      resources,
			Retry:          wireRetry{MaxRetries: n.Retry.MaxRetries, BackoffGamma: n.Retry.BackoffGamma},
			IdempotencyKey: n.IdempotencyKey,
			OutputType:     n.OutputType,
		})
	}
	for _, e := range plan.DataEdges {
		doc.Edges = append(doc.Edges, wireEdge{Src: e.Src, Dst: e.Dst})
	}
	return json.Marshal(doc)
}

// Decode parses a wire document into PlanNodes ready for BuildPlanIR.
// The edges array is informational (recomputed from params by
// BuildPlanIR) and is not returned.
func Decode(data []byte) ([]*PlanNode, error) {
	var doc wireDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan document: %w", err)
	}

	nodes := make([]*PlanNode, 0, len(doc.Nodes))
	for _, wn := range doc.Nodes {
		effect, err := decodeEffect(wn.Effect)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", wn.ID, err)
		}
		resources := make([]ResourceAccess, 0, len(wn.Resources))
		for _, wr := range wn.Resources {
			mode, err := decodeMode(wr.Mode)
			if err != nil {
				return nil, fmt.Errorf("node %s resource %s: %w", wn.ID, wr.Resource, err)
			}
			resources = append(resources, ResourceAccess{Resource: wr.Resource, Mode: mode})
		}
		params := make(map[string]Value, len(wn.Params))
		for k, raw := range wn.Params {
			v, err := decodeValue(raw)
			if err != nil {
				return nil, fmt.Errorf("node %s param %s: %w", wn.ID, k, err)
			}
			params[k] = v
		}
		nodes = append(nodes, &PlanNode{
			ID:             wn.ID,
			ToolName:       wn.Tool,
			Params:         params,
			Effect:         effect,
			Resources:      resources,
			Retry:          RetryPolicy{MaxRetries: wn.Retry.MaxRetries, BackoffGamma: wn.Retry.BackoffGamma},
			IdempotencyKey: wn.IdempotencyKey,
			OutputType:     wn.OutputType,
		})
	}
	return nodes, nil
}

func decodeEffect(e wireEffect) (EffectType, error) {
	var se SideEffect
	switch e.SideEffect {
	case "pure":
		se = Pure
	case "read":
		se = Read
	case "write":
		se = Write
	default:
		return EffectType{}, fmt.Errorf("unknown side_effect %q", e.SideEffect)
	}
	var env Environment
	switch e.Environment {
	case "local":
		env = Local
	case "external":
		env = External
	default:
		return EffectType{}, fmt.Errorf("unknown environment %q", e.Environment)
	}
	return EffectType{SideEffect: se, Environment: env}, nil
}

func decodeMode(m string) (AccessMode, error) {
	switch m {
	case "R":
		return AccessRead, nil
	case "W":
		return AccessWrite, nil
	default:
		return 0, fmt.Errorf("unknown resource mode %q", m)
	}
}

type wireRef struct {
	Ref [2]json.RawMessage `json:"ref"`
}

func encodeValue(v Value) (json.RawMessage, error) {
	switch {
	case v.IsRef():
		field := any(nil)
		if v.Ref.Field != nil {
			field = *v.Ref.Field
		}
		return json.Marshal(map[string]any{"ref": []any{v.Ref.Node, field}})
	case v.IsMap():
		out := make(map[string]json.RawMessage, len(v.Map))
		for k, sub := range v.Map {
			raw, err := encodeValue(sub)
			if err != nil {
				return nil, err
			}
			out[k] = raw
		}
		return json.Marshal(out)
	case v.IsList():
		out := make([]json.RawMessage, 0, len(v.List))
		for _, sub := range v.List {
			raw, err := encodeValue(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
		return json.Marshal(out)
	default:
		return json.Marshal(v.Literal)
	}
}

func decodeValue(raw json.RawMessage) (Value, error) {
	var asRef struct {
		Ref []json.RawMessage `json:"ref"`
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		if ref, ok := probe["ref"]; ok && len(probe) == 1 {
			if err := json.Unmarshal(ref, &asRef.Ref); err == nil && len(asRef.Ref) == 2 {
				var node string
				if err := json.Unmarshal(asRef.Ref[0], &node); err == nil {
					var field *string
					if err := json.Unmarshal(asRef.Ref[1], &field); err != nil {
						field = nil
					}
					return RefTo(node, field), nil
				}
			}
		}
		out := make(map[string]Value, len(probe))
		for k, sub := range probe {
			v, err := decodeValue(sub)
			if err != nil {
				return Value{}, err
			}
			out[k] = v
		}
		return Value{Map: out}, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make([]Value, 0, len(arr))
		for _, sub := range arr {
			v, err := decodeValue(sub)
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return Value{List: out}, nil
	}

	var lit any
	if err := json.Unmarshal(raw, &lit); err != nil {
		return Value{}, err
	}
	return LiteralValue(lit), nil
}

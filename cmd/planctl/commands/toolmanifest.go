package commands

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/planforge/planforge/planir"
	"github.com/planforge/planforge/registry"
)

// toolManifest is the YAML shape for a registry loaded from disk: tool
// descriptors without an Invoke implementation, since real tool bodies
// are a planner/skill-library concern this CLI treats as an external
// collaborator. Invoke is filled with a dry-run stand-in that returns
// {"dry_run": true}, enough to drive compile and run.
type toolManifest struct {
	RateLimits map[string]float64 `yaml:"rate_limits,omitempty"`
	RateBursts map[string]float64 `yaml:"rate_bursts,omitempty"`
	Tools      []struct {
		Name        string  `yaml:"name"`
		LatencyMs   float64 `yaml:"latency_ms"`
		FailureProb float64 `yaml:"failure_prob"`
		Cost        float64 `yaml:"cost"`
		Effect      struct {
			SideEffect  string `yaml:"side_effect"`
			Environment string `yaml:"environment"`
		} `yaml:"effect"`
		Resources []struct {
			Resource string `yaml:"resource"`
			Mode     string `yaml:"mode"`
		} `yaml:"resources"`
	} `yaml:"tools"`
}

// loadedManifest bundles the registry built from a tool manifest with the
// rate-limit tables the compiler and executor both need, keyed by
// resource name the same way compiler.Config and executor.New expect.
type loadedManifest struct {
	Registry   *registry.Registry
	RateLimits map[string]float64
	RateBursts map[string]float64
}

func loadManifest(path string) (*loadedManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool manifest %s: %w", path, err)
	}
	var manifest toolManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse tool manifest: %w", err)
	}

	reg := registry.New()
	for _, t := range manifest.Tools {
		effect, err := parseEffect(t.Effect.SideEffect, t.Effect.Environment)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		resources := make([]planir.ResourceAccess, 0, len(t.Resources))
		for _, r := range t.Resources {
			mode, err := parseMode(r.Mode)
			if err != nil {
				return nil, fmt.Errorf("tool %s resource %s: %w", t.Name, r.Resource, err)
			}
			resources = append(resources, planir.ResourceAccess{Resource: r.Resource, Mode: mode})
		}
		reg.RegisterTool(&planir.Tool{
			Name:        t.Name,
			Effect:      effect,
			Resources:   resources,
			LatencyMs:   t.LatencyMs,
			Cost:        t.Cost,
			FailureProb: t.FailureProb,
			Invoke: func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"dry_run": true}, nil
			},
		})
	}
	return &loadedManifest{Registry: reg, RateLimits: manifest.RateLimits, RateBursts: manifest.RateBursts}, nil
}

func parseEffect(sideEffect, environment string) (planir.EffectType, error) {
	var se planir.SideEffect
	switch sideEffect {
	case "pure":
		se = planir.Pure
	case "read":
		se = planir.Read
	case "write":
		se = planir.Write
	default:
		return planir.EffectType{}, fmt.Errorf("unknown side_effect %q", sideEffect)
	}
	var env planir.Environment
	switch environment {
	case "local":
		env = planir.Local
	case "external":
		env = planir.External
	default:
		return planir.EffectType{}, fmt.Errorf("unknown environment %q", environment)
	}
	return planir.EffectType{SideEffect: se, Environment: env}, nil
}

// registryLatency adapts a *registry.Registry to compiler.LatencyLookup by
// reading the underlying Tool descriptor's LatencyMs/FailureProb fields.
type registryLatency struct {
	reg *registry.Registry
}

func (r registryLatency) LatencyMs(toolName string) float64 {
	if tool, ok := r.reg.GetTool(toolName); ok {
		return tool.LatencyMs
	}
	return 0
}

func (r registryLatency) FailureProb(toolName string) float64 {
	if tool, ok := r.reg.GetTool(toolName); ok {
		return tool.FailureProb
	}
	return 0
}

func parseMode(mode string) (planir.AccessMode, error) {
	switch mode {
	case "R":
		return planir.AccessRead, nil
	case "W":
		return planir.AccessWrite, nil
	default:
		return 0, fmt.Errorf("unknown resource mode %q", mode)
	}
}

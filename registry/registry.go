// Package registry holds tool and skill descriptors and records
// runtime-discovered resource accesses that feed back into future plan
// validation.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/planforge/planforge/planir"
)

// Registry maintains tools and skills by name, plus per-tool resource
// overrides recorded at runtime by ExpandFromTrace and a per-tool effect
// override table read by InferEffect (nothing in this package writes to
// it). It implements planir.ToolLookup.
type Registry struct {
	mu sync.RWMutex

	tools  map[string]*planir.Tool
	skills map[string]*planir.Skill

	resourceOverrides map[string][]planir.ResourceAccess
	effectOverrides   map[string]planir.EffectType
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		tools:             make(map[string]*planir.Tool),
		skills:            make(map[string]*planir.Skill),
		resourceOverrides: make(map[string][]planir.ResourceAccess),
		effectOverrides:   make(map[string]planir.EffectType),
	}
}

// RegisterTool stores tool by name, overwriting any prior entry with the
// same name.
func (r *Registry) RegisterTool(tool *planir.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// RegisterSkill stores skill by name. A Skill is also reachable as a
// Tool through GetTool, since the core treats a Skill uniformly as a
// Tool.
func (r *Registry) RegisterSkill(skill *planir.Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill.Name] = skill
}

// GetTool returns the tool registered under name, checking tools first
// and then skills.
func (r *Registry) GetTool(name string) (*planir.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, true
	}
	if s, ok := r.skills[name]; ok {
		return &s.Tool, true
	}
	return nil, false
}

// GetSkill returns the skill registered under name.
func (r *Registry) GetSkill(name string) (*planir.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// ListTools returns every registered tool, in no particular order.
func (r *Registry) ListTools() []*planir.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*planir.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ListActiveTools returns every registered tool; tools have no lifecycle
// status of their own, so this mirrors ListTools and exists for
// parity with ListActiveSkills.
func (r *Registry) ListActiveTools() []*planir.Tool {
	return r.ListTools()
}

// SearchTools returns every tool whose resource list mentions tag as a
// resource name.
func (r *Registry) SearchTools(tag string) []*planir.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*planir.Tool
	for _, t := range r.tools {
		for _, acc := range t.Resources {
			if acc.Resource == tag {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// ExistsTool reports whether a tool (or skill) is registered under name.
func (r *Registry) ExistsTool(name string) bool {
	_, ok := r.GetTool(name)
	return ok
}

// ListSkills returns every registered skill.
func (r *Registry) ListSkills() []*planir.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*planir.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// ListActiveSkills returns every registered skill that is not Deprecated.
func (r *Registry) ListActiveSkills() []*planir.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*planir.Skill
	for _, s := range r.skills {
		if s.Status != planir.Deprecated {
			out = append(out, s)
		}
	}
	return out
}

// SearchSkills returns every skill whose name or description contains
// keyword, case-insensitively.
func (r *Registry) SearchSkills(keyword string) []*planir.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(keyword)
	var out []*planir.Skill
	for _, s := range r.skills {
		if strings.Contains(strings.ToLower(s.Name), needle) || strings.Contains(strings.ToLower(s.Description), needle) {
			out = append(out, s)
		}
	}
	return out
}

// ExistsSkill reports whether a skill is registered under name.
func (r *Registry) ExistsSkill(name string) bool {
	_, ok := r.GetSkill(name)
	return ok
}

// InferResources returns the union of a tool's declared resources and
// any runtime-discovered overrides. Implements planir.ToolLookup.
func (r *Registry) InferResources(toolName string) ([]planir.ResourceAccess, error) {
	tool, ok := r.GetTool(toolName)
	if !ok {
		return nil, fmt.Errorf("registry: unknown tool %q", toolName)
	}
	r.mu.RLock()
	overrides := r.resourceOverrides[toolName]
	r.mu.RUnlock()

	seen := make(map[planir.ResourceAccess]bool, len(tool.Resources)+len(overrides))
	var out []planir.ResourceAccess
	for _, acc := range tool.Resources {
		if !seen[acc] {
			seen[acc] = true
			out = append(out, acc)
		}
	}
	for _, acc := range overrides {
		if !seen[acc] {
			seen[acc] = true
			out = append(out, acc)
		}
	}
	return out, nil
}

// InferEffect returns the strictly stronger of a tool's declared effect
// and any runtime override, under dominance. Implements
// planir.ToolLookup.
func (r *Registry) InferEffect(toolName string) (planir.EffectType, error) {
	tool, ok := r.GetTool(toolName)
	if !ok {
		return planir.EffectType{}, fmt.Errorf("registry: unknown tool %q", toolName)
	}
	r.mu.RLock()
	override, hasOverride := r.effectOverrides[toolName]
	r.mu.RUnlock()
	if hasOverride && override.Dominates(tool.Effect) {
		return override, nil
	}
	return tool.Effect, nil
}

// ExpandFromTrace records newly observed resource accesses for
// toolName. The override set only ever grows (monotone), and this
// method is synchronized so it is safe to call from any executor
// worker. It is best-effort: a caller should not let this fail plan
// execution, so it never returns an error.
func (r *Registry) ExpandFromTrace(toolName string, accessed []planir.ResourceAccess) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.resourceOverrides[toolName]
	seen := make(map[planir.ResourceAccess]bool, len(current))
	for _, acc := range current {
		seen[acc] = true
	}
	for _, acc := range accessed {
		if !seen[acc] {
			seen[acc] = true
			current = append(current, acc)
		}
	}
	r.resourceOverrides[toolName] = current
}

// ConservativeDefault returns a copy of tool with its effect forced to
// (Write, External) when unset, the strongest possible declaration, to
// force explicit downgrading by the plan author.
func ConservativeDefault(tool planir.Tool) planir.Tool {
	if tool.Effect == (planir.EffectType{}) {
		tool.Effect = planir.ConservativeEffect
	}
	return tool
}

package collaborators

import "github.com/planforge/planforge/planir"

// DefaultGatingPolicy is a concrete SkillGate requiring no external
// backend: a skill promotion is allowed when its observed regression is
// at or below MaxRegression and its success rate is at or above
// MinSuccessRate. Grounded on GatingPolicy.allow in
// original_source/evoc2f/policies/gating.py.
type DefaultGatingPolicy struct {
	MaxRegression  float64
	MinSuccessRate float64
}

// NewDefaultGatingPolicy constructs a DefaultGatingPolicy with the same
// defaults as the original: no tolerated regression, 95% minimum success
// rate.
func NewDefaultGatingPolicy() *DefaultGatingPolicy {
	return &DefaultGatingPolicy{MaxRegression: 0.0, MinSuccessRate: 0.95}
}

// Allow implements SkillGate.
func (p *DefaultGatingPolicy) Allow(_ *planir.Skill, metrics map[string]float64) bool {
	regression := metrics["regression"]
	successRate, ok := metrics["success_rate"]
	if !ok {
		successRate = 1.0
	}
	return regression <= p.MaxRegression && successRate >= p.MinSuccessRate
}

package collaborators_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/planforge/planforge/collaborators"
	"github.com/planforge/planforge/planir"
)

func TestDefaultGatingPolicy_AllowsNoRegressionHighSuccess(t *testing.T) {
	gate := collaborators.NewDefaultGatingPolicy()
	skill := &planir.Skill{Tool: planir.Tool{Name: "s"}, Status: planir.Canary}
	assert.True(t, gate.Allow(skill, map[string]float64{"regression": 0, "success_rate": 0.99}))
}

func TestDefaultGatingPolicy_RejectsRegression(t *testing.T) {
	gate := collaborators.NewDefaultGatingPolicy()
	skill := &planir.Skill{Tool: planir.Tool{Name: "s"}, Status: planir.Canary}
	assert.False(t, gate.Allow(skill, map[string]float64{"regression": 0.1, "success_rate": 0.99}))
}

func TestDefaultGatingPolicy_RejectsLowSuccessRate(t *testing.T) {
	gate := collaborators.NewDefaultGatingPolicy()
	skill := &planir.Skill{Tool: planir.Tool{Name: "s"}, Status: planir.Canary}
	assert.False(t, gate.Allow(skill, map[string]float64{"success_rate": 0.9}))
}

func TestDefaultGatingPolicy_DefaultsSuccessRateToOneWhenMissing(t *testing.T) {
	gate := collaborators.NewDefaultGatingPolicy()
	skill := &planir.Skill{Tool: planir.Tool{Name: "s"}, Status: planir.Canary}
	assert.True(t, gate.Allow(skill, map[string]float64{}))
}

package workload

import (
	"fmt"
	"math"
)

// Weights are the percentage contributions of each scoring factor.
type Weights struct {
	Skill    int `yaml:"skill" json:"skill"`
	Workload int `yaml:"workload" json:"workload"`
	Role     int `yaml:"role" json:"role"`
}

func DefaultWeights() Weights {
	return Weights{Skill: 50, Workload: 30, Role: 20}
}

func (w Weights) Validate() error {
	if w.Skill < 0 || w.Workload < 0 || w.Role < 0 {
		return fmt.Errorf("scoring weights must be non-negative")
	}
	if sum := w.Skill + w.Workload + w.Role; sum != 100 {
		return fmt.Errorf("scoring weights must sum to 100, got %d", sum)
	}
	return nil
}

// Score combines skill match, spare capacity and role match into a single
// 0..100 value.
func Score(skillPct, workloadPct int, roleMatch bool, w Weights) int {
	inverse := 100 - workloadPct
	if inverse < 0 {
		inverse = 0
	}
	role := 50
	if roleMatch {
		role = 100
	}
	raw := float64(skillPct*w.Skill+inverse*w.Workload+role*w.Role) / 100
	score := int(math.Round(raw))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

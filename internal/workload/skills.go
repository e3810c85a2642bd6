package workload

import (
	"math"
	"strings"
)

// MatchSkills returns the percentage of required skills the candidate
// holds, case-insensitively. An empty requirement is a full match.
func MatchSkills(required, candidate []string) int {
	req := normalize(required)
	if len(req) == 0 {
		return 100
	}
	have := normalize(candidate)
	if len(have) == 0 {
		return 0
	}
	matched := 0
	for skill := range req {
		if _, ok := have[skill]; ok {
			matched++
		}
	}
	return int(math.Round(float64(matched) / float64(len(req)) * 100))
}

// SkillRatio is MatchSkills as a fraction in [0,1].
func SkillRatio(required, candidate []string) float64 {
	return float64(MatchSkills(required, candidate)) / 100
}

// SharesSkill reports whether a and b have at least one skill in common.
func SharesSkill(a, b []string) bool {
	left := normalize(a)
	for skill := range normalize(b) {
		if _, ok := left[skill]; ok {
			return true
		}
	}
	return false
}

func normalize(skills []string) map[string]struct{} {
	out := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	return out
}

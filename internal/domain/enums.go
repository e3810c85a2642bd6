package domain

import "strings"

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

const (
	TypeStory   = "story"
	TypeTask    = "task"
	TypeBug     = "bug"
	TypeEpic    = "epic"
	TypeSubtask = "subtask"
)

const (
	PriorityLowest  = "lowest"
	PriorityLow     = "low"
	PriorityMedium  = "medium"
	PriorityHigh    = "high"
	PriorityHighest = "highest"
)

const (
	RoleAdmin          = "admin"
	RoleProjectManager = "project_manager"
	RoleTeamLead       = "team_lead"
	RoleDeveloper      = "developer"
	RoleDesigner       = "designer"
	RoleQA             = "qa"
)

var (
	statuses   = []string{StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusBlocked}
	types      = []string{TypeStory, TypeTask, TypeBug, TypeEpic, TypeSubtask}
	priorities = []string{PriorityLowest, PriorityLow, PriorityMedium, PriorityHigh, PriorityHighest}
	roles      = []string{RoleAdmin, RoleProjectManager, RoleTeamLead, RoleDeveloper, RoleDesigner, RoleQA}
)

func ValidStatus(s string) bool   { return contains(statuses, s) }
func ValidType(s string) bool     { return contains(types, s) }
func ValidPriority(s string) bool { return contains(priorities, s) }
func ValidRole(s string) bool     { return contains(roles, s) }

// Roles lists the organizational roles in seniority order.
func Roles() []string {
	out := make([]string, len(roles))
	copy(out, roles)
	return out
}

// PriorityRank orders priorities from 1 (lowest) to 5 (highest). Unknown
// values rank as medium.
func PriorityRank(p string) int {
	for i, v := range priorities {
		if v == p {
			return i + 1
		}
	}
	return 3
}

// IsActive reports whether an item still counts towards its assignees' load.
func IsActive(status string) bool {
	return status != StatusDone
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ContainsFold reports whether set holds v, ignoring case.
func ContainsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

package domain

import "fmt"

// PolicyError is a rejected precondition. Nothing was written.
type PolicyError struct {
	Code   string
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// NewPolicyError builds a one-off policy violation.
func NewPolicyError(code, format string, args ...any) *PolicyError {
	return &PolicyError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrEpicParent           = &PolicyError{Code: "epic_parent", Reason: "an epic cannot be the parent of a subtask"}
	ErrEpicChild            = &PolicyError{Code: "epic_child", Reason: "an epic cannot have a parent"}
	ErrNestingDepth         = &PolicyError{Code: "nesting_depth", Reason: "subtasks cannot have subtasks (max nesting depth is 1)"}
	ErrParentCycle          = &PolicyError{Code: "parent_cycle", Reason: "parent chain would form a cycle"}
	ErrHasChildren          = &PolicyError{Code: "has_children", Reason: "work item has children; move or delete them first"}
	ErrInvalidStatus        = &PolicyError{Code: "invalid_status", Reason: "invalid work item status"}
	ErrInactiveAssignee     = &PolicyError{Code: "inactive_assignee", Reason: "assignee is inactive or on leave"}
	ErrConfirmationRequired = &PolicyError{Code: "confirmation_required", Reason: "high-priority reassignment requires confirmation"}
	ErrAlreadyAssigned      = &PolicyError{Code: "already_assigned", Reason: "person is already the sole assignee"}
)

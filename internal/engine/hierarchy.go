package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
)

// StatusChange is one status transition written by an operation.
type StatusChange struct {
	WorkItemID string `json:"work_item_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// HierarchyResult carries the written item and every parent status change
// propagation applied, enough for callers to build notifications.
type HierarchyResult struct {
	Item          domain.WorkItem `json:"item"`
	ParentChanges []StatusChange  `json:"parent_changes,omitempty"`
}

// BulkStatusResult is returned by BulkUpdateChildrenStatus.
type BulkStatusResult struct {
	Parent        domain.WorkItem   `json:"parent"`
	Children      []domain.WorkItem `json:"children"`
	Updated       int               `json:"updated"`
	ParentChanges []StatusChange    `json:"parent_changes,omitempty"`
}

// EvaluateParentStatus derives a parent's status from its children:
// all done gives done, otherwise any in_progress gives in_progress,
// otherwise any review gives review, otherwise todo. Blocked children count
// as neither done nor active. ok is false when there are no children.
func EvaluateParentStatus(children []string) (status string, ok bool) {
	if len(children) == 0 {
		return "", false
	}
	allDone := true
	anyInProgress := false
	anyReview := false
	for _, s := range children {
		switch s {
		case domain.StatusDone:
		case domain.StatusInProgress:
			allDone = false
			anyInProgress = true
		case domain.StatusReview:
			allDone = false
			anyReview = true
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		return domain.StatusDone, true
	case anyInProgress:
		return domain.StatusInProgress, true
	case anyReview:
		return domain.StatusReview, true
	default:
		return domain.StatusTodo, true
	}
}

// HasCycle reports whether following parent pointers from start revisits
// an item.
func HasCycle(parents map[string]string, start string) bool {
	seen := map[string]struct{}{}
	for cur := start; cur != ""; cur = parents[cur] {
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
	}
	return false
}

// ChildCreateOptions are the caller-supplied fields of a new subtask.
// Project, iteration and type come from the parent.
type ChildCreateOptions struct {
	ID             string
	Title          string
	Description    string
	Priority       string
	StoryPoints    *float64
	EstimatedHours *float64
	Tags           []string
	Assignees      []string
}

// CreateChild creates a subtask under parentID. A todo parent advances to
// in_progress in the same transaction.
func (e Engine) CreateChild(ctx context.Context, parentID string, opts ChildCreateOptions, actorID string) (HierarchyResult, error) {
	var res HierarchyResult
	if strings.TrimSpace(opts.Title) == "" {
		return res, fmt.Errorf("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return res, domain.NewPolicyError("invalid_priority", "unknown priority %s", opts.Priority)
	}
	if err := validateEstimates(opts.StoryPoints, opts.EstimatedHours); err != nil {
		return res, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	var parent domain.WorkItem
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		parent, err = e.Repo.GetWorkItemTx(ctx, tx, parentID)
		if err != nil {
			return fmt.Errorf("parent %s: %w", parentID, err)
		}
		if err := validateParent(parent); err != nil {
			return err
		}
		assignees := cleanStrings(opts.Assignees)
		if err := e.ensureAssignable(ctx, tx, assignees); err != nil {
			return err
		}
		now := e.ts()
		child := domain.WorkItem{
			ID:             opts.ID,
			ProjectID:      parent.ProjectID,
			IterationID:    parent.IterationID,
			ParentID:       &parent.ID,
			Type:           domain.TypeSubtask,
			Title:          opts.Title,
			Description:    opts.Description,
			Status:         domain.StatusTodo,
			Priority:       opts.Priority,
			StoryPoints:    opts.StoryPoints,
			EstimatedHours: opts.EstimatedHours,
			Tags:           cleanStrings(opts.Tags),
			Assignees:      assignees,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertWorkItemTx(ctx, tx, child); err != nil {
			return fmt.Errorf("insert child: %w", err)
		}
		res.Item = child
		if parent.Status == domain.StatusTodo {
			change, err := e.setStatus(ctx, tx, parent, domain.StatusInProgress, actorID, "child created")
			if err != nil {
				return fmt.Errorf("advance parent: %w", err)
			}
			res.ParentChanges = append(res.ParentChanges, change)
		}
		return nil
	})
	e.observe("create_child", err)
	if err != nil {
		return HierarchyResult{}, err
	}
	e.audit(ctx, events.Entry{Type: "work_item.child_created", ProjectID: parent.ProjectID, EntityKind: "work_item", EntityID: res.Item.ID, ActorID: actorID,
		Description: fmt.Sprintf("subtask %q created under %s", res.Item.Title, parent.ID),
		Payload:     events.Payload{"parent_id": parent.ID, "parent_changes": res.ParentChanges}})
	return res, nil
}

// UpdateChildStatus sets an item's status and re-derives its parent's.
// It serves top-level items too, which simply have no parent to update.
func (e Engine) UpdateChildStatus(ctx context.Context, childID, status, actorID string) (HierarchyResult, error) {
	var res HierarchyResult
	if !domain.ValidStatus(status) {
		return res, domain.ErrInvalidStatus
	}
	var from string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		child, err := e.Repo.GetWorkItemTx(ctx, tx, childID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", childID, err)
		}
		from = child.Status
		if child.Status != status {
			if _, err := e.setStatus(ctx, tx, child, status, actorID, ""); err != nil {
				return err
			}
			child, err = e.Repo.GetWorkItemTx(ctx, tx, childID)
			if err != nil {
				return err
			}
		}
		res.Item = child
		if child.ParentID != nil {
			change, err := e.reevaluateParent(ctx, tx, *child.ParentID, actorID)
			if err != nil {
				return fmt.Errorf("re-evaluate parent: %w", err)
			}
			if change != nil {
				res.ParentChanges = append(res.ParentChanges, *change)
			}
		}
		return nil
	})
	e.observe("update_status", err)
	if err != nil {
		return HierarchyResult{}, err
	}
	e.audit(ctx, events.Entry{Type: "work_item.status_changed", ProjectID: res.Item.ProjectID, EntityKind: "work_item", EntityID: res.Item.ID, ActorID: actorID,
		Description: fmt.Sprintf("status %s -> %s", from, status),
		Payload:     events.Payload{"from": from, "to": status, "parent_changes": res.ParentChanges}})
	return res, nil
}

// MoveChild re-parents an item. An attached item takes the new parent's
// iteration. An empty newParentID detaches it, turning it back into a plain
// task. Both the old and new parent are re-derived.
func (e Engine) MoveChild(ctx context.Context, childID, newParentID, actorID string) (HierarchyResult, error) {
	var res HierarchyResult
	var oldParentID string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		child, err := e.Repo.GetWorkItemTx(ctx, tx, childID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", childID, err)
		}
		if child.ParentID != nil {
			oldParentID = *child.ParentID
		}
		if oldParentID == newParentID {
			res.Item = child
			return nil
		}
		if newParentID != "" {
			if newParentID == child.ID {
				return domain.ErrParentCycle
			}
			if child.Type == domain.TypeEpic {
				return domain.ErrEpicChild
			}
			n, err := e.Repo.CountChildrenTx(ctx, tx, child.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrNestingDepth
			}
			parent, err := e.Repo.GetWorkItemTx(ctx, tx, newParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", newParentID, err)
			}
			if err := validateParent(parent); err != nil {
				return err
			}
			if parent.ProjectID != child.ProjectID {
				return domain.NewPolicyError("cross_project", "parent %s is in another project", parent.ID)
			}
			parents, err := e.Repo.ParentMapTx(ctx, tx, child.ProjectID)
			if err != nil {
				return err
			}
			parents[child.ID] = parent.ID
			if HasCycle(parents, child.ID) {
				return domain.ErrParentCycle
			}
			child.ParentID = &parent.ID
			child.Type = domain.TypeSubtask
			if child.IterationOrEmpty() != parent.IterationOrEmpty() {
				if err := e.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
					WorkItemID: child.ID, Field: "iteration", OldValue: child.IterationOrEmpty(), NewValue: parent.IterationOrEmpty(), ActorID: actorID, TS: e.ts(),
				}); err != nil {
					return err
				}
				child.IterationID = parent.IterationID
			}
		} else {
			child.ParentID = nil
			child.Type = domain.TypeTask
		}
		child.UpdatedAt = e.ts()
		child, err = e.Repo.UpdateWorkItemTx(ctx, tx, child)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
			WorkItemID: child.ID, Field: "parent", OldValue: oldParentID, NewValue: newParentID, ActorID: actorID, TS: child.UpdatedAt,
		}); err != nil {
			return err
		}
		res.Item = child
		for _, pid := range []string{oldParentID, newParentID} {
			if pid == "" {
				continue
			}
			change, err := e.reevaluateParent(ctx, tx, pid, actorID)
			if err != nil {
				return fmt.Errorf("re-evaluate parent %s: %w", pid, err)
			}
			if change != nil {
				res.ParentChanges = append(res.ParentChanges, *change)
			}
		}
		return nil
	})
	e.observe("move_child", err)
	if err != nil {
		return HierarchyResult{}, err
	}
	if oldParentID != newParentID {
		e.audit(ctx, events.Entry{Type: "work_item.moved", ProjectID: res.Item.ProjectID, EntityKind: "work_item", EntityID: res.Item.ID, ActorID: actorID,
			Description: fmt.Sprintf("parent %q -> %q", oldParentID, newParentID),
			Payload:     events.Payload{"from_parent": oldParentID, "to_parent": newParentID, "parent_changes": res.ParentChanges}})
	}
	return res, nil
}

// DeleteWorkItem removes an item that has no children and re-derives its
// former parent.
func (e Engine) DeleteWorkItem(ctx context.Context, itemID, actorID string) (HierarchyResult, error) {
	var res HierarchyResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", itemID, err)
		}
		n, err := e.Repo.CountChildrenTx(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrHasChildren
		}
		if err := e.Repo.DeleteWorkItemTx(ctx, tx, item.ID); err != nil {
			return err
		}
		res.Item = item
		if item.ParentID != nil {
			change, err := e.reevaluateParent(ctx, tx, *item.ParentID, actorID)
			if err != nil {
				return fmt.Errorf("re-evaluate parent: %w", err)
			}
			if change != nil {
				res.ParentChanges = append(res.ParentChanges, *change)
			}
		}
		return nil
	})
	e.observe("delete", err)
	if err != nil {
		return HierarchyResult{}, err
	}
	e.audit(ctx, events.Entry{Type: "work_item.deleted", ProjectID: res.Item.ProjectID, EntityKind: "work_item", EntityID: res.Item.ID, ActorID: actorID,
		Description: fmt.Sprintf("%s %q deleted", res.Item.Type, res.Item.Title),
		Payload:     events.Payload{"parent_changes": res.ParentChanges}})
	return res, nil
}

// BulkUpdateChildrenStatus sets every child of parentID to status and
// re-derives the parent once.
func (e Engine) BulkUpdateChildrenStatus(ctx context.Context, parentID, status, actorID string) (BulkStatusResult, error) {
	var res BulkStatusResult
	if !domain.ValidStatus(status) {
		return res, domain.ErrInvalidStatus
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetWorkItemTx(ctx, tx, parentID); err != nil {
			return fmt.Errorf("parent %s: %w", parentID, err)
		}
		children, err := e.Repo.ListChildrenTx(ctx, tx, parentID)
		if err != nil {
			return err
		}
		for i, child := range children {
			if child.Status == status {
				continue
			}
			if _, err := e.setStatus(ctx, tx, child, status, actorID, "bulk update"); err != nil {
				return fmt.Errorf("child %s: %w", child.ID, err)
			}
			children[i].Status = status
			children[i].Version++
			res.Updated++
		}
		res.Children = children
		change, err := e.reevaluateParent(ctx, tx, parentID, actorID)
		if err != nil {
			return fmt.Errorf("re-evaluate parent: %w", err)
		}
		if change != nil {
			res.ParentChanges = append(res.ParentChanges, *change)
		}
		res.Parent, err = e.Repo.GetWorkItemTx(ctx, tx, parentID)
		return err
	})
	e.observe("bulk_status", err)
	if err != nil {
		return BulkStatusResult{}, err
	}
	e.audit(ctx, events.Entry{Type: "work_item.children_status_changed", ProjectID: res.Parent.ProjectID, EntityKind: "work_item", EntityID: parentID, ActorID: actorID,
		Description: fmt.Sprintf("%d children set to %s", res.Updated, status),
		Payload:     events.Payload{"status": status, "updated": res.Updated, "parent_changes": res.ParentChanges}})
	return res, nil
}

func validateParent(parent domain.WorkItem) error {
	if parent.Type == domain.TypeEpic {
		return domain.ErrEpicParent
	}
	if parent.ParentID != nil {
		return domain.ErrNestingDepth
	}
	return nil
}

// reevaluateParent recomputes a parent's status from its current children.
// Blocked parents and parents without children are left alone.
func (e Engine) reevaluateParent(ctx context.Context, tx *sql.Tx, parentID, actorID string) (*StatusChange, error) {
	parent, err := e.Repo.GetWorkItemTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == domain.StatusBlocked {
		return nil, nil
	}
	children, err := e.Repo.ListChildrenTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	statuses := make([]string, 0, len(children))
	for _, c := range children {
		statuses = append(statuses, c.Status)
	}
	next, ok := EvaluateParentStatus(statuses)
	if !ok || next == parent.Status {
		return nil, nil
	}
	change, err := e.setStatus(ctx, tx, parent, next, actorID, "child status propagation")
	if err != nil {
		return nil, err
	}
	return &change, nil
}

func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, item domain.WorkItem, status, actorID, reason string) (StatusChange, error) {
	change := StatusChange{WorkItemID: item.ID, From: item.Status, To: status}
	item.Status = status
	item.UpdatedAt = e.ts()
	if _, err := e.Repo.UpdateWorkItemTx(ctx, tx, item); err != nil {
		return change, err
	}
	if err := e.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
		WorkItemID: item.ID, Field: "status", OldValue: change.From, NewValue: status, ActorID: actorID, Reason: reason, TS: item.UpdatedAt,
	}); err != nil {
		return change, err
	}
	return change, nil
}

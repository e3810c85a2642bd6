package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/notify"
	"taskpulse/internal/repo"
)

func statusChanges(in []engine.StatusChange) []StatusChangeResponse {
	out := make([]StatusChangeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, StatusChangeResponse(c))
	}
	return out
}

// publishHierarchy emits the item event plus one status event per parent
// the write moved.
func (h handlers) publishHierarchy(ctx context.Context, eventType, actorID string, item domain.WorkItem, changes []engine.StatusChange) {
	h.publish(ctx, notify.Event{Type: eventType, ProjectID: item.ProjectID, EntityKind: "work_item", EntityID: item.ID, ActorID: actorID,
		Data: map[string]any{"status": item.Status, "parent_changes": changes}})
	for _, c := range changes {
		h.publish(ctx, notify.Event{Type: "work_item.status_changed", ProjectID: item.ProjectID, EntityKind: "work_item", EntityID: c.WorkItemID, ActorID: actorID,
			Data: map[string]any{"from": c.From, "to": c.To, "cause": item.ID}})
	}
}

func registerWorkItems(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		b := input.Body
		item, err := h.e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
			ID:             b.ID,
			ProjectID:      b.ProjectID,
			IterationID:    b.IterationID,
			ParentID:       b.ParentID,
			Type:           b.Type,
			Title:          b.Title,
			Description:    b.Description,
			Priority:       b.Priority,
			StoryPoints:    b.StoryPoints,
			EstimatedHours: b.EstimatedHours,
			Tags:           b.Tags,
			Assignees:      b.Assignees,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.created", actorID, item, nil)
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		IterationID string `query:"iteration_id"`
		ParentID    string `query:"parent_id"`
		AssigneeID  string `query:"assignee_id"`
		Status      string `query:"status"`
		Type        string `query:"type"`
		TopLevel    bool   `query:"top_level"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListWorkItems(ctx, repo.WorkItemFilter{
			ProjectID:   input.ProjectID,
			IterationID: input.IterationID,
			ParentID:    input.ParentID,
			AssigneeID:  input.AssigneeID,
			Status:      input.Status,
			Type:        input.Type,
			TopLevel:    input.TopLevel,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: workItemResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		History bool   `query:"history"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		item, err := h.e.GetWorkItem(ctx, input.ID, input.History)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-item",
		Method:      http.MethodPatch,
		Path:        "/work-items/{id}",
		Summary:     "Update work item fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateWorkItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		b := input.Body
		opts := engine.WorkItemUpdateOptions{
			ID:              input.ID,
			Title:           b.Title,
			Description:     b.Description,
			Type:            b.Type,
			Priority:        b.Priority,
			StoryPoints:     b.StoryPoints,
			EstimatedHours:  b.EstimatedHours,
			IterationID:     b.IterationID,
			ExpectedVersion: b.ExpectedVersion,
			ActorID:         actorID,
		}
		if b.Tags != nil {
			opts.Tags = &b.Tags
		}
		if b.Assignees != nil {
			opts.Assignees = &b.Assignees
		}
		item, err := h.e.UpdateWorkItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.updated", actorID, item, nil)
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-work-item",
		Method:      http.MethodDelete,
		Path:        "/work-items/{id}",
		Summary:     "Delete a work item without children",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body HierarchyResponse `json:"body"`
	}, error) {
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.e.DeleteWorkItem(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.deleted", actorID, res.Item, res.ParentChanges)
		return &struct {
			Body HierarchyResponse `json:"body"`
		}{Body: hierarchyResponse(res.Item, statusChanges(res.ParentChanges))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/history",
		Summary:     "List field changes of a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		history, err := h.e.ListHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: nonNilSlice(history)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/children",
		Summary:     "List subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(fmt.Errorf("work item %s: %w", input.ID, err))
		}
		children, err := h.e.Repo.ListChildren(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: workItemResponses(children)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-child",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/children",
		Summary:       "Create a subtask",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateChildRequest `json:"body"`
	}) (*struct {
		Body HierarchyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		b := input.Body
		res, err := h.e.CreateChild(ctx, input.ID, engine.ChildCreateOptions{
			ID:             b.ID,
			Title:          b.Title,
			Description:    b.Description,
			Priority:       b.Priority,
			StoryPoints:    b.StoryPoints,
			EstimatedHours: b.EstimatedHours,
			Tags:           b.Tags,
			Assignees:      b.Assignees,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.created", actorID, res.Item, res.ParentChanges)
		return &struct {
			Body HierarchyResponse `json:"body"`
		}{Body: hierarchyResponse(res.Item, statusChanges(res.ParentChanges))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-item-status",
		Method:      http.MethodPut,
		Path:        "/work-items/{id}/status",
		Summary:     "Set status and re-derive the parent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body HierarchyResponse `json:"body"`
	}, error) {
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.e.UpdateChildStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.status_changed", actorID, res.Item, res.ParentChanges)
		return &struct {
			Body HierarchyResponse `json:"body"`
		}{Body: hierarchyResponse(res.Item, statusChanges(res.ParentChanges))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-children-status",
		Method:      http.MethodPut,
		Path:        "/work-items/{id}/children/status",
		Summary:     "Set the status of every subtask",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body BulkStatusResponse `json:"body"`
	}, error) {
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.e.BulkUpdateChildrenStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.children_status_changed", actorID, res.Parent, res.ParentChanges)
		return &struct {
			Body BulkStatusResponse `json:"body"`
		}{Body: BulkStatusResponse{
			Parent:        workItemResponse(res.Parent),
			Children:      workItemResponses(res.Children),
			Updated:       res.Updated,
			ParentChanges: statusChanges(res.ParentChanges),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/move",
		Summary:     "Move a work item under another parent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body MoveRequest `json:"body"`
	}) (*struct {
		Body HierarchyResponse `json:"body"`
	}, error) {
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h.e.MoveChild(ctx, input.ID, input.Body.ParentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publishHierarchy(ctx, "work_item.moved", actorID, res.Item, res.ParentChanges)
		return &struct {
			Body HierarchyResponse `json:"body"`
		}{Body: hierarchyResponse(res.Item, statusChanges(res.ParentChanges))}, nil
	})
}

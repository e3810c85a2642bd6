package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskpulse/internal/balance"
	"taskpulse/internal/domain"
	"taskpulse/internal/notify"
)

func registerReassignment(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "recommend-reassignment",
		Method:      http.MethodGet,
		Path:        "/reassignment/{task_id}/recommend",
		Summary:     "Recommend a lighter-loaded teammate for a work item",
		Description: "A recommendation that finds nothing to do still answers 200 with success=false and a code.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body balance.Recommendation `json:"body"`
	}, error) {
		item, err := h.e.Repo.GetWorkItem(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(fmt.Errorf("work item %s: %w", input.TaskID, err))
		}
		cfg, err := h.projectConfig(ctx, item.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := h.balancer(cfg).Recommend(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body balance.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-reassignment",
		Method:      http.MethodPost,
		Path:        "/reassignment/{task_id}/execute",
		Summary:     "Reassign a work item",
		Description: "Items whose priority is listed in policies.confirm_priorities need confirm=true.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string                     `path:"task_id"`
		Body   ExecuteReassignmentRequest `json:"body"`
	}) (*struct {
		Body balance.ExecuteResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.NewAssigneeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_assignee_id is required", nil)
		}
		item, err := h.e.Repo.GetWorkItem(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(fmt.Errorf("work item %s: %w", input.TaskID, err))
		}
		cfg, err := h.projectConfig(ctx, item.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := h.authorize(ctx, cfg.RBAC.ExecuteRoles, "reassignment.execute")
		if err != nil {
			return nil, handleError(err)
		}
		svc := h.balancer(cfg)
		if svc.RequiresConfirmation(item.Priority) && !input.Body.Confirm {
			return nil, handleError(domain.ErrConfirmationRequired)
		}
		res, err := svc.ExecuteReassignment(ctx, item.ID, input.Body.NewAssigneeID, principal.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		h.publish(ctx, notify.Event{
			Type: "work_item.reassigned", ProjectID: res.WorkItem.ProjectID, EntityKind: "work_item", EntityID: res.WorkItem.ID,
			ActorID: res.ActorID, TS: res.TS,
			Data: map[string]any{"from": res.FromAssignees, "to": res.ToAssignee, "priority": res.WorkItem.Priority},
		})
		return &struct {
			Body balance.ExecuteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-analysis",
		Method:      http.MethodGet,
		Path:        "/reassignment/team/analysis",
		Summary:     "Band every person in scope by workload",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID      string `query:"team_id"`
		ProjectID   string `query:"project_id"`
		IterationID string `query:"iteration_id"`
	}) (*struct {
		Body balance.TeamAnalysis `json:"body"`
	}, error) {
		cfg, err := h.projectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.balancer(cfg).TeamAnalysis(ctx, balance.Scope{
			TeamID:      input.TeamID,
			ProjectID:   input.ProjectID,
			IterationID: input.IterationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body balance.TeamAnalysis `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-analyze",
		Method:      http.MethodPost,
		Path:        "/reassignment/batch-analyze",
		Summary:     "Recommend for several work items",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BatchAnalyzeRequest `json:"body"`
	}) (*struct {
		Body balance.BatchResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.WorkItemIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "work_item_ids is required", nil)
		}
		if len(input.Body.WorkItemIDs) > 200 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at most 200 work items per batch", map[string]any{"count": len(input.Body.WorkItemIDs)})
		}
		cfg, err := h.projectConfig(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.balancer(cfg).BatchAnalyze(ctx, input.Body.WorkItemIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body balance.BatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerWorkload(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "person-workload",
		Method:      http.MethodGet,
		Path:        "/workload/{user_id}",
		Summary:     "Workload of one person",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID      string `path:"user_id"`
		ProjectID   string `query:"project_id"`
		IterationID string `query:"iteration_id"`
	}) (*struct {
		Body balance.PersonWorkload `json:"body"`
	}, error) {
		cfg, err := h.projectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.balancer(cfg).PersonWorkload(ctx, input.UserID, input.IterationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body balance.PersonWorkload `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebalance",
		Method:      http.MethodPost,
		Path:        "/workload/rebalance",
		Summary:     "Move one item off each overloaded person",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RebalanceRequest `json:"body"`
	}) (*struct {
		Body balance.RebalanceResult `json:"body"`
	}, error) {
		cfg, err := h.projectConfig(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := h.authorize(ctx, cfg.RBAC.RebalanceRoles, "workload.rebalance")
		if err != nil {
			return nil, handleError(err)
		}
		scope := balance.Scope{
			TeamID:      input.Body.TeamID,
			ProjectID:   input.Body.ProjectID,
			IterationID: input.Body.IterationID,
		}
		res, err := h.balancer(cfg).RebalanceTeam(ctx, scope, principal.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, mv := range res.Reassignments {
			h.publish(ctx, notify.Event{
				Type: "work_item.rebalanced", ProjectID: scope.ProjectID, EntityKind: "work_item", EntityID: mv.WorkItemID,
				ActorID: principal.PersonID, TS: res.TS,
				Data: map[string]any{"from": mv.FromID, "to": mv.ToID, "narrative": mv.Narrative},
			})
		}
		h.publish(ctx, notify.Event{
			Type: "rebalance.completed", ProjectID: scope.ProjectID, EntityKind: "team", EntityID: scope.TeamID,
			ActorID: principal.PersonID, TS: res.TS,
			Data: map[string]any{"processed": res.Processed, "rebalanced": res.Rebalanced, "partial": res.Partial},
		})
		return &struct {
			Body balance.RebalanceResult `json:"body"`
		}{Body: res}, nil
	})
}

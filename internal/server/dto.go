package server

import (
	"encoding/json"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/workload"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateIterationRequest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Status   string  `json:"status,omitempty" enum:"planned,active,closed"`
	StartsAt *string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt   *string `json:"ends_at,omitempty" format:"date-time"`
}

type CreatePersonRequest struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	Role          string   `json:"role,omitempty" enum:"admin,project_manager,team_lead,developer,designer,qa"`
	TeamID        string   `json:"team_id,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	CapacityHours *float64 `json:"capacity_hours,omitempty"`
	OnLeave       bool     `json:"on_leave,omitempty"`
}

// UpdatePersonRequest changes only the fields present. An explicit empty
// skills list clears the skills.
type UpdatePersonRequest struct {
	Name          *string  `json:"name,omitempty"`
	Email         *string  `json:"email,omitempty"`
	Role          *string  `json:"role,omitempty" enum:"admin,project_manager,team_lead,developer,designer,qa"`
	TeamID        *string  `json:"team_id,omitempty"`
	Active        *bool    `json:"active,omitempty"`
	OnLeave       *bool    `json:"on_leave,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	CapacityHours *float64 `json:"capacity_hours,omitempty"`
}

type CreateWorkItemRequest struct {
	ID             string   `json:"id,omitempty"`
	ProjectID      string   `json:"project_id"`
	IterationID    string   `json:"iteration_id,omitempty"`
	ParentID       string   `json:"parent_id,omitempty"`
	Type           string   `json:"type,omitempty" enum:"story,task,bug,epic,subtask"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"lowest,low,medium,high,highest"`
	StoryPoints    *float64 `json:"story_points,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
}

type UpdateWorkItemRequest struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Type           *string  `json:"type,omitempty" enum:"story,task,bug,epic,subtask"`
	Priority       *string  `json:"priority,omitempty" enum:"lowest,low,medium,high,highest"`
	StoryPoints    *float64 `json:"story_points,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	IterationID    *string  `json:"iteration_id,omitempty"`
	// ExpectedVersion, when set, rejects the update with 409 if the item
	// changed since it was read.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

type CreateChildRequest struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"lowest,low,medium,high,highest"`
	StoryPoints    *float64 `json:"story_points,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"todo,in_progress,review,done,blocked"`
}

// MoveRequest re-parents an item; an empty parent_id detaches it.
type MoveRequest struct {
	ParentID string `json:"parent_id,omitempty"`
}

type ExecuteReassignmentRequest struct {
	NewAssigneeID string `json:"new_assignee_id"`
	// Confirm must be true for priorities listed in
	// policies.confirm_priorities.
	Confirm bool `json:"confirm,omitempty"`
}

type BatchAnalyzeRequest struct {
	WorkItemIDs []string `json:"work_item_ids"`
	// ProjectID selects whose config scores the batch; defaults apply when
	// empty.
	ProjectID string `json:"project_id,omitempty"`
}

type RebalanceRequest struct {
	TeamID      string `json:"team_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	IterationID string `json:"iteration_id,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type IterationResponse struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"planned,active,closed"`
	StartsAt  *string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt    *string `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type PersonResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	Role          string   `json:"role"`
	TeamID        *string  `json:"team_id,omitempty"`
	Active        bool     `json:"active"`
	OnLeave       bool     `json:"on_leave"`
	Skills        []string `json:"skills"`
	CapacityHours *float64 `json:"capacity_hours,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type WorkItemResponse struct {
	ID             string                `json:"id"`
	ProjectID      string                `json:"project_id"`
	IterationID    *string               `json:"iteration_id,omitempty"`
	ParentID       *string               `json:"parent_id,omitempty"`
	Type           string                `json:"type"`
	Title          string                `json:"title"`
	Description    string                `json:"description,omitempty"`
	Status         string                `json:"status"`
	Priority       string                `json:"priority"`
	StoryPoints    *float64              `json:"story_points,omitempty"`
	EstimatedHours *float64              `json:"estimated_hours,omitempty"`
	Tags           []string              `json:"tags"`
	Assignees      []string              `json:"assignees"`
	Version        int64                 `json:"version"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
	History        []domain.HistoryEntry `json:"history,omitempty"`
}

type StatusChangeResponse struct {
	WorkItemID string `json:"work_item_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// HierarchyResponse is the written item plus every parent status change the
// write caused.
type HierarchyResponse struct {
	Item          WorkItemResponse       `json:"item"`
	ParentChanges []StatusChangeResponse `json:"parent_changes"`
}

type BulkStatusResponse struct {
	Parent        WorkItemResponse       `json:"parent"`
	Children      []WorkItemResponse     `json:"children"`
	Updated       int                    `json:"updated"`
	ParentChanges []StatusChangeResponse `json:"parent_changes"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ProjectID   string         `json:"project_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Description string         `json:"description,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type ProjectConfigResponse struct {
	ProjectID            string           `json:"project_id"`
	OverloadThreshold    int              `json:"overload_threshold"`
	CandidateThreshold   int              `json:"candidate_threshold"`
	IdleThreshold        int              `json:"idle_threshold"`
	DefaultCapacityHours float64          `json:"default_capacity_hours"`
	Weights              workload.Weights `json:"weights"`
	ConfirmPriorities    []string         `json:"confirm_priorities"`
	ExecuteRoles         []string         `json:"execute_roles"`
	RebalanceRoles       []string         `json:"rebalance_roles"`
}

type WhoAmIResponse struct {
	PersonID string   `json:"person_id"`
	Roles    []string `json:"roles"`
	Source   string   `json:"source"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func iterationResponse(it domain.Iteration) IterationResponse {
	return IterationResponse(it)
}

func personResponse(p domain.Person) PersonResponse {
	res := PersonResponse(p)
	res.Skills = nonNilSlice(p.Skills)
	return res
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	res := WorkItemResponse(w)
	res.Tags = nonNilSlice(w.Tags)
	res.Assignees = nonNilSlice(w.Assignees)
	return res
}

func workItemResponses(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, workItemResponse(it))
	}
	return out
}

func hierarchyResponse(item domain.WorkItem, changes []StatusChangeResponse) HierarchyResponse {
	return HierarchyResponse{Item: workItemResponse(item), ParentChanges: nonNilSlice(changes)}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ProjectID:   e.ProjectID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Description: e.Description,
		Payload:     decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	return ProjectConfigResponse{
		ProjectID:            cfg.Project.ID,
		OverloadThreshold:    cfg.Workload.OverloadThreshold,
		CandidateThreshold:   cfg.Recommender.UnderloadThreshold,
		IdleThreshold:        cfg.Rebalancer.UnderloadThreshold,
		DefaultCapacityHours: cfg.Workload.DefaultCapacityHours,
		Weights:              cfg.Scoring.Weights,
		ConfirmPriorities:    nonNilSlice(cfg.Policies.ConfirmPriorities),
		ExecuteRoles:         nonNilSlice(cfg.RBAC.ExecuteRoles),
		RebalanceRoles:       nonNilSlice(cfg.RBAC.RebalanceRoles),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}

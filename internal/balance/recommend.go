package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/repo"
	"taskpulse/internal/workload"
)

// Recommendation outcome codes. Only CodeRecommended is a success; the rest
// are no-op results, not errors.
const (
	CodeNoAssignee         = "no_assignee"
	CodeWorkloadAcceptable = "workload_acceptable"
	CodeNoTeam             = "no_team"
	CodeNoCandidates       = "no_candidates"
	CodeRecommended        = "recommended"
)

var reasons = map[string]string{
	CodeNoAssignee:         "no assignee",
	CodeWorkloadAcceptable: "workload acceptable",
	CodeNoTeam:             "no team available",
	CodeNoCandidates:       "all teammates overloaded/unavailable",
	CodeRecommended:        "reassignment recommended",
}

// Candidate is one scored teammate.
type Candidate struct {
	PersonID   string `json:"person_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	SkillMatch int    `json:"skill_match"`
	Workload   int    `json:"workload_percentage"`
	RoleMatch  bool   `json:"role_match"`
	Score      int    `json:"score"`
}

type Recommendation struct {
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	WorkItemID string `json:"work_item_id"`
	Priority   string `json:"priority"`
	// RequiresConfirmation flags priorities that need an explicit confirm
	// before execution. The recommender never enforces it.
	RequiresConfirmation bool               `json:"requires_confirmation"`
	CurrentAssignee      *workload.Snapshot `json:"current_assignee,omitempty"`
	Recommended          *Candidate         `json:"recommended,omitempty"`
	Candidates           []Candidate        `json:"candidates"`
	Justification        string             `json:"justification,omitempty"`
}

// Recommend ranks teammates who could take over itemID from its overloaded
// assignee. Not-found and cancellation are errors; everything else is a
// Recommendation whose Code explains the outcome.
func (s *Service) Recommend(ctx context.Context, itemID string) (Recommendation, error) {
	rec, err := s.recommend(ctx, itemID)
	if err != nil {
		return Recommendation{}, err
	}
	s.metrics.RecordRecommendation(rec.Code)
	return rec, nil
}

func (s *Service) recommend(ctx context.Context, itemID string) (Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return Recommendation{}, err
	}
	item, err := s.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("load work item %s: %w", itemID, err)
	}
	rec := Recommendation{
		WorkItemID:           item.ID,
		Priority:             item.Priority,
		RequiresConfirmation: s.RequiresConfirmation(item.Priority),
		Candidates:           []Candidate{},
	}
	ownerID := item.PrimaryAssignee()
	if ownerID == "" {
		return rec.noop(CodeNoAssignee), nil
	}
	owner, err := s.store.GetPerson(ctx, ownerID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("load assignee %s: %w", ownerID, err)
	}

	iterationID := item.IterationOrEmpty()
	current, _ := s.snapshot(ctx, owner, iterationID)
	rec.CurrentAssignee = &current
	if current.Percentage <= s.settings.Workload.OverloadThreshold {
		return rec.noop(CodeWorkloadAcceptable), nil
	}

	team, err := s.teammates(ctx, item, owner)
	if err != nil {
		return Recommendation{}, err
	}
	if len(team) == 0 {
		return rec.noop(CodeNoTeam), nil
	}

	for _, p := range team {
		if err := ctx.Err(); err != nil {
			return Recommendation{}, err
		}
		snap, _ := s.snapshot(ctx, p, iterationID)
		if snap.Percentage >= s.settings.CandidateThreshold {
			continue
		}
		skill := workload.MatchSkills(item.Tags, p.Skills)
		roleMatch := p.Role == owner.Role
		rec.Candidates = append(rec.Candidates, Candidate{
			PersonID:   p.ID,
			Name:       p.Name,
			Role:       p.Role,
			SkillMatch: skill,
			Workload:   snap.Percentage,
			RoleMatch:  roleMatch,
			Score:      workload.Score(skill, snap.Percentage, roleMatch, s.settings.Weights),
		})
	}
	if len(rec.Candidates) == 0 {
		return rec.noop(CodeNoCandidates), nil
	}

	sort.SliceStable(rec.Candidates, func(i, j int) bool {
		return rec.Candidates[i].Score > rec.Candidates[j].Score
	})
	top := rec.Candidates[0]
	rec.Success = true
	rec.Code = CodeRecommended
	rec.Reason = reasons[CodeRecommended]
	rec.Recommended = &top
	rec.Justification = justify(current, top)
	return rec, nil
}

func (r Recommendation) noop(code string) Recommendation {
	r.Success = false
	r.Code = code
	r.Reason = reasons[code]
	return r
}

// teammates returns the available people who share the item's iteration,
// or without one, its project and the owner's team. ListPeople order (by
// name) is kept so ties rank deterministically.
func (s *Service) teammates(ctx context.Context, item domain.WorkItem, owner domain.Person) ([]domain.Person, error) {
	ids, err := s.store.ListAssigneeIDs(ctx, item.ProjectID, item.IterationOrEmpty())
	if err != nil {
		return nil, fmt.Errorf("list teammates of %s: %w", item.ID, err)
	}
	seen := map[string]struct{}{owner.ID: {}}
	var team []domain.Person
	add := func(people []domain.Person) {
		for _, p := range people {
			if _, ok := seen[p.ID]; ok || !p.Available() {
				continue
			}
			seen[p.ID] = struct{}{}
			team = append(team, p)
		}
	}
	if len(ids) > 0 {
		people, err := s.store.ListPeople(ctx, repo.PeopleFilter{IDs: ids, Available: true})
		if err != nil {
			return nil, fmt.Errorf("list teammates of %s: %w", item.ID, err)
		}
		add(people)
	}
	if item.IterationID == nil && owner.TeamID != nil && *owner.TeamID != "" {
		people, err := s.store.ListPeople(ctx, repo.PeopleFilter{TeamID: *owner.TeamID, Available: true})
		if err != nil {
			return nil, fmt.Errorf("list team %s: %w", *owner.TeamID, err)
		}
		add(people)
	}
	return team, nil
}

func justify(current workload.Snapshot, c Candidate) string {
	parts := []string{fmt.Sprintf("%s is at %d%% workload versus %d%% for the current assignee (%d points lighter)",
		c.Name, c.Workload, current.Percentage, current.Percentage-c.Workload)}
	switch {
	case c.SkillMatch == 100:
		parts = append(parts, "has every required skill")
	case c.SkillMatch >= 75:
		parts = append(parts, fmt.Sprintf("covers most required skills (%d%%)", c.SkillMatch))
	case c.SkillMatch >= 50:
		parts = append(parts, fmt.Sprintf("covers some required skills (%d%%)", c.SkillMatch))
	default:
		parts = append(parts, fmt.Sprintf("limited skill overlap (%d%%), expect ramp-up", c.SkillMatch))
	}
	if c.RoleMatch {
		parts = append(parts, "same role as the current assignee")
	}
	parts = append(parts, fmt.Sprintf("score %d/100", c.Score))
	return strings.Join(parts, "; ")
}

// ExecuteResult describes a completed reassignment, enough for a caller to
// build a notification.
type ExecuteResult struct {
	WorkItem      domain.WorkItem `json:"work_item"`
	FromAssignees []string        `json:"from_assignees"`
	ToAssignee    string          `json:"to_assignee"`
	ActorID       string          `json:"actor_id"`
	TS            string          `json:"ts" format:"date-time"`
}

// ExecuteReassignment makes newAssigneeID the sole assignee of itemID.
// Confirmation of high-priority items is the caller's job.
func (s *Service) ExecuteReassignment(ctx context.Context, itemID, newAssigneeID, actorID string) (ExecuteResult, error) {
	item, err := s.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("load work item %s: %w", itemID, err)
	}
	person, err := s.store.GetPerson(ctx, newAssigneeID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("load assignee %s: %w", newAssigneeID, err)
	}
	if !person.Available() {
		return ExecuteResult{}, domain.ErrInactiveAssignee
	}
	if len(item.Assignees) == 1 && strings.EqualFold(item.Assignees[0], person.ID) {
		return ExecuteResult{}, domain.ErrAlreadyAssigned
	}
	if !s.claims.TryClaim(item.ID) {
		return ExecuteResult{}, fmt.Errorf("work item %s is being reassigned: %w", item.ID, repo.ErrConflict)
	}
	defer s.claims.Release(item.ID)

	ts := s.ts()
	updated, err := s.store.ReassignWorkItem(ctx, repo.Reassignment{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		Assignees:       []string{person.ID},
		ActorID:         actorID,
		Reason:          "smart reassignment",
		TS:              ts,
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
			return ExecuteResult{}, err
		}
		return ExecuteResult{}, fmt.Errorf("reassign %s: %w", item.ID, err)
	}
	s.metrics.RecordReassignment("manual")
	s.logger.Info("work item reassigned", "work_item_id", item.ID, "from", item.Assignees, "to", person.ID, "actor_id", actorID)
	s.record(ctx, events.Entry{
		Type:        "work_item.reassigned",
		ProjectID:   item.ProjectID,
		EntityKind:  "work_item",
		EntityID:    item.ID,
		ActorID:     actorID,
		Description: fmt.Sprintf("reassigned %q to %s", item.Title, person.Name),
		Payload: events.Payload{
			"from":   item.Assignees,
			"to":     person.ID,
			"reason": "smart reassignment",
		},
	})
	return ExecuteResult{
		WorkItem:      updated,
		FromAssignees: item.Assignees,
		ToAssignee:    person.ID,
		ActorID:       actorID,
		TS:            ts,
	}, nil
}

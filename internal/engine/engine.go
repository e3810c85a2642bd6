package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/logging"
	"taskpulse/internal/metrics"
	"taskpulse/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   events.Recorder
	Now     func() time.Time
	Logger  logging.Logger
	Metrics metrics.Collector
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   events.Writer{DB: db},
		Now:     time.Now,
		Logger:  logging.NewNop(),
		Metrics: metrics.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// withTx runs fn as one unit of work. Any error from fn rolls the whole
// transaction back and is returned unchanged.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// audit records one entry for a committed action. Failures are logged and
// counted, never returned.
func (e Engine) audit(ctx context.Context, entry events.Entry) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Record(ctx, entry); err != nil {
		logging.OrNop(e.Logger).Warn("audit entry not recorded", "type", entry.Type, "entity_id", entry.EntityID, "error", err)
		metrics.OrNop(e.Metrics).RecordAuditFailure()
	}
}

func (e Engine) observe(op string, err error) {
	metrics.OrNop(e.Metrics).RecordHierarchyOp(op, err == nil)
}

// InitProject creates a project and seeds its default config.
func (e Engine) InitProject(ctx context.Context, projectID, name, description, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.ts(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
			return fmt.Errorf("insert project config: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.audit(ctx, events.Entry{Type: "project.init", ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
		Description: fmt.Sprintf("project %s created", p.ID), Payload: events.Payload{"status": p.Status}})
	return p, nil
}

func (e Engine) CreateIteration(ctx context.Context, it domain.Iteration, actorID string) (domain.Iteration, error) {
	if _, err := e.Repo.GetProject(ctx, it.ProjectID); err != nil {
		return it, fmt.Errorf("project %s: %w", it.ProjectID, err)
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Name == "" {
		it.Name = it.ID
	}
	if it.Status == "" {
		it.Status = "planned"
	}
	it.CreatedAt = e.ts()
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertIterationTx(ctx, tx, it)
	}); err != nil {
		return it, err
	}
	e.audit(ctx, events.Entry{Type: "iteration.created", ProjectID: it.ProjectID, EntityKind: "iteration", EntityID: it.ID, ActorID: actorID,
		Payload: events.Payload{"status": it.Status}})
	return it, nil
}

// PersonCreateOptions are parameters for creating a person.
type PersonCreateOptions struct {
	ID            string
	Name          string
	Email         string
	Role          string
	TeamID        string
	Skills        []string
	CapacityHours *float64
	OnLeave       bool
	ActorID       string
}

func (e Engine) CreatePerson(ctx context.Context, opts PersonCreateOptions) (domain.Person, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Person{}, errors.New("name is required")
	}
	if opts.Role == "" {
		opts.Role = domain.RoleDeveloper
	}
	if !domain.ValidRole(opts.Role) {
		return domain.Person{}, domain.NewPolicyError("invalid_role", "unknown role %s", opts.Role)
	}
	if opts.CapacityHours != nil && *opts.CapacityHours <= 0 {
		return domain.Person{}, domain.NewPolicyError("invalid_capacity", "capacity hours must be positive")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.ts()
	p := domain.Person{
		ID:            opts.ID,
		Name:          opts.Name,
		Email:         opts.Email,
		Role:          opts.Role,
		TeamID:        optionalString(opts.TeamID),
		Active:        true,
		OnLeave:       opts.OnLeave,
		Skills:        cleanStrings(opts.Skills),
		CapacityHours: opts.CapacityHours,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertPersonTx(ctx, tx, p)
	}); err != nil {
		return domain.Person{}, err
	}
	e.audit(ctx, events.Entry{Type: "person.created", EntityKind: "person", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"role": p.Role}})
	return p, nil
}

// PersonUpdateOptions holds optional profile changes; nil fields are kept.
type PersonUpdateOptions struct {
	ID            string
	Name          *string
	Email         *string
	Role          *string
	TeamID        *string
	Active        *bool
	OnLeave       *bool
	Skills        *[]string
	CapacityHours *float64
	ActorID       string
}

func (e Engine) UpdatePerson(ctx context.Context, opts PersonUpdateOptions) (domain.Person, error) {
	var p domain.Person
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPersonTx(ctx, tx, opts.ID)
		if err != nil {
			return fmt.Errorf("person %s: %w", opts.ID, err)
		}
		if opts.Name != nil {
			if strings.TrimSpace(*opts.Name) == "" {
				return errors.New("name is required")
			}
			p.Name = *opts.Name
		}
		if opts.Email != nil {
			p.Email = *opts.Email
		}
		if opts.Role != nil {
			if !domain.ValidRole(*opts.Role) {
				return domain.NewPolicyError("invalid_role", "unknown role %s", *opts.Role)
			}
			p.Role = *opts.Role
		}
		if opts.TeamID != nil {
			p.TeamID = optionalString(*opts.TeamID)
		}
		if opts.Active != nil {
			p.Active = *opts.Active
		}
		if opts.OnLeave != nil {
			p.OnLeave = *opts.OnLeave
		}
		if opts.Skills != nil {
			p.Skills = cleanStrings(*opts.Skills)
		}
		if opts.CapacityHours != nil {
			if *opts.CapacityHours <= 0 {
				p.CapacityHours = nil
			} else {
				p.CapacityHours = opts.CapacityHours
			}
		}
		p.UpdatedAt = e.ts()
		return e.Repo.UpdatePersonTx(ctx, tx, p)
	})
	if err != nil {
		return domain.Person{}, err
	}
	e.audit(ctx, events.Entry{Type: "person.updated", EntityKind: "person", EntityID: p.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"active": p.Active, "on_leave": p.OnLeave}})
	return p, nil
}

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ID             string
	ProjectID      string
	IterationID    string
	ParentID       string
	Type           string
	Title          string
	Description    string
	Priority       string
	StoryPoints    *float64
	EstimatedHours *float64
	Tags           []string
	Assignees      []string
	ActorID        string
}

// CreateWorkItem creates a top-level item. With ParentID set it behaves as
// CreateChild.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if opts.ParentID != "" {
		res, err := e.CreateChild(ctx, opts.ParentID, ChildCreateOptions{
			ID:             opts.ID,
			Title:          opts.Title,
			Description:    opts.Description,
			Priority:       opts.Priority,
			StoryPoints:    opts.StoryPoints,
			EstimatedHours: opts.EstimatedHours,
			Tags:           opts.Tags,
			Assignees:      opts.Assignees,
		}, opts.ActorID)
		return res.Item, err
	}
	if opts.Type == "" {
		opts.Type = domain.TypeTask
	}
	if !domain.ValidType(opts.Type) {
		return domain.WorkItem{}, domain.NewPolicyError("invalid_type", "unknown work item type %s", opts.Type)
	}
	if opts.Type == domain.TypeSubtask {
		return domain.WorkItem{}, domain.NewPolicyError("subtask_without_parent", "subtasks are created under a parent")
	}
	if err := validateEstimates(opts.StoryPoints, opts.EstimatedHours); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.WorkItem{}, domain.NewPolicyError("invalid_priority", "unknown priority %s", opts.Priority)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.WorkItem{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if opts.IterationID != "" {
		it, err := e.Repo.GetIteration(ctx, opts.IterationID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("iteration %s: %w", opts.IterationID, err)
		}
		if it.ProjectID != opts.ProjectID {
			return domain.WorkItem{}, fmt.Errorf("iteration %s not in project %s", opts.IterationID, opts.ProjectID)
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.ts()
	item := domain.WorkItem{
		ID:             opts.ID,
		ProjectID:      opts.ProjectID,
		IterationID:    optionalString(opts.IterationID),
		Type:           opts.Type,
		Title:          opts.Title,
		Description:    opts.Description,
		Status:         domain.StatusTodo,
		Priority:       opts.Priority,
		StoryPoints:    opts.StoryPoints,
		EstimatedHours: opts.EstimatedHours,
		Tags:           cleanStrings(opts.Tags),
		Assignees:      cleanStrings(opts.Assignees),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.ensureAssignable(ctx, tx, item.Assignees); err != nil {
			return err
		}
		return e.Repo.InsertWorkItemTx(ctx, tx, item)
	}); err != nil {
		return domain.WorkItem{}, err
	}
	e.audit(ctx, events.Entry{Type: "work_item.created", ProjectID: item.ProjectID, EntityKind: "work_item", EntityID: item.ID, ActorID: opts.ActorID,
		Description: fmt.Sprintf("%s %q created", item.Type, item.Title), Payload: events.Payload{"type": item.Type, "assignees": item.Assignees}})
	return item, nil
}

// WorkItemUpdateOptions holds optional field changes; nil fields are kept.
// Status and parent changes go through the hierarchy operations.
type WorkItemUpdateOptions struct {
	ID              string
	Title           *string
	Description     *string
	Type            *string
	Priority        *string
	StoryPoints     *float64
	EstimatedHours  *float64
	Tags            *[]string
	Assignees       *[]string
	IterationID     *string
	ExpectedVersion int64
	ActorID         string
}

func (e Engine) UpdateWorkItem(ctx context.Context, opts WorkItemUpdateOptions) (domain.WorkItem, error) {
	var item domain.WorkItem
	var changes []domain.HistoryEntry
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = e.Repo.GetWorkItemTx(ctx, tx, opts.ID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", opts.ID, err)
		}
		if opts.ExpectedVersion != 0 && opts.ExpectedVersion != item.Version {
			return fmt.Errorf("work item %s: %w", item.ID, repo.ErrConflict)
		}
		track := func(field, oldV, newV string) {
			if oldV != newV {
				changes = append(changes, domain.HistoryEntry{WorkItemID: item.ID, Field: field, OldValue: oldV, NewValue: newV, ActorID: opts.ActorID})
			}
		}
		if opts.Title != nil {
			if strings.TrimSpace(*opts.Title) == "" {
				return errors.New("title is required")
			}
			track("title", item.Title, *opts.Title)
			item.Title = *opts.Title
		}
		if opts.Description != nil {
			track("description", item.Description, *opts.Description)
			item.Description = *opts.Description
		}
		if opts.Type != nil {
			if err := validateTypeChange(item, *opts.Type); err != nil {
				return err
			}
			if *opts.Type == domain.TypeEpic {
				n, err := e.Repo.CountChildrenTx(ctx, tx, item.ID)
				if err != nil {
					return err
				}
				if n > 0 {
					return domain.ErrEpicParent
				}
			}
			track("type", item.Type, *opts.Type)
			item.Type = *opts.Type
		}
		if opts.Priority != nil {
			if !domain.ValidPriority(*opts.Priority) {
				return domain.NewPolicyError("invalid_priority", "unknown priority %s", *opts.Priority)
			}
			track("priority", item.Priority, *opts.Priority)
			item.Priority = *opts.Priority
		}
		if err := validateEstimates(opts.StoryPoints, opts.EstimatedHours); err != nil {
			return err
		}
		if opts.StoryPoints != nil {
			track("storyPoints", formatFloat(item.StoryPoints), formatFloat(opts.StoryPoints))
			item.StoryPoints = opts.StoryPoints
		}
		if opts.EstimatedHours != nil {
			track("estimatedHours", formatFloat(item.EstimatedHours), formatFloat(opts.EstimatedHours))
			item.EstimatedHours = opts.EstimatedHours
		}
		if opts.Tags != nil {
			tags := cleanStrings(*opts.Tags)
			track("tags", strings.Join(item.Tags, ","), strings.Join(tags, ","))
			item.Tags = tags
		}
		if opts.IterationID != nil {
			if *opts.IterationID != "" {
				it, err := e.Repo.GetIteration(ctx, *opts.IterationID)
				if err != nil {
					return fmt.Errorf("iteration %s: %w", *opts.IterationID, err)
				}
				if it.ProjectID != item.ProjectID {
					return fmt.Errorf("iteration %s not in project %s", it.ID, item.ProjectID)
				}
			}
			track("iteration", item.IterationOrEmpty(), *opts.IterationID)
			item.IterationID = optionalString(*opts.IterationID)
		}
		if opts.Assignees != nil {
			assignees := cleanStrings(*opts.Assignees)
			if err := e.ensureAssignable(ctx, tx, assignees); err != nil {
				return err
			}
			track("assignedTo", strings.Join(item.Assignees, ","), strings.Join(assignees, ","))
			item.Assignees = assignees
		}
		if len(changes) == 0 {
			return nil
		}
		item.UpdatedAt = e.ts()
		item, err = e.Repo.UpdateWorkItemTx(ctx, tx, item)
		if err != nil {
			return err
		}
		for _, h := range changes {
			h.TS = item.UpdatedAt
			if err := e.Repo.InsertHistoryTx(ctx, tx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(changes) > 0 {
		fields := make([]string, 0, len(changes))
		for _, c := range changes {
			fields = append(fields, c.Field)
		}
		e.audit(ctx, events.Entry{Type: "work_item.updated", ProjectID: item.ProjectID, EntityKind: "work_item", EntityID: item.ID, ActorID: opts.ActorID,
			Description: "updated " + strings.Join(fields, ", "), Payload: events.Payload{"fields": fields}})
	}
	return item, nil
}

// GetWorkItem loads an item, with its history when requested.
func (e Engine) GetWorkItem(ctx context.Context, id string, withHistory bool) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return item, fmt.Errorf("work item %s: %w", id, err)
	}
	if withHistory {
		item.History, err = e.Repo.ListHistory(ctx, id)
		if err != nil {
			return item, err
		}
	}
	return item, nil
}

func (e Engine) ListHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetWorkItem(ctx, id); err != nil {
		return nil, fmt.Errorf("work item %s: %w", id, err)
	}
	return e.Repo.ListHistory(ctx, id)
}

func (e Engine) ensureAssignable(ctx context.Context, tx *sql.Tx, personIDs []string) error {
	for _, id := range personIDs {
		p, err := e.Repo.GetPersonTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("assignee %s: %w", id, err)
		}
		if !p.Active {
			return domain.ErrInactiveAssignee
		}
	}
	return nil
}

func validateTypeChange(item domain.WorkItem, to string) error {
	if !domain.ValidType(to) {
		return domain.NewPolicyError("invalid_type", "unknown work item type %s", to)
	}
	if item.ParentID != nil && to == domain.TypeEpic {
		return domain.ErrEpicChild
	}
	if item.ParentID == nil && to == domain.TypeSubtask {
		return domain.NewPolicyError("subtask_without_parent", "subtasks are created under a parent")
	}
	return nil
}

func validateEstimates(points, hours *float64) error {
	if points != nil && *points < 0 {
		return domain.NewPolicyError("invalid_estimate", "story points must be non-negative")
	}
	if hours != nil && *hours < 0 {
		return domain.NewPolicyError("invalid_estimate", "estimated hours must be non-negative")
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package balance

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"taskpulse/internal/domain"
	"taskpulse/internal/repo"
	"taskpulse/internal/workload"
)

// Scope selects the people a team-wide operation looks at. An empty scope
// means every active person.
type Scope struct {
	TeamID      string `json:"team_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	IterationID string `json:"iteration_id,omitempty"`
}

// Workload bands.
const (
	BandOverloaded    = "overloaded"
	BandBalanced      = "balanced"
	BandUnderutilized = "underutilized"
)

type PersonLoad struct {
	PersonID string            `json:"person_id"`
	Name     string            `json:"name"`
	Role     string            `json:"role"`
	OnLeave  bool              `json:"on_leave"`
	Band     string            `json:"band" enum:"overloaded,balanced,underutilized"`
	Snapshot workload.Snapshot `json:"snapshot"`
}

type TeamAnalysis struct {
	Scope           Scope        `json:"scope"`
	People          []PersonLoad `json:"people"`
	Overloaded      []string     `json:"overloaded"`
	Balanced        []string     `json:"balanced"`
	Underutilized   []string     `json:"underutilized"`
	AverageWorkload int          `json:"average_workload"`
	TS              string       `json:"ts" format:"date-time"`
}

func (s *Service) band(pct int) string {
	switch {
	case pct > s.settings.Workload.OverloadThreshold:
		return BandOverloaded
	case pct < s.settings.IdleThreshold:
		return BandUnderutilized
	default:
		return BandBalanced
	}
}

// scopePeople lists active people in scope. Project and iteration scopes
// are resolved through item assignments.
func (s *Service) scopePeople(ctx context.Context, scope Scope) ([]domain.Person, error) {
	if scope.IterationID != "" && scope.ProjectID == "" {
		return nil, domain.NewPolicyError("invalid_scope", "iteration scope requires a project")
	}
	f := repo.PeopleFilter{TeamID: scope.TeamID, ActiveOnly: true}
	if scope.ProjectID != "" {
		ids, err := s.store.ListAssigneeIDs(ctx, scope.ProjectID, scope.IterationID)
		if err != nil {
			return nil, fmt.Errorf("list people in scope: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		f.IDs = ids
	}
	people, err := s.store.ListPeople(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list people in scope: %w", err)
	}
	return people, nil
}

// snapshotAll computes every snapshot concurrently, at most MaxParallel at a
// time. Lookups degrade individually so the group never fails.
func (s *Service) snapshotAll(ctx context.Context, people []domain.Person, iterationID string) ([]workload.Snapshot, [][]domain.WorkItem) {
	snaps := make([]workload.Snapshot, len(people))
	items := make([][]domain.WorkItem, len(people))
	var g errgroup.Group
	limit := s.settings.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, p := range people {
		g.Go(func() error {
			snaps[i], items[i] = s.snapshot(ctx, p, iterationID)
			return nil
		})
	}
	_ = g.Wait()
	return snaps, items
}

// TeamAnalysis buckets everyone in scope by workload band.
func (s *Service) TeamAnalysis(ctx context.Context, scope Scope) (TeamAnalysis, error) {
	people, err := s.scopePeople(ctx, scope)
	if err != nil {
		return TeamAnalysis{}, err
	}
	res := TeamAnalysis{
		Scope:         scope,
		People:        []PersonLoad{},
		Overloaded:    []string{},
		Balanced:      []string{},
		Underutilized: []string{},
		TS:            s.ts(),
	}
	snaps, _ := s.snapshotAll(ctx, people, scope.IterationID)
	if err := ctx.Err(); err != nil {
		return TeamAnalysis{}, err
	}
	total := 0
	for i, p := range people {
		band := s.band(snaps[i].Percentage)
		res.People = append(res.People, PersonLoad{
			PersonID: p.ID,
			Name:     p.Name,
			Role:     p.Role,
			OnLeave:  p.OnLeave,
			Band:     band,
			Snapshot: snaps[i],
		})
		switch band {
		case BandOverloaded:
			res.Overloaded = append(res.Overloaded, p.ID)
		case BandUnderutilized:
			res.Underutilized = append(res.Underutilized, p.ID)
		default:
			res.Balanced = append(res.Balanced, p.ID)
		}
		total += snaps[i].Percentage
	}
	if len(people) > 0 {
		res.AverageWorkload = total / len(people)
	}
	return res, nil
}

type BatchEntry struct {
	WorkItemID     string          `json:"work_item_id"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type BatchResult struct {
	Items       []BatchEntry `json:"items"`
	Recommended int          `json:"recommended"`
	Failed      int          `json:"failed"`
}

// BatchAnalyze runs Recommend for each id. A failing item is reported in its
// entry; only cancellation stops the batch.
func (s *Service) BatchAnalyze(ctx context.Context, itemIDs []string) (BatchResult, error) {
	res := BatchResult{Items: make([]BatchEntry, 0, len(itemIDs))}
	for _, id := range itemIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := BatchEntry{WorkItemID: id}
		rec, err := s.Recommend(ctx, id)
		if err != nil {
			entry.Error = err.Error()
			res.Failed++
		} else {
			entry.Recommendation = &rec
			if rec.Success {
				res.Recommended++
			}
		}
		res.Items = append(res.Items, entry)
	}
	return res, nil
}

type PersonWorkload struct {
	Person   domain.Person     `json:"person"`
	Band     string            `json:"band"`
	Snapshot workload.Snapshot `json:"snapshot"`
	Items    []domain.WorkItem `json:"items"`
}

// PersonWorkload returns one person's snapshot and the items counted in it.
func (s *Service) PersonWorkload(ctx context.Context, personID, iterationID string) (PersonWorkload, error) {
	p, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return PersonWorkload{}, fmt.Errorf("load person %s: %w", personID, err)
	}
	snap, items := s.snapshot(ctx, p, iterationID)
	if items == nil {
		items = []domain.WorkItem{}
	}
	return PersonWorkload{Person: p, Band: s.band(snap.Percentage), Snapshot: snap, Items: items}, nil
}

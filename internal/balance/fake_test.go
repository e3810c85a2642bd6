package balance_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
	"taskpulse/internal/repo"
)

// fakeStore is an in-memory balance.Store with failure injection.
type fakeStore struct {
	mu        sync.Mutex
	people    map[string]domain.Person
	items     map[string]domain.WorkItem
	itemOrder []string
	writes    []repo.Reassignment

	// failWorkload makes ListActiveWorkItems fail for these people.
	failWorkload map[string]bool
	// onReassign runs before each reassignment is applied.
	onReassign func(repo.Reassignment)
	// reassignErr is returned by every reassignment when set.
	reassignErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		people:       map[string]domain.Person{},
		items:        map[string]domain.WorkItem{},
		failWorkload: map[string]bool{},
	}
}

func person(id, name, role string, skills ...string) domain.Person {
	return domain.Person{ID: id, Name: name, Role: role, Active: true, Skills: skills}
}

func (f *fakeStore) addPerson(p domain.Person) domain.Person {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.people[p.ID] = p
	return p
}

type itemOpt func(*domain.WorkItem)

func hours(h float64) itemOpt  { return func(w *domain.WorkItem) { w.EstimatedHours = &h } }
func tags(t ...string) itemOpt { return func(w *domain.WorkItem) { w.Tags = t } }
func prio(p string) itemOpt    { return func(w *domain.WorkItem) { w.Priority = p } }
func status(s string) itemOpt  { return func(w *domain.WorkItem) { w.Status = s } }
func iteration(id string) itemOpt {
	return func(w *domain.WorkItem) { w.IterationID = &id }
}

func (f *fakeStore) addItem(id, assignee string, opts ...itemOpt) domain.WorkItem {
	w := domain.WorkItem{
		ID:        id,
		ProjectID: "proj-1",
		Type:      domain.TypeTask,
		Title:     id,
		Status:    domain.StatusTodo,
		Priority:  domain.PriorityMedium,
		Tags:      []string{},
		Assignees: []string{},
		Version:   1,
	}
	if assignee != "" {
		w.Assignees = []string{assignee}
	}
	for _, opt := range opts {
		opt(&w)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = w
	f.itemOrder = append(f.itemOrder, id)
	return w
}

// addLoad gives personID n default-sized (5h) items in the iteration.
func (f *fakeStore) addLoad(personID string, n int, opts ...itemOpt) {
	for i := 0; i < n; i++ {
		f.addItem(fmt.Sprintf("%s-load-%d", personID, i), personID, opts...)
	}
}

func copyItem(w domain.WorkItem) domain.WorkItem {
	w.Assignees = append([]string(nil), w.Assignees...)
	w.Tags = append([]string(nil), w.Tags...)
	return w
}

func (f *fakeStore) item(id string) domain.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyItem(f.items[id])
}

func (f *fakeStore) reassignments() []repo.Reassignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repo.Reassignment(nil), f.writes...)
}

func (f *fakeStore) GetWorkItem(_ context.Context, id string) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.items[id]
	if !ok {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	return copyItem(w), nil
}

func (f *fakeStore) GetPerson(_ context.Context, id string) (domain.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.people[id]
	if !ok {
		return domain.Person{}, repo.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ListPeople(_ context.Context, filter repo.PeopleFilter) ([]domain.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = map[string]bool{}
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}
	var out []domain.Person
	for _, p := range f.people {
		switch {
		case ids != nil && !ids[p.ID]:
			continue
		case filter.TeamID != "" && (p.TeamID == nil || *p.TeamID != filter.TeamID):
			continue
		case filter.Role != "" && p.Role != filter.Role:
			continue
		case (filter.ActiveOnly || filter.Available) && !p.Active:
			continue
		case filter.Available && p.OnLeave:
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) ListActiveWorkItems(_ context.Context, assigneeID, iterationID string) ([]domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWorkload[assigneeID] {
		return nil, errors.New("store unavailable")
	}
	var out []domain.WorkItem
	for _, id := range f.itemOrder {
		w := f.items[id]
		if !domain.IsActive(w.Status) || !domain.ContainsFold(w.Assignees, assigneeID) {
			continue
		}
		if iterationID != "" && w.IterationOrEmpty() != iterationID {
			continue
		}
		out = append(out, copyItem(w))
	}
	return out, nil
}

func (f *fakeStore) ListAssigneeIDs(_ context.Context, projectID, iterationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, w := range f.items {
		if w.ProjectID != projectID {
			continue
		}
		if iterationID != "" && w.IterationOrEmpty() != iterationID {
			continue
		}
		for _, a := range w.Assignees {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ReassignWorkItem(_ context.Context, ra repo.Reassignment) (domain.WorkItem, error) {
	if f.onReassign != nil {
		f.onReassign(ra)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reassignErr != nil {
		return domain.WorkItem{}, f.reassignErr
	}
	w, ok := f.items[ra.WorkItemID]
	if !ok {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	if ra.ExpectedVersion != 0 && w.Version != ra.ExpectedVersion {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", w.ID, repo.ErrConflict)
	}
	w.Assignees = append([]string(nil), ra.Assignees...)
	w.Version++
	w.UpdatedAt = ra.TS
	f.items[w.ID] = w
	f.writes = append(f.writes, ra)
	return copyItem(w), nil
}

// countingMetrics counts the calls the tests assert on.
type countingMetrics struct {
	metrics.NopMetrics
	degraded     atomic.Int64
	reassigned   atomic.Int64
	skips        atomic.Int64
	rebalances   atomic.Int64
	auditFailure atomic.Int64
}

func (m *countingMetrics) RecordDegradedSnapshot()    { m.degraded.Add(1) }
func (m *countingMetrics) RecordReassignment(string)  { m.reassigned.Add(1) }
func (m *countingMetrics) RecordRebalanceSkip(string) { m.skips.Add(1) }
func (m *countingMetrics) RecordAuditFailure()        { m.auditFailure.Add(1) }
func (m *countingMetrics) RecordRebalance(float64, int, int, bool) {
	m.rebalances.Add(1)
}

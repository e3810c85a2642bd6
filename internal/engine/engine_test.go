package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/events"
	"taskpulse/internal/logging"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = logging.NewTest(t)
	ctx := context.Background()
	_, err = eng.InitProject(ctx, "proj-1", "Project One", "test", "tester")
	require.NoError(t, err)
	_, err = eng.CreateIteration(ctx, domain.Iteration{ID: "it-1", ProjectID: "proj-1", Name: "Sprint 1"}, "tester")
	require.NoError(t, err)
	_, err = eng.CreatePerson(ctx, engine.PersonCreateOptions{ID: "alice", Name: "Alice", Role: domain.RoleDeveloper, ActorID: "tester"})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) item(t *testing.T, id, typ string) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ID: id, ProjectID: "proj-1", IterationID: "it-1", Type: typ, Title: id, ActorID: "tester",
	})
	require.NoError(t, err)
	return it
}

func (env testEnv) child(t *testing.T, parentID, id string) domain.WorkItem {
	t.Helper()
	res, err := env.Engine.CreateChild(env.Ctx, parentID, engine.ChildCreateOptions{ID: id, Title: id}, "tester")
	require.NoError(t, err)
	return res.Item
}

func (env testEnv) status(t *testing.T, id string) string {
	t.Helper()
	it, err := env.Engine.Repo.GetWorkItem(env.Ctx, id)
	require.NoError(t, err)
	return it.Status
}

func TestEvaluateParentStatus(t *testing.T) {
	cases := []struct {
		name     string
		children []string
		want     string
	}{
		{"mixed", []string{"done", "in_progress", "todo"}, "in_progress"},
		{"all done", []string{"done", "done", "done"}, "done"},
		{"review wins over todo", []string{"done", "review", "todo"}, "review"},
		{"in progress wins over review", []string{"review", "in_progress"}, "in_progress"},
		{"all todo", []string{"todo", "todo"}, "todo"},
		{"blocked counts as not started", []string{"done", "blocked"}, "todo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := engine.EvaluateParentStatus(tc.children)
			require.True(t, ok)
			require.Equal(t, tc.want, got)
			again, _ := engine.EvaluateParentStatus(tc.children)
			require.Equal(t, got, again)
		})
	}
	_, ok := engine.EvaluateParentStatus(nil)
	require.False(t, ok)
}

func TestHasCycle(t *testing.T) {
	require.False(t, engine.HasCycle(map[string]string{"b": "a"}, "b"))
	require.True(t, engine.HasCycle(map[string]string{"a": "b", "b": "a"}, "a"))
	require.True(t, engine.HasCycle(map[string]string{"a": "a"}, "a"))
	require.False(t, engine.HasCycle(map[string]string{}, "x"))
}

func TestCreateChildInheritsAndAdvancesParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "story-1", domain.TypeStory)
	require.Equal(t, domain.StatusTodo, parent.Status)

	res, err := env.Engine.CreateChild(env.Ctx, parent.ID, engine.ChildCreateOptions{Title: "sub", Assignees: []string{"alice"}}, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.TypeSubtask, res.Item.Type)
	require.Equal(t, "proj-1", res.Item.ProjectID)
	require.Equal(t, "it-1", res.Item.IterationOrEmpty())
	require.Equal(t, []engine.StatusChange{{WorkItemID: parent.ID, From: "todo", To: "in_progress"}}, res.ParentChanges)
	require.Equal(t, domain.StatusInProgress, env.status(t, parent.ID))

	stored, err := env.Engine.Repo.GetWorkItem(env.Ctx, res.Item.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, stored.Assignees)
}

func TestCreateChildRejections(t *testing.T) {
	env := newTestEnv(t)
	epic := env.item(t, "epic-1", domain.TypeEpic)
	story := env.item(t, "story-1", domain.TypeStory)
	sub := env.child(t, story.ID, "sub-1")

	t.Run("epic parent", func(t *testing.T) {
		_, err := env.Engine.CreateChild(env.Ctx, epic.ID, engine.ChildCreateOptions{ID: "x1", Title: "x"}, "tester")
		require.ErrorIs(t, err, domain.ErrEpicParent)
	})
	t.Run("nesting depth", func(t *testing.T) {
		_, err := env.Engine.CreateChild(env.Ctx, sub.ID, engine.ChildCreateOptions{ID: "x2", Title: "x"}, "tester")
		require.ErrorIs(t, err, domain.ErrNestingDepth)
		var pe *domain.PolicyError
		require.True(t, errors.As(err, &pe))
		require.Equal(t, "nesting_depth", pe.Code)
	})
	t.Run("missing parent", func(t *testing.T) {
		_, err := env.Engine.CreateChild(env.Ctx, "nope", engine.ChildCreateOptions{ID: "x3", Title: "x"}, "tester")
		require.ErrorIs(t, err, repo.ErrNotFound)
	})
	for _, id := range []string{"x1", "x2", "x3"} {
		_, err := env.Engine.Repo.GetWorkItem(env.Ctx, id)
		require.ErrorIs(t, err, repo.ErrNotFound, "no item may be created on rejection")
	}
}

func TestUpdateChildStatusPropagates(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	c1 := env.child(t, parent.ID, "c1")
	c2 := env.child(t, parent.ID, "c2")
	c3 := env.child(t, parent.ID, "c3")

	res, err := env.Engine.UpdateChildStatus(env.Ctx, c1.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	// [done, todo, todo]: nothing active, so the parent falls back to todo.
	require.Equal(t, []engine.StatusChange{{WorkItemID: "p", From: "in_progress", To: "todo"}}, res.ParentChanges)

	res, err = env.Engine.UpdateChildStatus(env.Ctx, c2.ID, domain.StatusInProgress, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, env.status(t, parent.ID))

	res, err = env.Engine.UpdateChildStatus(env.Ctx, c2.ID, domain.StatusInProgress, "tester")
	require.NoError(t, err)
	require.Empty(t, res.ParentChanges, "re-running with unchanged children is a no-op")

	_, err = env.Engine.UpdateChildStatus(env.Ctx, c2.ID, domain.StatusReview, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, env.status(t, parent.ID))

	_, err = env.Engine.UpdateChildStatus(env.Ctx, c2.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	res, err = env.Engine.UpdateChildStatus(env.Ctx, c3.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	require.Equal(t, []engine.StatusChange{{WorkItemID: "p", From: "todo", To: "done"}}, res.ParentChanges)
	require.Equal(t, domain.StatusDone, env.status(t, parent.ID))

	_, err = env.Engine.UpdateChildStatus(env.Ctx, c3.ID, "finished", "tester")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)

	hist, err := env.Engine.ListHistory(env.Ctx, c3.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "status", hist[0].Field)
	require.Equal(t, "todo", hist[0].OldValue)
	require.Equal(t, "done", hist[0].NewValue)
}

func TestBlockedParentIsNotOverwritten(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	c := env.child(t, parent.ID, "c")
	_, err := env.Engine.UpdateChildStatus(env.Ctx, parent.ID, domain.StatusBlocked, "tester")
	require.NoError(t, err)
	_, err = env.Engine.UpdateChildStatus(env.Ctx, c.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBlocked, env.status(t, parent.ID))
}

func TestMoveChildDetachKeepsDoneParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	var kids []domain.WorkItem
	for _, id := range []string{"c1", "c2", "c3"} {
		kids = append(kids, env.child(t, parent.ID, id))
	}
	for _, k := range kids {
		_, err := env.Engine.UpdateChildStatus(env.Ctx, k.ID, domain.StatusDone, "tester")
		require.NoError(t, err)
	}
	require.Equal(t, domain.StatusDone, env.status(t, parent.ID))

	res, err := env.Engine.MoveChild(env.Ctx, "c3", "", "tester")
	require.NoError(t, err)
	require.Nil(t, res.Item.ParentID)
	require.Equal(t, domain.TypeTask, res.Item.Type)
	require.Empty(t, res.ParentChanges)
	require.Equal(t, domain.StatusDone, env.status(t, parent.ID))
}

func TestMoveChildReevaluatesBothParents(t *testing.T) {
	env := newTestEnv(t)
	a := env.item(t, "a", domain.TypeStory)
	b := env.item(t, "b", domain.TypeStory)
	a1 := env.child(t, a.ID, "a1")
	a2 := env.child(t, a.ID, "a2")
	_, err := env.Engine.UpdateChildStatus(env.Ctx, a1.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	_, err = env.Engine.UpdateChildStatus(env.Ctx, a2.ID, domain.StatusInProgress, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, env.status(t, a.ID))

	task := env.item(t, "t", domain.TypeTask)
	res, err := env.Engine.MoveChild(env.Ctx, a2.ID, b.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, "b", *res.Item.ParentID)
	require.Equal(t, domain.StatusDone, env.status(t, a.ID))
	require.Equal(t, domain.StatusInProgress, env.status(t, b.ID))

	res, err = env.Engine.MoveChild(env.Ctx, task.ID, b.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.TypeSubtask, res.Item.Type)

	_, err = env.Engine.CreateIteration(env.Ctx, domain.Iteration{ID: "it-2", ProjectID: "proj-1", Name: "Sprint 2"}, "tester")
	require.NoError(t, err)
	next, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ID: "next", ProjectID: "proj-1", IterationID: "it-2", Type: domain.TypeStory, Title: "next", ActorID: "tester",
	})
	require.NoError(t, err)
	res, err = env.Engine.MoveChild(env.Ctx, task.ID, next.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, "it-2", res.Item.IterationOrEmpty())
	stored, err := env.Engine.Repo.GetWorkItem(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "it-2", stored.IterationOrEmpty())
	history, err := env.Engine.ListHistory(env.Ctx, task.ID)
	require.NoError(t, err)
	var moved bool
	for _, h := range history {
		if h.Field == "iteration" {
			moved = h.OldValue == "it-1" && h.NewValue == "it-2"
		}
	}
	require.True(t, moved)
}

func TestMoveChildRejections(t *testing.T) {
	env := newTestEnv(t)
	epic := env.item(t, "epic", domain.TypeEpic)
	story := env.item(t, "story", domain.TypeStory)
	other := env.item(t, "other", domain.TypeStory)
	sub := env.child(t, story.ID, "sub")
	loose := env.item(t, "loose", domain.TypeTask)

	_, err := env.Engine.MoveChild(env.Ctx, loose.ID, epic.ID, "tester")
	require.ErrorIs(t, err, domain.ErrEpicParent)
	_, err = env.Engine.MoveChild(env.Ctx, epic.ID, other.ID, "tester")
	require.ErrorIs(t, err, domain.ErrEpicChild)
	_, err = env.Engine.MoveChild(env.Ctx, loose.ID, sub.ID, "tester")
	require.ErrorIs(t, err, domain.ErrNestingDepth)
	_, err = env.Engine.MoveChild(env.Ctx, story.ID, other.ID, "tester")
	require.ErrorIs(t, err, domain.ErrNestingDepth, "an item with children cannot become a child")
	_, err = env.Engine.MoveChild(env.Ctx, loose.ID, loose.ID, "tester")
	require.ErrorIs(t, err, domain.ErrParentCycle)
	_, err = env.Engine.MoveChild(env.Ctx, loose.ID, "missing", "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, loose.ID)
	require.NoError(t, err)
	require.Nil(t, got.ParentID)
}

func TestDeleteWorkItem(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	c1 := env.child(t, parent.ID, "c1")
	c2 := env.child(t, parent.ID, "c2")
	_, err := env.Engine.UpdateChildStatus(env.Ctx, c1.ID, domain.StatusDone, "tester")
	require.NoError(t, err)

	_, err = env.Engine.DeleteWorkItem(env.Ctx, parent.ID, "tester")
	require.ErrorIs(t, err, domain.ErrHasChildren)
	_, err = env.Engine.Repo.GetWorkItem(env.Ctx, parent.ID)
	require.NoError(t, err, "guarded delete must not remove anything")

	res, err := env.Engine.DeleteWorkItem(env.Ctx, c2.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, []engine.StatusChange{{WorkItemID: "p", From: "todo", To: "done"}}, res.ParentChanges)

	_, err = env.Engine.DeleteWorkItem(env.Ctx, c2.ID, "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestBulkUpdateEvaluatesParentOnce(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	for _, id := range []string{"c1", "c2", "c3"} {
		env.child(t, parent.ID, id)
	}
	res, err := env.Engine.BulkUpdateChildrenStatus(env.Ctx, parent.ID, domain.StatusDone, "tester")
	require.NoError(t, err)
	require.Equal(t, 3, res.Updated)
	require.Equal(t, domain.StatusDone, res.Parent.Status)
	require.Len(t, res.ParentChanges, 1)

	hist, err := env.Engine.ListHistory(env.Ctx, parent.ID)
	require.NoError(t, err)
	// todo->in_progress on first child, then a single in_progress->done.
	require.Len(t, hist, 2)
	require.Equal(t, "done", hist[1].NewValue)

	_, err = env.Engine.BulkUpdateChildrenStatus(env.Ctx, parent.ID, "nope", "tester")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestParentWriteFailureRollsBackChild(t *testing.T) {
	env := newTestEnv(t)
	parent := env.item(t, "p", domain.TypeStory)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_parent BEFORE UPDATE ON work_items WHEN NEW.id='p' BEGIN SELECT RAISE(ABORT, 'parent write failed'); END;`)
	require.NoError(t, err)

	_, err = env.Engine.CreateChild(env.Ctx, parent.ID, engine.ChildCreateOptions{ID: "orphan", Title: "x"}, "tester")
	require.Error(t, err)
	_, err = env.Engine.Repo.GetWorkItem(env.Ctx, "orphan")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.Equal(t, domain.StatusTodo, env.status(t, parent.ID))
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.Engine.Audit = events.RecorderFunc(func(context.Context, events.Entry) error {
		calls++
		return errors.New("audit store down")
	})
	parent := env.item(t, "p", domain.TypeStory)
	_, err := env.Engine.CreateChild(env.Ctx, parent.ID, engine.ChildCreateOptions{Title: "c"}, "tester")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, domain.StatusInProgress, env.status(t, parent.ID))
}

func TestUpdateWorkItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePerson(env.Ctx, engine.PersonCreateOptions{ID: "bob", Name: "Bob", ActorID: "tester"})
	require.NoError(t, err)
	it := env.item(t, "t", domain.TypeTask)

	assignees := []string{"alice", "bob"}
	title := "renamed"
	updated, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: it.ID, Title: &title, Assignees: &assignees, ActorID: "tester", ExpectedVersion: it.Version})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, updated.Assignees)
	require.Equal(t, it.Version+1, updated.Version)

	_, err = env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: it.ID, Title: &title, ExpectedVersion: it.Version})
	require.ErrorIs(t, err, repo.ErrConflict)

	inactive := false
	_, err = env.Engine.UpdatePerson(env.Ctx, engine.PersonUpdateOptions{ID: "bob", Active: &inactive})
	require.NoError(t, err)
	only := []string{"bob"}
	_, err = env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: it.ID, Assignees: &only})
	require.ErrorIs(t, err, domain.ErrInactiveAssignee)

	epic := domain.TypeEpic
	sub := env.child(t, "t", "t-sub")
	_, err = env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: sub.ID, Type: &epic})
	require.ErrorIs(t, err, domain.ErrEpicChild)

	hist, err := env.Engine.ListHistory(env.Ctx, it.ID)
	require.NoError(t, err)
	fields := []string{}
	for _, h := range hist {
		fields = append(fields, h.Field)
	}
	require.Contains(t, fields, "title")
	require.Contains(t, fields, "assignedTo")
}

func TestNestingInvariantHoldsUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"i0", "i1", "i2", "i3", "i4", "i5"}
	for _, id := range ids {
		env.item(t, id, domain.TypeStory)
	}
	rng := rand.New(rand.NewSource(7))
	next := 0
	for step := 0; step < 60; step++ {
		a := ids[rng.Intn(len(ids))]
		b := ids[rng.Intn(len(ids))]
		if rng.Intn(3) == 0 {
			id := "n" + string(rune('a'+next%26)) + string(rune('a'+next/26))
			next++
			if _, err := env.Engine.CreateChild(env.Ctx, a, engine.ChildCreateOptions{ID: id, Title: id}, "tester"); err == nil {
				ids = append(ids, id)
			}
			continue
		}
		if rng.Intn(4) == 0 {
			b = ""
		}
		_, _ = env.Engine.MoveChild(env.Ctx, a, b, "tester")
	}

	all, err := env.Engine.Repo.ListWorkItems(env.Ctx, repo.WorkItemFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	byID := map[string]domain.WorkItem{}
	for _, it := range all {
		byID[it.ID] = it
	}
	for _, it := range all {
		if it.ParentID == nil {
			continue
		}
		parent, ok := byID[*it.ParentID]
		require.True(t, ok)
		require.Nil(t, parent.ParentID, "depth must stay <= 1 (%s under %s)", it.ID, parent.ID)
		require.NotEqual(t, domain.TypeEpic, it.Type)
	}
}

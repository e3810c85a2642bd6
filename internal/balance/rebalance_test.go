package balance_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/balance"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/events"
	"taskpulse/internal/logging"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

var sprint = balance.Scope{ProjectID: "proj-1", IterationID: "it-1"}

// idle adds a person with no active load who still shows up in it-1.
func idle(f *fakeStore, id, name string, skills ...string) {
	f.addPerson(person(id, name, domain.RoleDeveloper, skills...))
	f.addItem(id+"-done", id, iteration("it-1"), status(domain.StatusDone))
}

func TestRebalanceNoIdleTeammates(t *testing.T) {
	f := newFakeStore()
	overloadedAlice(f)
	f.addPerson(person("bob", "Bob", domain.RoleDeveloper, "go"))
	f.addItem("b1", "bob", iteration("it-1"), hours(16))
	f.addPerson(person("carol", "Carol", domain.RoleDeveloper, "go"))
	f.addItem("c1", "carol", iteration("it-1"), hours(20))

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 0, res.Rebalanced)
	require.Empty(t, res.Reassignments)
	require.Equal(t, []balance.Skip{{PersonID: "alice", Reason: balance.SkipNoTeammates}}, res.Skipped)
	require.False(t, res.Partial)
	require.Empty(t, f.reassignments())
}

func TestRebalanceMovesBestSkillMatch(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go", "sql"))
	f.addItem("high", "alice", iteration("it-1"), prio(domain.PriorityHigh), hours(15), tags("sql"))
	f.addItem("med", "alice", iteration("it-1"), hours(10), tags("sql"))
	f.addItem("low", "alice", iteration("it-1"), prio(domain.PriorityLow), hours(5), tags("go"))
	f.addItem("review", "alice", iteration("it-1"), status(domain.StatusReview), prio(domain.PriorityLowest), hours(1))
	idle(f, "bob", "Bob", "go")
	idle(f, "carol", "Carol", "go", "react")
	var recorded []events.Entry
	audit := events.RecorderFunc(func(_ context.Context, e events.Entry) error {
		recorded = append(recorded, e)
		return nil
	})

	res, err := newService(t, f, balance.WithAudit(audit)).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 1, res.Rebalanced)
	require.Len(t, res.Reassignments, 1)

	mv := res.Reassignments[0]
	require.Equal(t, "low", mv.WorkItemID)
	require.Equal(t, "Alice", mv.FromName)
	require.Equal(t, "Bob", mv.ToName)
	require.Equal(t, 100, mv.SkillMatch)
	require.False(t, mv.Fallback)
	require.Equal(t, 78, mv.FromBefore)
	require.Equal(t, 65, mv.FromAfter)
	require.Equal(t, 0, mv.ToBefore)
	require.Equal(t, 12, mv.ToAfter)
	require.Contains(t, mv.Narrative, "Alice (78% -> 65%)")

	require.Equal(t, []string{"bob"}, f.item("low").Assignees)
	writes := f.reassignments()
	require.Len(t, writes, 1)
	require.Equal(t, "workload rebalance", writes[0].Reason)
	require.Equal(t, "pm-1", writes[0].ActorID)
	require.Len(t, recorded, 1)
	require.Equal(t, "work_item.rebalanced", recorded[0].Type)
}

func TestRebalanceFallsBackToLeastLoaded(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go"))
	f.addLoad("alice", 4, iteration("it-1"), tags("rust"))
	f.addItem("first", "alice", iteration("it-1"), prio(domain.PriorityLow), tags("rust"))
	f.addPerson(person("bob", "Bob", domain.RoleDeveloper, "go"))
	f.addItem("b1", "bob", iteration("it-1"), hours(4))
	idle(f, "carol", "Carol", "go")

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Len(t, res.Reassignments, 1)
	mv := res.Reassignments[0]
	require.True(t, mv.Fallback)
	require.Equal(t, "first", mv.WorkItemID)
	require.Equal(t, "carol", mv.ToID)
	require.Equal(t, 0, mv.SkillMatch)
}

func TestRebalanceOneMovePerPersonAndUpdatesLoad(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go"))
	f.addItem("a-low", "alice", iteration("it-1"), prio(domain.PriorityLow), hours(14), tags("go"))
	f.addItem("a-med", "alice", iteration("it-1"), hours(16), tags("go"))
	f.addPerson(person("dan", "Dan", domain.RoleDeveloper, "go"))
	f.addItem("d1", "dan", iteration("it-1"), hours(28), tags("go"))
	idle(f, "bob", "Bob", "go")

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 1, res.Rebalanced)
	require.Equal(t, "a-low", res.Reassignments[0].WorkItemID)
	require.Equal(t, 35, res.Reassignments[0].ToAfter)
	// Bob is no longer below the idle bound once Alice's item landed.
	require.Equal(t, []balance.Skip{{PersonID: "dan", Reason: balance.SkipNoTeammates}}, res.Skipped)
	require.Equal(t, []string{"alice"}, f.item("a-med").Assignees)
}

func TestRebalanceSkipsDonorWithoutReassignableItems(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go"))
	f.addLoad("alice", 5, iteration("it-1"), status(domain.StatusReview))
	idle(f, "bob", "Bob", "go")

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 0, res.Rebalanced)
	require.Equal(t, []balance.Skip{{PersonID: "alice", Reason: balance.SkipNoItems}}, res.Skipped)
}

func TestRebalanceDegradedSnapshotsNeverFail(t *testing.T) {
	f := newFakeStore()
	overloadedAlice(f)
	idle(f, "bob", "Bob", "go")
	f.failWorkload["alice"] = true
	m := &countingMetrics{}

	res, err := newService(t, f, balance.WithMetrics(m)).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 0, res.Rebalanced)
	require.Equal(t, int64(1), m.degraded.Load())
	require.Equal(t, int64(1), m.rebalances.Load())
}

func TestRebalanceNeverTargetsDegradedTeammate(t *testing.T) {
	f := newFakeStore()
	overloadedAlice(f)
	f.addPerson(person("bob", "Bob", domain.RoleDeveloper, "go"))
	f.addLoad("bob", 6, iteration("it-1"), tags("go"))
	f.failWorkload["bob"] = true

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 0, res.Rebalanced)
	require.Empty(t, res.Reassignments)
	require.Equal(t, []balance.Skip{{PersonID: "alice", Reason: balance.SkipNoTeammates}}, res.Skipped)
	require.Empty(t, f.reassignments())
}

func TestRebalanceWriteFailuresAreSkipped(t *testing.T) {
	f := newFakeStore()
	overloadedAlice(f)
	idle(f, "bob", "Bob", "go")
	f.reassignErr = fmt.Errorf("disk full")

	res, err := newService(t, f).RebalanceTeam(context.Background(), sprint, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 0, res.Rebalanced)
	require.Equal(t, []balance.Skip{{PersonID: "alice", Reason: balance.SkipWriteFailed}}, res.Skipped)
}

func TestRebalanceCancelledMidPassIsPartial(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go"))
	f.addLoad("alice", 6, iteration("it-1"), tags("go"))
	f.addPerson(person("dan", "Dan", domain.RoleDeveloper, "go"))
	f.addLoad("dan", 6, iteration("it-1"), tags("go"))
	idle(f, "bob", "Bob", "go")
	idle(f, "carol", "Carol", "go")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onReassign = func(repo.Reassignment) { cancel() }

	res, err := newService(t, f).RebalanceTeam(ctx, sprint, "pm-1")
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Equal(t, 1, res.Rebalanced)
	require.Equal(t, "alice", res.Reassignments[0].FromID)
	require.Len(t, f.reassignments(), 1)
}

func TestConcurrentRebalanceNeverMovesAnItemTwice(t *testing.T) {
	f := newFakeStore()
	f.addPerson(person("alice", "Alice", domain.RoleDeveloper, "go"))
	f.addLoad("alice", 6, iteration("it-1"), tags("go"))
	f.addPerson(person("dan", "Dan", domain.RoleDeveloper, "go"))
	f.addLoad("dan", 6, iteration("it-1"), tags("go"))
	idle(f, "bob", "Bob", "go")
	idle(f, "carol", "Carol", "go")
	idle(f, "erin", "Erin", "go")

	claims := balance.NewClaims()
	const passes = 8
	results := make([]balance.RebalanceResult, passes)
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := balance.New(f, balance.DefaultSettings(), balance.WithClaims(claims))
			res, err := svc.RebalanceTeam(context.Background(), sprint, fmt.Sprintf("pass-%d", i))
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	moved := map[string]int{}
	total := 0
	for _, res := range results {
		for _, mv := range res.Reassignments {
			moved[mv.WorkItemID]++
			total++
		}
	}
	require.NotZero(t, total)
	for id, n := range moved {
		require.Equal(t, 1, n, "item %s moved %d times", id, n)
		require.Equal(t, int64(2), f.item(id).Version)
	}
	require.Len(t, f.reassignments(), total)
}

func TestClaims(t *testing.T) {
	c := balance.NewClaims()
	require.True(t, c.TryClaim("w1"))
	require.False(t, c.TryClaim("w1"))
	require.True(t, c.TryClaim("w2"))
	c.Release("w1")
	require.True(t, c.TryClaim("w1"))
}

func TestRebalanceAgainstSQLite(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	now := func() time.Time { return time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC) }
	eng := engine.New(conn)
	eng.Now = now
	ctx := context.Background()
	_, err = eng.InitProject(ctx, "proj-1", "Project One", "", "tester")
	require.NoError(t, err)
	for _, p := range []engine.PersonCreateOptions{
		{ID: "alice", Name: "Alice", Role: domain.RoleDeveloper, Skills: []string{"go"}},
		{ID: "bob", Name: "Bob", Role: domain.RoleDeveloper, Skills: []string{"go"}},
	} {
		p.ActorID = "tester"
		_, err := eng.CreatePerson(ctx, p)
		require.NoError(t, err)
	}
	six := 6.0
	for i := 0; i < 5; i++ {
		opts := engine.WorkItemCreateOptions{
			ID: fmt.Sprintf("w%d", i), ProjectID: "proj-1", Title: fmt.Sprintf("item %d", i),
			EstimatedHours: &six, Tags: []string{"go"}, Assignees: []string{"alice"}, ActorID: "tester",
		}
		if i == 3 {
			opts.Priority = domain.PriorityLowest
		}
		_, err := eng.CreateWorkItem(ctx, opts)
		require.NoError(t, err)
	}

	r := repo.Repo{DB: conn}
	svc := balance.New(r, balance.DefaultSettings(),
		balance.WithLogger(logging.NewTest(t)),
		balance.WithAudit(events.Writer{DB: conn, Now: now}),
		balance.WithClock(now))
	res, err := svc.RebalanceTeam(ctx, balance.Scope{}, "pm-1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 1, res.Rebalanced)
	require.Equal(t, "w3", res.Reassignments[0].WorkItemID)

	item, err := r.GetWorkItem(ctx, "w3")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, item.Assignees)
	require.Equal(t, int64(2), item.Version)

	hist, err := r.ListHistory(ctx, "w3")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	require.Equal(t, "assignedTo", last.Field)
	require.Equal(t, "alice", last.OldValue)
	require.Equal(t, "bob", last.NewValue)
	require.Equal(t, "workload rebalance", last.Reason)

	evts, err := r.LatestEvents(ctx, repo.EventFilter{Type: "work_item.rebalanced"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "w3", evts[0].EntityID)
}

package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/repo"
	"taskpulse/internal/workload"
)

// Move is one reassignment made by a rebalance pass.
type Move struct {
	WorkItemID string `json:"work_item_id"`
	Title      string `json:"title"`
	FromID     string `json:"from_id"`
	FromName   string `json:"from_name"`
	ToID       string `json:"to_id"`
	ToName     string `json:"to_name"`
	SkillMatch int    `json:"skill_match"`
	// Fallback is set when no pair beat the skill ratio and the least
	// loaded teammate was used instead.
	Fallback   bool   `json:"fallback"`
	FromBefore int    `json:"from_before"`
	FromAfter  int    `json:"from_after"`
	ToBefore   int    `json:"to_before"`
	ToAfter    int    `json:"to_after"`
	Narrative  string `json:"narrative"`
}

type Skip struct {
	PersonID string `json:"person_id"`
	Reason   string `json:"reason"`
}

type RebalanceResult struct {
	Scope         Scope  `json:"scope"`
	Processed     int    `json:"processed"`
	Rebalanced    int    `json:"rebalanced"`
	Reassignments []Move `json:"reassignments"`
	Skipped       []Skip `json:"skipped"`
	// Partial is set when the context ended before every overloaded person
	// was visited.
	Partial bool   `json:"partial"`
	TS      string `json:"ts" format:"date-time"`
}

// Skip reasons.
const (
	SkipNoItems     = "no_reassignable_items"
	SkipNoTeammates = "no_eligible_teammates"
	SkipClaimed     = "claimed"
	SkipConflict    = "conflict"
	SkipWriteFailed = "write_failed"
)

type member struct {
	person domain.Person
	snap   workload.Snapshot
	items  []domain.WorkItem
}

// RebalanceTeam moves at most one item from each overloaded person in scope
// to an idle teammate who shares a skill. Only listing the people in scope
// can fail; everything after that is skipped or reported as partial.
func (s *Service) RebalanceTeam(ctx context.Context, scope Scope, actorID string) (RebalanceResult, error) {
	start := s.now()
	people, err := s.scopePeople(ctx, scope)
	if err != nil {
		return RebalanceResult{}, err
	}
	res := RebalanceResult{
		Scope:         scope,
		Processed:     len(people),
		Reassignments: []Move{},
		Skipped:       []Skip{},
		TS:            s.ts(),
	}
	defer func() {
		s.metrics.RecordRebalance(s.now().Sub(start).Seconds(), res.Processed, res.Rebalanced, res.Partial)
		s.logger.Info("rebalance pass finished", "processed", res.Processed, "rebalanced", res.Rebalanced, "skipped", len(res.Skipped), "partial", res.Partial)
	}()

	snaps, items := s.snapshotAll(ctx, people, scope.IterationID)
	if ctx.Err() != nil {
		res.Partial = true
		return res, nil
	}
	team := make([]*member, len(people))
	for i, p := range people {
		team[i] = &member{person: p, snap: snaps[i], items: items[i]}
	}

	var donors []*member
	for _, m := range team {
		if m.snap.Percentage > s.settings.Workload.OverloadThreshold {
			donors = append(donors, m)
		}
	}
	sort.SliceStable(donors, func(i, j int) bool {
		return donors[i].snap.Percentage > donors[j].snap.Percentage
	})

	for _, donor := range donors {
		if ctx.Err() != nil {
			res.Partial = true
			break
		}
		move, reason := s.rebalanceOne(ctx, donor, team, actorID)
		if reason != "" {
			if ctx.Err() != nil {
				res.Partial = true
				break
			}
			res.Skipped = append(res.Skipped, Skip{PersonID: donor.person.ID, Reason: reason})
			s.metrics.RecordRebalanceSkip(reason)
			s.logger.Debug("rebalance skipped person", "person_id", donor.person.ID, "reason", reason)
			continue
		}
		res.Reassignments = append(res.Reassignments, move)
		res.Rebalanced++
	}
	return res, nil
}

// rebalanceOne tries a single move away from donor. It returns a skip
// reason instead of a move when nothing was written.
func (s *Service) rebalanceOne(ctx context.Context, donor *member, team []*member, actorID string) (Move, string) {
	candidates := s.reassignable(donor)
	if len(candidates) == 0 {
		return Move{}, SkipNoItems
	}
	var receivers []*member
	for _, m := range team {
		if m == donor || !m.person.Available() {
			continue
		}
		if !workload.SharesSkill(donor.person.Skills, m.person.Skills) {
			continue
		}
		// A degraded snapshot reads as 0% but the real load is unknown.
		if m.snap.Degraded || m.snap.Percentage >= s.settings.IdleThreshold {
			continue
		}
		receivers = append(receivers, m)
	}
	if len(receivers) == 0 {
		return Move{}, SkipNoTeammates
	}

	item, to, ratio := candidates[0], receivers[0], -1.0
	for _, it := range candidates {
		for _, r := range receivers {
			if got := workload.SkillRatio(it.Tags, r.person.Skills); got > ratio {
				item, to, ratio = it, r, got
			}
		}
	}
	fallback := ratio <= s.settings.MinSkillRatio
	if fallback {
		item = candidates[0]
		to = receivers[0]
		for _, r := range receivers[1:] {
			if r.snap.Percentage < to.snap.Percentage {
				to = r
			}
		}
	}

	if !s.claims.TryClaim(item.ID) {
		return Move{}, SkipClaimed
	}
	defer s.claims.Release(item.ID)

	_, err := s.store.ReassignWorkItem(ctx, repo.Reassignment{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		Assignees:       swapAssignee(item.Assignees, donor.person.ID, to.person.ID),
		ActorID:         actorID,
		Reason:          "workload rebalance",
		TS:              s.ts(),
	})
	switch {
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrNotFound):
		return Move{}, SkipConflict
	case err != nil:
		s.logger.Warn("rebalance write failed", "work_item_id", item.ID, "error", err)
		return Move{}, SkipWriteFailed
	}

	hours := workload.ItemHours(item, s.settings.Workload)
	move := Move{
		WorkItemID: item.ID,
		Title:      item.Title,
		FromID:     donor.person.ID,
		FromName:   donor.person.Name,
		ToID:       to.person.ID,
		ToName:     to.person.Name,
		SkillMatch: workload.MatchSkills(item.Tags, to.person.Skills),
		Fallback:   fallback,
		FromBefore: donor.snap.Percentage,
		ToBefore:   to.snap.Percentage,
	}
	donor.snap = donor.snap.Apply(-hours, -1, s.settings.Workload)
	to.snap = to.snap.Apply(hours, 1, s.settings.Workload)
	donor.items = removeItem(donor.items, item.ID)
	to.items = append(to.items, item)
	move.FromAfter = donor.snap.Percentage
	move.ToAfter = to.snap.Percentage
	move.Narrative = fmt.Sprintf("moved %q (%.1fh) from %s (%d%% -> %d%%) to %s (%d%% -> %d%%)",
		item.Title, hours, move.FromName, move.FromBefore, move.FromAfter, move.ToName, move.ToBefore, move.ToAfter)

	s.metrics.RecordReassignment("rebalance")
	s.record(ctx, events.Entry{
		Type:        "work_item.rebalanced",
		ProjectID:   item.ProjectID,
		EntityKind:  "work_item",
		EntityID:    item.ID,
		ActorID:     actorID,
		Description: move.Narrative,
		Payload: events.Payload{
			"from":     move.FromID,
			"to":       move.ToID,
			"fallback": move.Fallback,
		},
	})
	return move, ""
}

// reassignable lists the donor's todo and in-progress items, lowest
// priority first, then smallest estimate.
func (s *Service) reassignable(donor *member) []domain.WorkItem {
	var out []domain.WorkItem
	for _, it := range donor.items {
		if it.Status != domain.StatusTodo && it.Status != domain.StatusInProgress {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := domain.PriorityRank(out[i].Priority), domain.PriorityRank(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return workload.ItemHours(out[i], s.settings.Workload) < workload.ItemHours(out[j], s.settings.Workload)
	})
	return out
}

func swapAssignee(assignees []string, from, to string) []string {
	out := make([]string, 0, len(assignees))
	seen := map[string]bool{}
	for _, id := range assignees {
		if id == from {
			id = to
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if !seen[to] {
		out = append(out, to)
	}
	return out
}

func removeItem(items []domain.WorkItem, id string) []domain.WorkItem {
	out := items[:0:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

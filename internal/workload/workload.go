// Package workload holds the pure scoring functions behind reassignment:
// per-person workload snapshots, skill overlap and candidate scoring.
package workload

import (
	"math"

	"taskpulse/internal/domain"
)

// Settings tunes the workload calculation.
type Settings struct {
	OverloadThreshold    int
	DefaultCapacityHours float64
	DefaultItemHours     float64
	HoursPerStoryPoint   float64
}

func DefaultSettings() Settings {
	return Settings{
		OverloadThreshold:    60,
		DefaultCapacityHours: 40,
		DefaultItemHours:     5,
		HoursPerStoryPoint:   2,
	}
}

// Snapshot is the derived workload of one person. It is never persisted.
type Snapshot struct {
	PersonID      string  `json:"person_id"`
	ActiveItems   int     `json:"active_items"`
	TotalHours    float64 `json:"total_hours"`
	CapacityHours float64 `json:"capacity_hours"`
	Percentage    int     `json:"workload_percentage"`
	Overloaded    bool    `json:"overloaded"`
	// Degraded marks a zero snapshot returned because the items could not
	// be loaded.
	Degraded bool `json:"degraded,omitempty"`
}

// ItemHours is the effort an item adds to its assignee's load.
func ItemHours(it domain.WorkItem, s Settings) float64 {
	if it.EstimatedHours != nil && *it.EstimatedHours > 0 {
		return *it.EstimatedHours
	}
	if it.StoryPoints != nil && *it.StoryPoints > 0 {
		return *it.StoryPoints * s.HoursPerStoryPoint
	}
	return s.DefaultItemHours
}

// Capacity returns the person's hours per iteration, falling back to the
// configured default when unset or non-positive.
func Capacity(p domain.Person, s Settings) float64 {
	if p.CapacityHours != nil && *p.CapacityHours > 0 {
		return *p.CapacityHours
	}
	if s.DefaultCapacityHours > 0 {
		return s.DefaultCapacityHours
	}
	return 40
}

// Calculate computes a snapshot for p over items. Items already done are
// ignored so callers may pass an unfiltered list.
func Calculate(p domain.Person, items []domain.WorkItem, s Settings) Snapshot {
	snap := Snapshot{PersonID: p.ID, CapacityHours: Capacity(p, s)}
	for _, it := range items {
		if !domain.IsActive(it.Status) {
			continue
		}
		snap.ActiveItems++
		snap.TotalHours += ItemHours(it, s)
	}
	snap.Percentage = Percentage(snap.TotalHours, snap.CapacityHours)
	snap.Overloaded = snap.Percentage > s.OverloadThreshold
	return snap
}

// Percentage rounds hours/capacity to a whole percent, ties to even.
func Percentage(hours, capacity float64) int {
	if capacity <= 0 {
		return 0
	}
	return int(math.RoundToEven(hours / capacity * 100))
}

// Degraded returns the zero snapshot used when a person's items are
// unavailable.
func Degraded(p domain.Person, s Settings) Snapshot {
	return Snapshot{PersonID: p.ID, CapacityHours: Capacity(p, s), Degraded: true}
}

// Apply returns snap with delta hours added (negative to remove) and the
// derived fields recomputed.
func (snap Snapshot) Apply(deltaHours float64, deltaItems int, s Settings) Snapshot {
	snap.TotalHours += deltaHours
	if snap.TotalHours < 0 {
		snap.TotalHours = 0
	}
	snap.ActiveItems += deltaItems
	if snap.ActiveItems < 0 {
		snap.ActiveItems = 0
	}
	snap.Percentage = Percentage(snap.TotalHours, snap.CapacityHours)
	snap.Overloaded = snap.Percentage > s.OverloadThreshold
	return snap
}

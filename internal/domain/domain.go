package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Iteration struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"planned,active,closed"`
	StartsAt  *string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt    *string `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Person is read-only to the balancing core; HR/profile updates own it.
type Person struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email,omitempty"`
	Role          string   `json:"role" enum:"admin,project_manager,team_lead,developer,designer,qa"`
	TeamID        *string  `json:"team_id,omitempty"`
	Active        bool     `json:"active"`
	OnLeave       bool     `json:"on_leave"`
	Skills        []string `json:"skills"`
	CapacityHours *float64 `json:"capacity_hours,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Available reports whether the person can receive new work.
func (p Person) Available() bool {
	return p.Active && !p.OnLeave
}

type WorkItem struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	IterationID    *string        `json:"iteration_id,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"`
	Type           string         `json:"type" enum:"story,task,bug,epic,subtask"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status" enum:"todo,in_progress,review,done,blocked"`
	Priority       string         `json:"priority" enum:"lowest,low,medium,high,highest"`
	StoryPoints    *float64       `json:"story_points,omitempty"`
	EstimatedHours *float64       `json:"estimated_hours,omitempty"`
	Tags           []string       `json:"tags"`
	Assignees      []string       `json:"assignees"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	History        []HistoryEntry `json:"history,omitempty"`
}

// PrimaryAssignee returns the first assignee, or "" when unassigned.
func (w WorkItem) PrimaryAssignee() string {
	if len(w.Assignees) == 0 {
		return ""
	}
	return w.Assignees[0]
}

func (w WorkItem) IterationOrEmpty() string {
	if w.IterationID == nil {
		return ""
	}
	return *w.IterationID
}

// HistoryEntry is one append-only field change on a work item.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Field      string `json:"field"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	PersonID  string `json:"person_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

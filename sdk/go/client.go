// Package taskpulsesdk is a small client for the taskpulse HTTP API.
package taskpulsesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskpulse HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	IterationID    *string  `json:"iteration_id,omitempty"`
	ParentID       *string  `json:"parent_id,omitempty"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags"`
	Assignees      []string `json:"assignees"`
	Version        int64    `json:"version"`
}

// NewWorkItem is the body of CreateWorkItem.
type NewWorkItem struct {
	ID             string   `json:"id,omitempty"`
	ProjectID      string   `json:"project_id"`
	IterationID    string   `json:"iteration_id,omitempty"`
	Type           string   `json:"type,omitempty"`
	Title          string   `json:"title"`
	Priority       string   `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
}

type StatusChange struct {
	WorkItemID string `json:"work_item_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// HierarchyResult is returned by writes that may move a parent's status.
type HierarchyResult struct {
	Item          WorkItem       `json:"item"`
	ParentChanges []StatusChange `json:"parent_changes"`
}

type Snapshot struct {
	PersonID      string  `json:"person_id"`
	ActiveItems   int     `json:"active_items"`
	TotalHours    float64 `json:"total_hours"`
	CapacityHours float64 `json:"capacity_hours"`
	Percentage    int     `json:"workload_percentage"`
	Overloaded    bool    `json:"overloaded"`
}

type Candidate struct {
	PersonID   string `json:"person_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	SkillMatch int    `json:"skill_match"`
	Workload   int    `json:"workload_percentage"`
	RoleMatch  bool   `json:"role_match"`
	Score      int    `json:"score"`
}

// Recommendation is the outcome of Recommend. Success is false, with a Code,
// when there is nothing to recommend.
type Recommendation struct {
	Success              bool        `json:"success"`
	Code                 string      `json:"code"`
	Reason               string      `json:"reason"`
	WorkItemID           string      `json:"work_item_id"`
	Priority             string      `json:"priority"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	CurrentAssignee      *Snapshot   `json:"current_assignee,omitempty"`
	Recommended          *Candidate  `json:"recommended,omitempty"`
	Candidates           []Candidate `json:"candidates"`
	Justification        string      `json:"justification,omitempty"`
}

type ExecuteResult struct {
	WorkItem      WorkItem `json:"work_item"`
	FromAssignees []string `json:"from_assignees"`
	ToAssignee    string   `json:"to_assignee"`
	ActorID       string   `json:"actor_id"`
	TS            string   `json:"ts"`
}

// Scope narrows team analysis and rebalancing. Empty fields do not filter.
type Scope struct {
	TeamID      string `json:"team_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	IterationID string `json:"iteration_id,omitempty"`
}

type PersonLoad struct {
	PersonID string   `json:"person_id"`
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	OnLeave  bool     `json:"on_leave"`
	Band     string   `json:"band"`
	Snapshot Snapshot `json:"snapshot"`
}

type TeamAnalysis struct {
	People          []PersonLoad `json:"people"`
	Overloaded      []string     `json:"overloaded"`
	Balanced        []string     `json:"balanced"`
	Underutilized   []string     `json:"underutilized"`
	AverageWorkload int          `json:"average_workload"`
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

type PersonWorkload struct {
	Person struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"person"`
	Band     string     `json:"band"`
	Snapshot Snapshot   `json:"snapshot"`
	Items    []WorkItem `json:"items"`
}

type Move struct {
	WorkItemID string `json:"work_item_id"`
	FromID     string `json:"from_id"`
	ToID       string `json:"to_id"`
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
	Processed     int    `json:"processed"`
	Rebalanced    int    `json:"rebalanced"`
	Reassignments []Move `json:"reassignments"`
	Skipped       []Skip `json:"skipped"`
	Partial       bool   `json:"partial"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ProjectID   string         `json:"project_id"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	ActorID     string         `json:"actor_id"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateWorkItem creates a top-level work item.
func (c *Client) CreateWorkItem(ctx context.Context, item NewWorkItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "work-items", item, &resp)
	return resp, err
}

// GetWorkItem fetches a work item.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "work-items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateChild creates a subtask under parentID.
func (c *Client) CreateChild(ctx context.Context, parentID, title string, assignees ...string) (HierarchyResult, error) {
	body := map[string]any{"title": title}
	if len(assignees) > 0 {
		body["assignees"] = assignees
	}
	var resp HierarchyResult
	err := c.do(ctx, http.MethodPost, "work-items/"+url.PathEscape(parentID)+"/children", body, &resp)
	return resp, err
}

// SetStatus changes an item's status; the parent follows.
func (c *Client) SetStatus(ctx context.Context, id, status string) (HierarchyResult, error) {
	var resp HierarchyResult
	err := c.do(ctx, http.MethodPut, "work-items/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

// Recommend asks for a lighter-loaded teammate for taskID.
func (c *Client) Recommend(ctx context.Context, taskID string) (Recommendation, error) {
	var resp Recommendation
	err := c.do(ctx, http.MethodGet, "reassignment/"+url.PathEscape(taskID)+"/recommend", nil, &resp)
	return resp, err
}

// Execute reassigns taskID to newAssigneeID. confirm is needed for the
// priorities the project lists as requiring it.
func (c *Client) Execute(ctx context.Context, taskID, newAssigneeID string, confirm bool) (ExecuteResult, error) {
	body := map[string]any{"new_assignee_id": newAssigneeID}
	if confirm {
		body["confirm"] = true
	}
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "reassignment/"+url.PathEscape(taskID)+"/execute", body, &resp)
	return resp, err
}

// TeamAnalysis bands everyone in scope by workload.
func (c *Client) TeamAnalysis(ctx context.Context, scope Scope) (TeamAnalysis, error) {
	var resp TeamAnalysis
	err := c.do(ctx, http.MethodGet, "reassignment/team/analysis"+scopeQuery(scope), nil, &resp)
	return resp, err
}

// BatchAnalyze recommends for every id; projectID picks the config used.
func (c *Client) BatchAnalyze(ctx context.Context, projectID string, ids ...string) (BatchResult, error) {
	body := map[string]any{"work_item_ids": ids}
	if projectID != "" {
		body["project_id"] = projectID
	}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "reassignment/batch-analyze", body, &resp)
	return resp, err
}

// Workload returns one person's workload; scope.TeamID is ignored.
func (c *Client) Workload(ctx context.Context, personID string, scope Scope) (PersonWorkload, error) {
	scope.TeamID = ""
	var resp PersonWorkload
	err := c.do(ctx, http.MethodGet, "workload/"+url.PathEscape(personID)+scopeQuery(scope), nil, &resp)
	return resp, err
}

// Rebalance moves one item off each overloaded person in scope.
func (c *Client) Rebalance(ctx context.Context, scope Scope) (RebalanceResult, error) {
	var resp RebalanceResult
	err := c.do(ctx, http.MethodPost, "workload/rebalance", scope, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func scopeQuery(s Scope) string {
	q := url.Values{}
	if s.TeamID != "" {
		q.Set("team_id", s.TeamID)
	}
	if s.ProjectID != "" {
		q.Set("project_id", s.ProjectID)
	}
	if s.IterationID != "" {
		q.Set("iteration_id", s.IterationID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

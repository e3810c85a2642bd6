package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskpulse/internal/domain"
)

const workItemColumns = `id,project_id,iteration_id,parent_id,type,title,COALESCE(description,''),status,priority,story_points,estimated_hours,tags_json,version,created_at,updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (domain.WorkItem, error) {
	var w domain.WorkItem
	var iteration, parent sql.NullString
	var points, hours sql.NullFloat64
	var tags string
	err := row.Scan(&w.ID, &w.ProjectID, &iteration, &parent, &w.Type, &w.Title, &w.Description, &w.Status, &w.Priority,
		&points, &hours, &tags, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.IterationID = stringPtr(iteration)
	w.ParentID = stringPtr(parent)
	w.StoryPoints = floatPtr(points)
	w.EstimatedHours = floatPtr(hours)
	w.Tags, err = decodeStrings(tags)
	w.Assignees = []string{}
	return w, err
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	tags, err := encodeStrings(w.Tags)
	if err != nil {
		return err
	}
	if w.Version == 0 {
		w.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO work_items(id,project_id,iteration_id,parent_id,type,title,description,status,priority,story_points,estimated_hours,tags_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.IterationID), nullableStringPtr(w.ParentID), w.Type, w.Title, nullable(w.Description),
		w.Status, w.Priority, nullableFloatPtr(w.StoryPoints), nullableFloatPtr(w.EstimatedHours), tags, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	return r.replaceAssignees(ctx, r.q(tx), w.ID, w.Assignees)
}

// UpdateWorkItemTx writes every mutable column of w if the stored version
// still equals w.Version, then bumps the version. The returned item carries
// the new version.
func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (domain.WorkItem, error) {
	q := r.q(tx)
	tags, err := encodeStrings(w.Tags)
	if err != nil {
		return w, err
	}
	res, err := q.ExecContext(ctx, `UPDATE work_items SET iteration_id=?,parent_id=?,type=?,title=?,description=?,status=?,priority=?,story_points=?,estimated_hours=?,tags_json=?,version=version+1,updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(w.IterationID), nullableStringPtr(w.ParentID), w.Type, w.Title, nullable(w.Description), w.Status, w.Priority,
		nullableFloatPtr(w.StoryPoints), nullableFloatPtr(w.EstimatedHours), tags, w.UpdatedAt, w.ID, w.Version)
	if err != nil {
		return w, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getWorkItem(ctx, q, w.ID); err != nil {
			return w, err
		}
		return w, fmt.Errorf("work item %s: %w", w.ID, ErrConflict)
	}
	if err := r.replaceAssignees(ctx, q, w.ID, w.Assignees); err != nil {
		return w, err
	}
	w.Version++
	return w, nil
}

func (r Repo) replaceAssignees(ctx context.Context, q querier, itemID string, assignees []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM work_item_assignees WHERE work_item_id=?`, itemID); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	pos := 0
	for _, personID := range assignees {
		if _, dup := seen[personID]; dup || personID == "" {
			continue
		}
		seen[personID] = struct{}{}
		if _, err := q.ExecContext(ctx, `INSERT INTO work_item_assignees(work_item_id,person_id,position) VALUES (?,?,?)`, itemID, personID, pos); err != nil {
			return fmt.Errorf("assign %s: %w", personID, err)
		}
		pos++
	}
	return nil
}

func (r Repo) DeleteWorkItemTx(ctx context.Context, tx *sql.Tx, id string) error {
	return expectOneRow(r.q(tx).ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id))
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, r.q(tx), id)
}

func (r Repo) getWorkItem(ctx context.Context, q querier, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	items := []domain.WorkItem{w}
	if err := r.loadAssignees(ctx, q, items); err != nil {
		return w, err
	}
	return items[0], nil
}

// WorkItemFilter narrows ListWorkItems. Zero values do not filter.
type WorkItemFilter struct {
	ProjectID   string
	IterationID string
	ParentID    string
	AssigneeID  string
	Status      string
	Type        string
	// ActiveOnly drops done items.
	ActiveOnly bool
	// TopLevel keeps items without a parent.
	TopLevel bool
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilter) ([]domain.WorkItem, error) {
	return r.listWorkItems(ctx, r.DB, f)
}

func (r Repo) listWorkItems(ctx context.Context, q querier, f WorkItemFilter) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.IterationID != "" {
		clauses = append(clauses, "iteration_id=?")
		args = append(args, f.IterationID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.TopLevel {
		clauses = append(clauses, "parent_id IS NULL")
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT work_item_id FROM work_item_assignees WHERE person_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status<>?")
		args = append(args, domain.StatusDone)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := r.loadAssignees(ctx, q, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListActiveWorkItems returns the not-done items assigned to a person,
// optionally scoped to one iteration.
func (r Repo) ListActiveWorkItems(ctx context.Context, assigneeID, iterationID string) ([]domain.WorkItem, error) {
	return r.ListWorkItems(ctx, WorkItemFilter{AssigneeID: assigneeID, IterationID: iterationID, ActiveOnly: true})
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.WorkItem, error) {
	return r.listWorkItems(ctx, r.q(tx), WorkItemFilter{ParentID: parentID})
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	return r.ListChildrenTx(ctx, nil, parentID)
}

func (r Repo) CountChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE parent_id=?`, parentID).Scan(&n)
	return n, err
}

// ParentMapTx loads child->parent pointers for every parented item of a
// project.
func (r Repo) ParentMapTx(ctx context.Context, tx *sql.Tx, projectID string) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,parent_id FROM work_items WHERE project_id=? AND parent_id IS NOT NULL`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, parent string
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, err
		}
		out[id] = parent
	}
	return out, rows.Err()
}

// ListAssigneeIDs returns the distinct people assigned to any item in the
// project, narrowed to one iteration when iterationID is set.
func (r Repo) ListAssigneeIDs(ctx context.Context, projectID, iterationID string) ([]string, error) {
	query := `SELECT DISTINCT a.person_id FROM work_item_assignees a JOIN work_items w ON w.id=a.work_item_id WHERE w.project_id=?`
	args := []any{projectID}
	if iterationID != "" {
		query += ` AND w.iteration_id=?`
		args = append(args, iterationID)
	}
	query += ` ORDER BY a.person_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) loadAssignees(ctx context.Context, q querier, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[string]int, len(items))
	args := make([]any, 0, len(items))
	for i, it := range items {
		index[it.ID] = i
		args = append(args, it.ID)
	}
	rows, err := q.QueryContext(ctx, `SELECT work_item_id,person_id FROM work_item_assignees WHERE work_item_id IN (`+placeholders(len(args))+`) ORDER BY work_item_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var itemID, personID string
		if err := rows.Scan(&itemID, &personID); err != nil {
			return err
		}
		i := index[itemID]
		items[i].Assignees = append(items[i].Assignees, personID)
	}
	return rows.Err()
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_item_history(work_item_id,field,old_value,new_value,actor_id,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		h.WorkItemID, h.Field, nullable(h.OldValue), nullable(h.NewValue), h.ActorID, nullable(h.Reason), h.TS)
	return err
}

func (r Repo) ListHistory(ctx context.Context, itemID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,field,COALESCE(old_value,''),COALESCE(new_value,''),actor_id,COALESCE(reason,''),ts
FROM work_item_history WHERE work_item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.WorkItemID, &h.Field, &h.OldValue, &h.NewValue, &h.ActorID, &h.Reason, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// Reassignment is a single-item assignee swap guarded by the item version.
type Reassignment struct {
	WorkItemID      string
	ExpectedVersion int64
	Assignees       []string
	ActorID         string
	Reason          string
	TS              string
}

// ReassignWorkItem replaces the item's assignees and appends an
// "assignedTo" history entry in one transaction. It returns ErrConflict
// when the item changed since ExpectedVersion was read.
func (r Repo) ReassignWorkItem(ctx context.Context, ra Reassignment) (domain.WorkItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	item, err := r.GetWorkItemTx(ctx, tx, ra.WorkItemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if ra.ExpectedVersion != 0 && item.Version != ra.ExpectedVersion {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", item.ID, ErrConflict)
	}
	old := strings.Join(item.Assignees, ",")
	item.Assignees = append([]string(nil), ra.Assignees...)
	item.UpdatedAt = ra.TS
	updated, err := r.UpdateWorkItemTx(ctx, tx, item)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := r.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
		WorkItemID: item.ID,
		Field:      "assignedTo",
		OldValue:   old,
		NewValue:   strings.Join(ra.Assignees, ","),
		ActorID:    ra.ActorID,
		Reason:     ra.Reason,
		TS:         ra.TS,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return updated, nil
}

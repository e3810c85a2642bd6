package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskpulse/internal/domain"
)

// EventFilter narrows event listings. Cursor pages backwards by id.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,description,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.TS, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.Description), e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,description,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &desc, &e.Payload); err != nil {
			return nil, err
		}
		if desc.Valid {
			e.Description = desc.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

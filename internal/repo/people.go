package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskpulse/internal/domain"
)

const personColumns = `id,name,COALESCE(email,''),role,team_id,active,on_leave,skills_json,capacity_hours,created_at,updated_at`

func scanPerson(row interface{ Scan(...any) error }) (domain.Person, error) {
	var p domain.Person
	var team sql.NullString
	var capacity sql.NullFloat64
	var skills string
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Role, &team, &p.Active, &p.OnLeave, &skills, &capacity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TeamID = stringPtr(team)
	p.CapacityHours = floatPtr(capacity)
	p.Skills, err = decodeStrings(skills)
	return p, err
}

func (r Repo) InsertPersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	skills, err := encodeStrings(p.Skills)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO people(id,name,email,role,team_id,active,on_leave,skills_json,capacity_hours,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Email), p.Role, nullableStringPtr(p.TeamID), p.Active, p.OnLeave, skills,
		nullableFloatPtr(p.CapacityHours), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	skills, err := encodeStrings(p.Skills)
	if err != nil {
		return err
	}
	return expectOneRow(r.q(tx).ExecContext(ctx, `UPDATE people SET name=?,email=?,role=?,team_id=?,active=?,on_leave=?,skills_json=?,capacity_hours=?,updated_at=? WHERE id=?`,
		p.Name, nullable(p.Email), p.Role, nullableStringPtr(p.TeamID), p.Active, p.OnLeave, skills,
		nullableFloatPtr(p.CapacityHours), p.UpdatedAt, p.ID))
}

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	return r.GetPersonTx(ctx, nil, id)
}

func (r Repo) GetPersonTx(ctx context.Context, tx *sql.Tx, id string) (domain.Person, error) {
	return scanPerson(r.q(tx).QueryRowContext(ctx, `SELECT `+personColumns+` FROM people WHERE id=?`, id))
}

// PeopleFilter narrows ListPeople. Zero values do not filter.
type PeopleFilter struct {
	IDs        []string
	TeamID     string
	Role       string
	ActiveOnly bool
	// Available keeps active people who are not on leave.
	Available bool
}

func (r Repo) ListPeople(ctx context.Context, f PeopleFilter) ([]domain.Person, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.ActiveOnly || f.Available {
		clauses = append(clauses, "active=1")
	}
	if f.Available {
		clauses = append(clauses, "on_leave=0")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+personColumns+` FROM people WHERE `+strings.Join(clauses, " AND ")+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

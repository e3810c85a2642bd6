package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed since it was read.
	ErrConflict = errors.New("version conflict")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const projectColumns = `id,name,status,COALESCE(description,''),created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the database.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return r.UpsertProjectConfigTx(ctx, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const iterationColumns = `id,project_id,name,status,starts_at,ends_at,created_at`

func scanIteration(row interface{ Scan(...any) error }) (domain.Iteration, error) {
	var it domain.Iteration
	var starts, ends sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.Name, &it.Status, &starts, &ends, &it.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	it.StartsAt = stringPtr(starts)
	it.EndsAt = stringPtr(ends)
	return it, err
}

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO iterations(id,project_id,name,status,starts_at,ends_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Name, it.Status, nullableStringPtr(it.StartsAt), nullableStringPtr(it.EndsAt), it.CreatedAt)
	return err
}

func (r Repo) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return scanIteration(r.DB.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id=?`, id))
}

func (r Repo) ListIterations(ctx context.Context, projectID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIterationStatus(ctx context.Context, id, status string) error {
	return expectOneRow(r.DB.ExecContext(ctx, `UPDATE iterations SET status=? WHERE id=?`, status, id))
}

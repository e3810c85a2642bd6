package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one audit record per logical action.
type Entry struct {
	Type        string
	ProjectID   string
	EntityKind  string
	EntityID    string
	ActorID     string
	Description string
	Payload     Payload
}

type Payload map[string]any

// Recorder accepts audit entries. Callers treat failures as non-fatal.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Discard drops every entry.
var Discard Recorder = RecorderFunc(func(context.Context, Entry) error { return nil })

// Writer stores entries in the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Record(ctx context.Context, e Entry) error {
	_, err := w.insert(ctx, e)
	return err
}

func (w Writer) insert(ctx context.Context, e Entry) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,description,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.Description), string(data))
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

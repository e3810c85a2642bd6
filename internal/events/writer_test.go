package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/db"
	"taskpulse/internal/events"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

func TestWriterRecord(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }}
	ctx := context.Background()
	require.NoError(t, w.Record(ctx, events.Entry{
		Type:        "work_item.reassigned",
		EntityKind:  "work_item",
		EntityID:    "wi-1",
		ActorID:     "alice",
		Description: "moved to bob",
		Payload:     events.Payload{"to": "bob"},
	}))

	evts, err := repo.Repo{DB: conn}.LatestEvents(ctx, repo.EventFilter{EntityID: "wi-1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "2024-03-01T09:00:00Z", evts[0].TS)
	require.Equal(t, "moved to bob", evts[0].Description)
	require.JSONEq(t, `{"to":"bob"}`, evts[0].Payload)
}

func TestRecorderFunc(t *testing.T) {
	boom := errors.New("boom")
	var r events.Recorder = events.RecorderFunc(func(context.Context, events.Entry) error { return boom })
	require.ErrorIs(t, r.Record(context.Background(), events.Entry{}), boom)
	require.NoError(t, events.Discard.Record(context.Background(), events.Entry{}))
}

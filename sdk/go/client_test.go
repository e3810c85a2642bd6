package taskpulsesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type seen struct {
	method string
	path   string
	query  string
	auth   string
	apiKey string
	body   map[string]any
}

func fakeAPI(t *testing.T, status int, reply any) (*httptest.Server, *seen) {
	t.Helper()
	got := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.apiKey = r.Header.Get("X-Api-Key")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRecommend(t *testing.T) {
	srv, got := fakeAPI(t, http.StatusOK, map[string]any{
		"success":          true,
		"code":             "recommended",
		"work_item_id":     "w 1",
		"current_assignee": map[string]any{"person_id": "alice", "workload_percentage": 75},
		"recommended":      map[string]any{"person_id": "bob", "score": 100},
		"candidates":       []any{map[string]any{"person_id": "bob", "score": 100}},
	})
	c := New(srv.URL + "/")
	c.BearerToken = "tok"

	rec, err := c.Recommend(context.Background(), "w 1")
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, got.method)
	require.Equal(t, "/v0/reassignment/w 1/recommend", got.path)
	require.Equal(t, "Bearer tok", got.auth)
	require.True(t, rec.Success)
	require.Equal(t, 75, rec.CurrentAssignee.Percentage)
	require.Equal(t, "bob", rec.Recommended.PersonID)
	require.Len(t, rec.Candidates, 1)
}

func TestExecuteSendsConfirmOnlyWhenSet(t *testing.T) {
	srv, got := fakeAPI(t, http.StatusOK, map[string]any{"to_assignee": "bob", "from_assignees": []string{"alice"}})
	c := New(srv.URL)
	c.APIKey = "tp_key"

	res, err := c.Execute(context.Background(), "w1", "bob", false)
	require.NoError(t, err)
	require.Equal(t, "bob", res.ToAssignee)
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "tp_key", got.apiKey)
	require.Equal(t, map[string]any{"new_assignee_id": "bob"}, got.body)

	_, err = c.Execute(context.Background(), "w1", "bob", true)
	require.NoError(t, err)
	require.Equal(t, true, got.body["confirm"])
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"code": "confirmation_required", "message": "high-priority reassignment requires confirmation"},
	})
	c := New(srv.URL)

	_, err := c.Execute(context.Background(), "w1", "bob", false)
	require.Error(t, err)
	require.True(t, IsCode(err, "confirmation_required"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "confirmation_required")
}

func TestScopeQueries(t *testing.T) {
	srv, got := fakeAPI(t, http.StatusOK, map[string]any{"overloaded": []string{"alice"}})
	c := New(srv.URL)

	res, err := c.TeamAnalysis(context.Background(), Scope{TeamID: "core", IterationID: "it-1", ProjectID: "p1"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, res.Overloaded)
	require.Equal(t, "/v0/reassignment/team/analysis", got.path)
	require.Equal(t, "iteration_id=it-1&project_id=p1&team_id=core", got.query)

	_, err = c.Workload(context.Background(), "alice", Scope{TeamID: "core", ProjectID: "p1"})
	require.NoError(t, err)
	require.Equal(t, "/v0/workload/alice", got.path)
	require.Equal(t, "project_id=p1", got.query)

	_, err = c.Rebalance(context.Background(), Scope{TeamID: "core"})
	require.NoError(t, err)
	require.Equal(t, "/v0/workload/rebalance", got.path)
	require.Equal(t, map[string]any{"team_id": "core"}, got.body)
}

func TestEventsPage(t *testing.T) {
	srv, got := fakeAPI(t, http.StatusOK, map[string]any{"items": []any{map[string]any{"id": 7, "type": "work_item.created"}}, "next_cursor": "7"})
	c := New(srv.URL)
	c.BasePath = ""

	page, err := c.EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	require.Equal(t, "/events", got.path)
	require.Equal(t, "cursor=9&limit=1", got.query)
	require.Equal(t, "7", page.NextCursor)
	require.Equal(t, int64(7), page.Items[0].ID)
}

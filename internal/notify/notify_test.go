package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/config"
	"taskpulse/internal/notify"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisher(t *testing.T) {
	ns := startNATS(t)
	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	s, err := sub.SubscribeSync("taskpulse.events.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := notify.ConnectNATS(ns.ClientURL(), "")
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	require.Equal(t, "taskpulse.events.work_item.reassigned", pub.Subject("work_item.reassigned"))

	err = pub.Publish(context.Background(), notify.Event{
		Type:       "work_item.reassigned",
		ProjectID:  "proj-1",
		EntityKind: "work_item",
		EntityID:   "w1",
		TS:         "2024-05-06T10:00:00Z",
		Data:       map[string]string{"to": "bob"},
	})
	require.NoError(t, err)

	msg, err := s.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "taskpulse.events.work_item.reassigned", msg.Subject)
	var got notify.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "w1", got.EntityID)
	require.Equal(t, "2024-05-06T10:00:00Z", got.TS)
}

func TestNATSPublisherCustomPrefix(t *testing.T) {
	ns := startNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	s, err := nc.SubscribeSync("acme.tp.>")
	require.NoError(t, err)

	pub := notify.NewNATS(nc, " acme.tp. ")
	require.NoError(t, pub.Publish(context.Background(), notify.Event{Type: "rebalance.completed"}))
	msg, err := s.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "acme.tp.rebalance.completed", msg.Subject)

	pub.Close()
	require.True(t, nc.IsConnected())
}

type capture struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, string(body))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestWebhookPublisher(t *testing.T) {
	all := &capture{}
	allSrv := httptest.NewServer(all.handler(http.StatusNoContent))
	t.Cleanup(allSrv.Close)
	filtered := &capture{}
	filteredSrv := httptest.NewServer(filtered.handler(http.StatusOK))
	t.Cleanup(filteredSrv.Close)

	pub := notify.NewWebhooks([]config.Webhook{
		{URL: allSrv.URL, Secret: "s3cret"},
		{URL: filteredSrv.URL, Events: []string{"rebalance.*"}},
		{URL: ""},
	})
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, notify.Event{Type: "work_item.reassigned", ProjectID: "proj-1", EntityID: "w1"}))
	require.NoError(t, pub.Publish(ctx, notify.Event{Type: "rebalance.completed", ProjectID: "proj-1"}))

	require.Len(t, all.bodies, 2)
	require.Equal(t, "s3cret", all.headers[0].Get("X-Taskpulse-Secret"))
	require.Equal(t, "work_item.reassigned", all.headers[0].Get("X-Taskpulse-Event"))
	require.Equal(t, "proj-1", all.headers[0].Get("X-Taskpulse-Project"))
	require.Contains(t, all.bodies[0], `"entity_id":"w1"`)

	require.Len(t, filtered.bodies, 1)
	require.Equal(t, "rebalance.completed", filtered.headers[0].Get("X-Taskpulse-Event"))
	require.Empty(t, filtered.headers[0].Get("X-Taskpulse-Secret"))
}

func TestWebhookPublisherReportsFailures(t *testing.T) {
	bad := &capture{}
	srv := httptest.NewServer(bad.handler(http.StatusInternalServerError))
	t.Cleanup(srv.Close)

	pub := notify.NewWebhooks([]config.Webhook{{URL: srv.URL}}, notify.WithHTTPClient(srv.Client()))
	err := pub.Publish(context.Background(), notify.Event{Type: "work_item.created"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

type failing struct{ err error }

func (f failing) Publish(context.Context, notify.Event) error { return f.err }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	var delivered []string
	rec := recorder(func(e notify.Event) { delivered = append(delivered, e.Type) })

	err := notify.Multi{failing{boom}, rec, notify.Nop{}}.Publish(context.Background(), notify.Event{Type: "x"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"x"}, delivered)

	require.NoError(t, notify.Multi{rec, notify.Nop{}}.Publish(context.Background(), notify.Event{Type: "y"}))
}

type recorder func(notify.Event)

func (r recorder) Publish(_ context.Context, e notify.Event) error {
	r(e)
	return nil
}

func TestFromConfig(t *testing.T) {
	pub, closeFn, err := notify.FromConfig(nil, nil)
	require.NoError(t, err)
	require.IsType(t, notify.Nop{}, pub)
	closeFn()

	ns := startNATS(t)
	cfg := config.Default("proj-1")
	cfg.Notifications.NATSURL = ns.ClientURL()
	cfg.Notifications.Webhooks = []config.Webhook{{URL: "http://127.0.0.1:1/hook"}}
	pub, closeFn, err = notify.FromConfig(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(closeFn)
	require.IsType(t, notify.Multi{}, pub)

	cfg.Notifications.NATSURL = "nats://127.0.0.1:1"
	cfg.Notifications.Webhooks = nil
	_, _, err = notify.FromConfig(cfg, nil)
	require.Error(t, err)
}

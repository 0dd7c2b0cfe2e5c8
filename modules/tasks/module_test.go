package tasks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/taskflow/modules/tasks"
	"github.com/iota-uz/taskflow/modules/tasks/domain/events"
	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/outbox"
	"github.com/iota-uz/taskflow/pkg/outbox/memstore"
	"github.com/iota-uz/taskflow/pkg/server"
)

func newApp(t *testing.T, client *redis.Client) (application.Application, http.Handler) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	db := memstore.New(clock)
	pipeline, err := outbox.NewPipeline(outbox.Config{
		Store:  db.Store(),
		Ledger: db.Ledger(),
		Locker: db.Locker(""),
		Clock:  clock,
	})
	require.NoError(t, err)

	app := application.New(&application.ApplicationOptions{Pipeline: pipeline})
	require.NoError(t, tasks.NewModule(&tasks.ModuleOptions{Redis: client}).Register(app))
	srv := server.NewHTTPServer(app, http.NotFoundHandler(), http.NotFoundHandler())
	return app, srv.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestModule_EmitDispatchAndReadStats(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	app, h := newApp(t, client)

	rec := do(t, h, http.MethodPost, "/tasks/api/events",
		`{"type":"TASK_CREATED","payload":{"task_id":"t-1","title":"water plants","day":"2026-03-01"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID          string `json:"id"`
		AggregateID string `json:"aggregate_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "t-1", created.AggregateID)

	rep, err := app.Outbox().RunDispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Done)

	rec = do(t, h, http.MethodGet, "/tasks/api/stats/2026-03-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"day":"2026-03-01","counters":{"created":1}}`, rec.Body.String())

	n, err := client.LLen(context.Background(), "taskflow:sync:queue").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestModule_RejectsBadEvents(t *testing.T) {
	t.Parallel()

	app, h := newApp(t, nil)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "not json", body: `{`, status: http.StatusBadRequest, code: "TASKS_INVALID_BODY"},
		{name: "unknown type", body: `{"type":"TASK_ARCHIVED","payload":{}}`, status: http.StatusBadRequest, code: "TASKS_UNKNOWN_EVENT_TYPE"},
		{name: "invalid payload", body: `{"type":"TASK_COMPLETED","payload":{"task_id":"t-1"}}`, status: http.StatusUnprocessableEntity, code: "TASKS_INVALID_PAYLOAD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/tasks/api/events", tc.body)
			require.Equal(t, tc.status, rec.Code)
			var env struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			require.Equal(t, tc.code, env.Code)
		})
	}

	stats, err := app.Outbox().Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total)

	rec := do(t, h, http.MethodGet, "/tasks/api/stats/yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModule_RegistersHandlersOnce(t *testing.T) {
	t.Parallel()

	app, _ := newApp(t, nil)
	require.Len(t, app.Outbox().Registry().HandlersFor(events.TaskCreated), 2)
	require.Error(t, tasks.NewModule(nil).Register(app))
}

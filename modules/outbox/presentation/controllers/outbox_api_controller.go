package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/composables"
	"github.com/iota-uz/taskflow/pkg/httpapi"
	"github.com/iota-uz/taskflow/pkg/logging"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

// OutboxAPIController is the operator surface of the event pipeline.
type OutboxAPIController struct {
	pipeline  *outbox.Pipeline
	cleanup   outbox.CleanupOptions
	apiPrefix string
}

// NewOutboxAPIController serves the pipeline of app. cleanup holds the
// defaults for POST /cleanup; query parameters override them per call.
func NewOutboxAPIController(app application.Application, cleanup outbox.CleanupOptions) application.Controller {
	return &OutboxAPIController{
		pipeline:  app.Outbox(),
		cleanup:   cleanup,
		apiPrefix: "/outbox",
	}
}

func (c *OutboxAPIController) Key() string {
	return c.apiPrefix
}

func (c *OutboxAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/stats", c.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/events", c.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/{id}/events", c.ListAggregateEvents).Methods(http.MethodGet)
	api.HandleFunc("/stuck", c.ListStuck).Methods(http.MethodGet)
	api.HandleFunc("/health", c.GetHealth).Methods(http.MethodGet)

	api.HandleFunc("/dispatch", c.Dispatch).Methods(http.MethodPost)
	api.HandleFunc("/cleanup", c.Cleanup).Methods(http.MethodPost)
	api.HandleFunc("/dead/reprocess", c.ReprocessAll).Methods(http.MethodPost)
	api.HandleFunc("/dead/{id}/reprocess", c.Reprocess).Methods(http.MethodPost)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, outbox.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrNotDead):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeOutboxError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		composables.UseLogger(r.Context(), logging.Nop()).WithError(err).Error("outbox api: request failed")
	}
	_ = httpapi.WriteServiceError(w, r, status, err)
}

func writeBadQuery(w http.ResponseWriter, param string) {
	_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_QUERY", param+" is invalid", map[string]string{"param": param})
}

// queryInt reads an optional non-negative integer parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (c *OutboxAPIController) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.pipeline.Stats(r.Context())
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, stats)
}

func (c *OutboxAPIController) ListEvents(w http.ResponseWriter, r *http.Request) {
	status, err := outbox.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeBadQuery(w, "limit")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeBadQuery(w, "offset")
		return
	}
	envs, err := c.pipeline.EventsByStatus(r.Context(), status, outbox.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, eventListResponse{Events: nonNil(envs), Limit: limit, Offset: offset})
}

func (c *OutboxAPIController) ListAggregateEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeBadQuery(w, "limit")
		return
	}
	envs, err := c.pipeline.EventsForAggregate(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, eventListResponse{Events: nonNil(envs), Limit: limit})
}

// ListStuck accepts processing_for (a Go duration), attempts and limit.
func (c *OutboxAPIController) ListStuck(w http.ResponseWriter, r *http.Request) {
	var params outbox.StuckParams
	if raw := r.URL.Query().Get("processing_for"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadQuery(w, "processing_for")
			return
		}
		params.ProcessingFor = d
	}
	var ok bool
	if params.AttemptThreshold, ok = queryInt(r, "attempts"); !ok {
		writeBadQuery(w, "attempts")
		return
	}
	if params.Limit, ok = queryInt(r, "limit"); !ok {
		writeBadQuery(w, "limit")
		return
	}

	stuck, err := c.pipeline.StuckEvents(r.Context(), params)
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	out := make([]stuckEventResponse, 0, len(stuck))
	for _, s := range stuck {
		out = append(out, stuckEventResponse{Event: s.Envelope, Reasons: s.Reasons})
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// GetHealth answers 503 only when the pipeline is critical so load balancers
// keep routing to a node that is merely behind.
func (c *OutboxAPIController) GetHealth(w http.ResponseWriter, r *http.Request) {
	report, err := c.pipeline.Health(r.Context())
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Status == outbox.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	_ = httpapi.WriteJSON(w, status, report)
}

func (c *OutboxAPIController) Dispatch(w http.ResponseWriter, r *http.Request) {
	report, err := c.pipeline.RunDispatchOnce(r.Context())
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, report)
}

// Cleanup runs retention with the configured defaults. dry_run,
// retention_days and preserve_dead override them for this call.
func (c *OutboxAPIController) Cleanup(w http.ResponseWriter, r *http.Request) {
	opts := c.cleanup
	q := r.URL.Query()
	if raw := q.Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadQuery(w, "dry_run")
			return
		}
		opts.DryRun = v
	}
	if raw := q.Get("preserve_dead"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadQuery(w, "preserve_dead")
			return
		}
		opts.DeleteDeadLetters = !v
	}
	if raw := q.Get("retention_days"); raw != "" {
		days, ok := queryInt(r, "retention_days")
		if !ok || days == 0 {
			writeBadQuery(w, "retention_days")
			return
		}
		opts.RetentionDays = days
	}

	res, err := c.pipeline.RunCleanupOnce(r.Context(), opts)
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, res)
}

func (c *OutboxAPIController) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeBadQuery(w, "id")
		return
	}
	if err := c.pipeline.ReprocessDeadLetter(r.Context(), id); err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": string(outbox.StatusPending)})
}

func (c *OutboxAPIController) ReprocessAll(w http.ResponseWriter, r *http.Request) {
	n, err := c.pipeline.ReprocessAll(r.Context())
	if err != nil {
		writeOutboxError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]int64{"reprocessed": n})
}

package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/iota-uz/taskflow/modules/tasks/domain/events"
	"github.com/iota-uz/taskflow/modules/tasks/handlers"
	"github.com/iota-uz/taskflow/modules/tasks/services"
	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/composables"
	"github.com/iota-uz/taskflow/pkg/httpapi"
	"github.com/iota-uz/taskflow/pkg/logging"
	"github.com/iota-uz/taskflow/pkg/middleware"
)

type TasksAPIController struct {
	emitter   *services.Emitter
	stats     handlers.StatsReader
	apiPrefix string
}

func NewTasksAPIController(app application.Application, stats handlers.StatsReader) application.Controller {
	return &TasksAPIController{
		emitter:   app.Service(services.Emitter{}).(*services.Emitter),
		stats:     stats,
		apiPrefix: "/tasks/api",
	}
}

func (c *TasksAPIController) Key() string {
	return c.apiPrefix
}

func (c *TasksAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.Handle("/events", middleware.WithTransaction()(http.HandlerFunc(c.EmitEvent))).Methods(http.MethodPost)

	api.HandleFunc("/stats/{day}", c.GetDayStats).Methods(http.MethodGet)
}

type emitEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type emitEventResponse struct {
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
}

// EmitEvent records a task event produced by a client that keeps its own
// task state, e.g. the local-first frontend replaying its changes.
func (c *TasksAPIController) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "TASKS_INVALID_BODY", "request body must be JSON", nil)
		return
	}
	p, err := events.Decode(req.Type, req.Payload)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, events.ErrUnknownEventType) {
			status = http.StatusBadRequest
		}
		_ = httpapi.WriteServiceError(w, r, status, err)
		return
	}
	id, err := c.emitter.Emit(r.Context(), p)
	if err != nil {
		composables.UseLogger(r.Context(), logging.Nop()).WithError(err).Error("tasks: emit failed")
		_ = httpapi.WriteServiceError(w, r, http.StatusInternalServerError, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, emitEventResponse{
		ID:            id.String(),
		AggregateType: p.AggregateType(),
		AggregateID:   p.AggregateID(),
	})
}

type dayStatsResponse struct {
	Day      string           `json:"day"`
	Counters map[string]int64 `json:"counters"`
}

func (c *TasksAPIController) GetDayStats(w http.ResponseWriter, r *http.Request) {
	day := mux.Vars(r)["day"]
	if _, err := time.Parse(events.DayLayout, day); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "TASKS_INVALID_DAY", "day must be YYYY-MM-DD", nil)
		return
	}
	counters, err := c.stats.Day(r.Context(), day)
	if err != nil {
		_ = httpapi.WriteServiceError(w, r, http.StatusInternalServerError, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dayStatsResponse{Day: day, Counters: counters})
}

package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/configuration"
	"github.com/iota-uz/taskflow/pkg/httpapi"
	"github.com/iota-uz/taskflow/pkg/middleware"
	"github.com/iota-uz/taskflow/pkg/server"
)

type DefaultOptions struct {
	Logger        *logrus.Logger
	Configuration *configuration.Configuration
	Application   application.Application
	// Pool is nil with the in-memory backend.
	Pool *pgxpool.Pool
}

// Default installs the standard middleware stack on the application and
// returns a server for its controllers.
func Default(options *DefaultOptions) *server.HTTPServer {
	app := options.Application

	loggerOpts := middleware.DefaultLoggerOptions()
	if h := options.Configuration.RequestIDHeader; h != "" {
		loggerOpts.RequestIDHeader = h
	}
	app.RegisterMiddleware([]mux.MiddlewareFunc{
		middleware.WithLogger(options.Logger, loggerOpts),
		middleware.ProvidePool(options.Pool),
	}...)

	return server.NewHTTPServer(app, NotFound(), MethodNotAllowed())
}

func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found", map[string]string{"path": r.URL.Path})
	})
}

func MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not allowed here", map[string]string{"path": r.URL.Path})
	})
}

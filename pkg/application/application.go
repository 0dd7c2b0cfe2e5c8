package application

import (
	"reflect"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/outbox"
)

type ApplicationOptions struct {
	Pool     *pgxpool.Pool
	Pipeline *outbox.Pipeline
	Logger   *logrus.Logger
}

func New(opts *ApplicationOptions) Application {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &application{
		pool:     opts.Pool,
		pipeline: opts.Pipeline,
		logger:   logger,
		services: make(map[reflect.Type]interface{}),
	}
}

type application struct {
	pool        *pgxpool.Pool
	pipeline    *outbox.Pipeline
	logger      *logrus.Logger
	controllers map[string]Controller
	order       []string
	middleware  []mux.MiddlewareFunc
	services    map[reflect.Type]interface{}
}

func (app *application) DB() *pgxpool.Pool {
	return app.pool
}

func (app *application) Outbox() *outbox.Pipeline {
	return app.pipeline
}

func (app *application) Logger() *logrus.Logger {
	return app.logger
}

func (app *application) Middleware() []mux.MiddlewareFunc {
	return app.middleware
}

// Controllers returns controllers in registration order. A controller whose
// key was registered before replaces the earlier one in place.
func (app *application) Controllers() []Controller {
	controllers := make([]Controller, 0, len(app.order))
	for _, key := range app.order {
		controllers = append(controllers, app.controllers[key])
	}
	return controllers
}

func (app *application) RegisterControllers(controllers ...Controller) {
	if app.controllers == nil {
		app.controllers = make(map[string]Controller)
	}
	for _, c := range controllers {
		if _, ok := app.controllers[c.Key()]; !ok {
			app.order = append(app.order, c.Key())
		}
		app.controllers[c.Key()] = c
	}
}

func (app *application) RegisterMiddleware(middleware ...mux.MiddlewareFunc) {
	app.middleware = append(app.middleware, middleware...)
}

// RegisterServices registers a new service in the application by its type
func (app *application) RegisterServices(services ...interface{}) {
	for _, service := range services {
		serviceType := reflect.TypeOf(service).Elem()
		app.services[serviceType] = service
	}
}

// Service looks up a service by the type of the pointer passed in, e.g.
// app.Service(services.Emitter{}).
func (app *application) Service(service interface{}) interface{} {
	serviceType := reflect.TypeOf(service)
	svc, ok := app.services[serviceType]
	if !ok {
		panic("service " + serviceType.String() + " not found")
	}
	return svc
}

func (app *application) Services() map[reflect.Type]interface{} {
	return app.services
}

package application

import (
	"reflect"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/outbox"
)

type Controller interface {
	Register(r *mux.Router)
	Key() string
}

// Module is a self-contained slice of the application that registers its
// handlers, services and controllers on startup.
type Module interface {
	Register(app Application) error
	Name() string
}

// Application is the composition root handed to every module.
type Application interface {
	// DB is nil when the in-memory backend is selected.
	DB() *pgxpool.Pool
	Outbox() *outbox.Pipeline
	Logger() *logrus.Logger
	Middleware() []mux.MiddlewareFunc
	Controllers() []Controller
	RegisterControllers(controllers ...Controller)
	RegisterMiddleware(middleware ...mux.MiddlewareFunc)
	RegisterServices(services ...interface{})
	Service(service interface{}) interface{}
	Services() map[reflect.Type]interface{}
}

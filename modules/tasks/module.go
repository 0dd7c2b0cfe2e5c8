package tasks

import (
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/taskflow/modules/tasks/handlers"
	taskredis "github.com/iota-uz/taskflow/modules/tasks/infrastructure/redis"
	"github.com/iota-uz/taskflow/modules/tasks/presentation/controllers"
	"github.com/iota-uz/taskflow/modules/tasks/services"
	"github.com/iota-uz/taskflow/pkg/application"
)

type ModuleOptions struct {
	// Redis backs statistics and the sync queue. Nil keeps both in memory.
	Redis *redis.Client
}

func NewModule(opts *ModuleOptions) application.Module {
	if opts == nil {
		opts = &ModuleOptions{}
	}
	return &Module{options: opts}
}

type Module struct {
	options *ModuleOptions
}

func (m *Module) Register(app application.Application) error {
	var (
		stats interface {
			handlers.StatsSink
			handlers.StatsReader
		}
		queue handlers.SyncQueue
	)
	if m.options.Redis != nil {
		stats = taskredis.NewStats(m.options.Redis, "")
		queue = taskredis.NewSyncQueue(m.options.Redis, "")
	} else {
		stats = handlers.NewMemoryStats()
		queue = handlers.NewMemorySyncQueue()
	}

	pipeline := app.Outbox()
	if err := handlers.Register(pipeline.Registry(), stats, queue); err != nil {
		return err
	}

	app.RegisterServices(services.NewEmitter(pipeline))
	app.RegisterControllers(controllers.NewTasksAPIController(app, stats))
	return nil
}

func (m *Module) Name() string {
	return "tasks"
}

package modules

import (
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/taskflow/modules/outbox"
	"github.com/iota-uz/taskflow/modules/tasks"
	"github.com/iota-uz/taskflow/pkg/application"
	outboxpkg "github.com/iota-uz/taskflow/pkg/outbox"
)

type Options struct {
	Redis   *redis.Client
	Cleanup outboxpkg.CleanupOptions
}

// BuiltInModules returns the modules every taskflow process loads.
func BuiltInModules(opts Options) []application.Module {
	return []application.Module{
		tasks.NewModule(&tasks.ModuleOptions{Redis: opts.Redis}),
		outbox.NewModule(&outbox.ModuleOptions{Cleanup: opts.Cleanup}),
	}
}

func Load(app application.Application, modules ...application.Module) error {
	for _, module := range modules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}

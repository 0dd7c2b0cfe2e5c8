// Package outbox exposes the event pipeline's monitoring and maintenance
// endpoints.
package outbox

import (
	"github.com/iota-uz/taskflow/modules/outbox/presentation/controllers"
	"github.com/iota-uz/taskflow/pkg/application"
	outboxpkg "github.com/iota-uz/taskflow/pkg/outbox"
)

type ModuleOptions struct {
	// Cleanup holds the defaults for manual cleanup runs.
	Cleanup outboxpkg.CleanupOptions
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
	app.RegisterControllers(controllers.NewOutboxAPIController(app, m.options.Cleanup))
	return nil
}

func (m *Module) Name() string {
	return "outbox"
}

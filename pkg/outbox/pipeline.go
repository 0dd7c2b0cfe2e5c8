package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/eventbus"
)

const (
	DispatchJob = "dispatch"
	CleanupJob  = "cleanup"
)

// Config wires a Pipeline. Store, Ledger and Locker are required; everything
// else has a default. Clock and Logger are pushed down into component options
// that leave them unset.
type Config struct {
	Store    Store
	Ledger   Ledger
	Locker   Locker
	Registry *eventbus.Registry

	Dispatcher DispatcherOptions
	Cleaner    CleanerOptions
	Monitor    MonitorOptions
	// Cleanup is used by the scheduled retention job.
	Cleanup CleanupOptions

	// DispatchInterval and CleanupInterval drive Start. Negative disables the
	// schedule; the job can still be triggered.
	DispatchInterval time.Duration
	CleanupInterval  time.Duration

	Clock  clockwork.Clock
	Logger *logrus.Entry
}

// Pipeline bundles the producer, consumer and operator sides of the outbox.
type Pipeline struct {
	publisher  *Publisher
	registry   *eventbus.Registry
	dispatcher *Dispatcher
	cleaner    *Cleaner
	monitor    *Monitor
	scheduler  *Scheduler
	logger     *logrus.Entry
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrusNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = eventbus.NewRegistry()
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	if cfg.Dispatcher.Clock == nil {
		cfg.Dispatcher.Clock = cfg.Clock
	}
	if cfg.Dispatcher.Logger == nil {
		cfg.Dispatcher.Logger = cfg.Logger.WithField("component", "outbox.dispatcher")
	}
	if cfg.Cleaner.Clock == nil {
		cfg.Cleaner.Clock = cfg.Clock
	}
	if cfg.Cleaner.Logger == nil {
		cfg.Cleaner.Logger = cfg.Logger.WithField("component", "outbox.cleaner")
	}
	if cfg.Monitor.Clock == nil {
		cfg.Monitor.Clock = cfg.Clock
	}
	if cfg.Monitor.Logger == nil {
		cfg.Monitor.Logger = cfg.Logger.WithField("component", "outbox.monitor")
	}
	if cfg.Monitor.MaxAttempts == 0 {
		cfg.Monitor.MaxAttempts = cfg.Dispatcher.MaxAttempts
	}

	publisher, err := NewPublisher(cfg.Store, cfg.Clock)
	if err != nil {
		return nil, err
	}
	dispatcher, err := NewDispatcher(cfg.Store, cfg.Ledger, cfg.Locker, cfg.Registry, cfg.Dispatcher)
	if err != nil {
		return nil, err
	}
	cleaner, err := NewCleaner(cfg.Store, cfg.Ledger, cfg.Locker, cfg.Cleaner)
	if err != nil {
		return nil, err
	}
	monitor, err := NewMonitor(cfg.Store, cfg.Monitor)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		publisher:  publisher,
		registry:   cfg.Registry,
		dispatcher: dispatcher,
		cleaner:    cleaner,
		monitor:    monitor,
		scheduler:  NewScheduler(cfg.Clock, cfg.Logger.WithField("component", "outbox.scheduler")),
		logger:     cfg.Logger,
	}

	cleanup := cfg.Cleanup
	if err := p.scheduler.Every(DispatchJob, max(cfg.DispatchInterval, 0), func(ctx context.Context) error {
		_, err := p.dispatcher.RunOnce(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := p.scheduler.Every(CleanupJob, max(cfg.CleanupInterval, 0), func(ctx context.Context) error {
		_, err := p.cleaner.RunOnce(ctx, cleanup)
		return err
	}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Registry() *eventbus.Registry { return p.registry }
func (p *Pipeline) Publisher() *Publisher        { return p.publisher }
func (p *Pipeline) Monitor() *Monitor            { return p.monitor }

func (p *Pipeline) Append(ctx context.Context, req AppendRequest) (uuid.UUID, error) {
	return p.publisher.Append(ctx, req)
}

func (p *Pipeline) RegisterHandler(eventType, handlerID string, fn eventbus.HandlerFunc) error {
	return p.registry.Register(eventType, handlerID, fn)
}

func (p *Pipeline) RunDispatchOnce(ctx context.Context) (DispatchReport, error) {
	return p.dispatcher.RunOnce(ctx)
}

func (p *Pipeline) RunCleanupOnce(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	return p.cleaner.RunOnce(ctx, opts)
}

func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	return p.monitor.Stats(ctx)
}

func (p *Pipeline) EventsByStatus(ctx context.Context, status Status, page Page) ([]Envelope, error) {
	return p.monitor.EventsByStatus(ctx, status, page)
}

func (p *Pipeline) EventsForAggregate(ctx context.Context, aggregateID string, limit int) ([]Envelope, error) {
	return p.monitor.EventsForAggregate(ctx, aggregateID, limit)
}

func (p *Pipeline) StuckEvents(ctx context.Context, params StuckParams) ([]StuckEvent, error) {
	return p.monitor.StuckEvents(ctx, params)
}

func (p *Pipeline) Health(ctx context.Context) (HealthReport, error) {
	return p.monitor.Health(ctx)
}

func (p *Pipeline) ReprocessDeadLetter(ctx context.Context, id uuid.UUID) error {
	return p.monitor.ReprocessDeadLetter(ctx, id)
}

func (p *Pipeline) ReprocessAll(ctx context.Context) (int64, error) {
	return p.monitor.ReprocessAll(ctx)
}

// TriggerDispatch asks the running scheduler for an immediate dispatch pass.
func (p *Pipeline) TriggerDispatch() error {
	return p.scheduler.Trigger(DispatchJob)
}

func (p *Pipeline) Start(ctx context.Context) {
	p.logger.WithField("handlers", p.registry.SubscribersCount()).Info("outbox: pipeline started")
	p.scheduler.Start(ctx)
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (p *Pipeline) Stop() {
	p.scheduler.Stop()
	p.logger.Info("outbox: pipeline stopped")
}

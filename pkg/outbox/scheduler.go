package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/serrors"
)

var ErrUnknownJob = serrors.NewError("OUTBOX_UNKNOWN_JOB", "no job registered under that name", "")

// Job is one unit of periodic work. Errors are logged and the schedule continues.
type Job func(ctx context.Context) error

type scheduledJob struct {
	name     string
	interval time.Duration
	fn       Job
	trigger  chan struct{}
}

// Scheduler runs registered jobs on fixed intervals. Runs of the same job
// never overlap. Stop waits for in-flight runs instead of cancelling them:
// jobs receive a context that is detached from the Start context.
type Scheduler struct {
	clock  clockwork.Clock
	logger *logrus.Entry

	mu      sync.Mutex
	jobs    []*scheduledJob
	started bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewScheduler(clock clockwork.Clock, logger *logrus.Entry) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrusNop()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Every registers a job. It must be called before Start; a non-positive
// interval leaves the job manual-only.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) error {
	if name == "" || fn == nil {
		return invalidConfig("job name and function are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return invalidConfig("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.name == name {
			return invalidConfig("job %q already registered", name)
		}
	}
	s.jobs = append(s.jobs, &scheduledJob{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	})
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx := context.WithoutCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, runCtx, j)
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context, j *scheduledJob) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if j.interval > 0 {
		ticker := s.clock.NewTicker(j.interval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-tick:
		case <-j.trigger:
		}
		// Stop may have raced with the tick.
		select {
		case <-s.stop:
			return
		default:
		}
		s.run(runCtx, j)
	}
}

func (s *Scheduler) run(ctx context.Context, j *scheduledJob) {
	log := s.logger.WithField("job", j.name)
	start := s.clock.Now()
	if err := j.fn(ctx); err != nil {
		log.WithError(err).Error("outbox: scheduled job failed")
		return
	}
	log.WithField("took", s.clock.Since(start).String()).Debug("outbox: scheduled job finished")
}

// Trigger requests an immediate run of the named job. Requests made while a
// run is already queued are coalesced.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name != name {
			continue
		}
		select {
		case j.trigger <- struct{}{}:
		default:
		}
		return nil
	}
	return ErrUnknownJob
}

// Stop prevents further runs and blocks until in-flight runs finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

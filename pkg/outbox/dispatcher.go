package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iota-uz/taskflow/pkg/eventbus"
)

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	// Skipped is set when another run held the dispatch lock.
	Skipped bool `json:"skipped"`
	// Released counts processing events from a crashed run put back to pending.
	Released int64 `json:"released"`
	Claimed  int   `json:"claimed"`
	Done     int   `json:"done"`
	Retried  int   `json:"retried"`
	Dead     int   `json:"dead"`
	// Deferred counts events held back behind an older event of their aggregate.
	Deferred int `json:"deferred"`
	// Errors counts events whose state could not be recorded.
	Errors int `json:"errors"`
	// LockLost is set when the lease could not be renewed and the run stopped
	// early. The event in flight stays processing until StuckAfter.
	LockLost bool `json:"lock_lost"`
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDead
	outcomeError
	outcomeLockLost
)

type Dispatcher struct {
	store    Store
	ledger   Ledger
	locker   Locker
	handlers *eventbus.Registry
	opts     DispatcherOptions

	m      *metrics
	tracer trace.Tracer

	randMu sync.Mutex
}

func NewDispatcher(store Store, ledger Ledger, locker Locker, handlers *eventbus.Registry, opts DispatcherOptions) (*Dispatcher, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if ledger == nil {
		return nil, invalidConfig("ledger is required")
	}
	if locker == nil {
		return nil, invalidConfig("locker is required")
	}
	if handlers == nil {
		return nil, invalidConfig("handler registry is required")
	}
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:    store,
		ledger:   ledger,
		locker:   locker,
		handlers: handlers,
		opts:     opts,
		m:        getMetrics(),
		tracer:   otel.Tracer("github.com/iota-uz/taskflow/pkg/outbox"),
	}, nil
}

// RunOnce performs a single dispatch pass. It returns without doing anything
// when another run holds the dispatch lock. Handler failures are recorded on
// the events and never returned; only lock and claim errors are.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport

	acquired, err := d.locker.TryAcquire(ctx, d.opts.LockID, d.opts.LockTTL)
	if err != nil {
		return report, fmt.Errorf("outbox dispatch: acquire lock: %w", err)
	}
	if !acquired {
		report.Skipped = true
		d.m.skippedTotal.WithLabelValues(d.opts.LockID).Inc()
		d.opts.Logger.WithField("lock", d.opts.LockID).Debug("outbox: dispatch lock held elsewhere, skipping run")
		return report, nil
	}
	defer func() {
		if relErr := d.locker.Release(context.WithoutCancel(ctx), d.opts.LockID); relErr != nil {
			d.opts.Logger.WithError(relErr).WithField("lock", d.opts.LockID).Warn("outbox: release dispatch lock failed")
		}
	}()

	now := d.now()
	released, err := d.store.ReleaseStuck(ctx, now.Add(-d.opts.StuckAfter), now)
	if err != nil {
		d.opts.Logger.WithError(err).Warn("outbox: release stuck events failed")
	} else if released > 0 {
		report.Released = released
		d.opts.Logger.WithField("count", released).Warn("outbox: returned abandoned processing events to pending")
	}

	batch, err := d.store.ClaimBatch(ctx, d.opts.BatchSize, now)
	if err != nil {
		return report, fmt.Errorf("outbox dispatch: claim: %w", err)
	}
	report.Claimed = len(batch)

	blocked := make(map[string]struct{})
	for _, env := range batch {
		if ctx.Err() != nil {
			break
		}
		if !d.renewLease(ctx) {
			report.LockLost = true
			break
		}
		if d.opts.SerializeAggregates && d.holdBack(ctx, env, blocked) {
			report.Deferred++
			continue
		}

		res := d.dispatchEvent(ctx, env)
		if res == outcomeLockLost {
			report.LockLost = true
			break
		}
		switch res {
		case outcomeDone:
			report.Done++
			continue
		case outcomeRetry:
			report.Retried++
		case outcomeDead:
			report.Dead++
		case outcomeError:
			report.Errors++
		}
		blocked[aggregateKey(env)] = struct{}{}
	}

	if report.Claimed > 0 {
		d.opts.Logger.WithFields(map[string]any{
			"claimed":   report.Claimed,
			"done":      report.Done,
			"retried":   report.Retried,
			"dead":      report.Dead,
			"deferred":  report.Deferred,
			"errors":    report.Errors,
			"lock_lost": report.LockLost,
		}).Info("outbox: dispatch run finished")
	}
	return report, nil
}

// renewLease extends the dispatch lock by LockTTL. A renewal error counts as
// a lost lock.
func (d *Dispatcher) renewLease(ctx context.Context) bool {
	ok, err := d.locker.Extend(ctx, d.opts.LockID, d.opts.LockTTL)
	if err != nil {
		d.opts.Logger.WithError(err).WithField("lock", d.opts.LockID).Warn("outbox: renew dispatch lock failed")
		return false
	}
	if !ok {
		d.opts.Logger.WithField("lock", d.opts.LockID).Warn("outbox: dispatch lock expired or taken over")
	}
	return ok
}

func (d *Dispatcher) holdBack(ctx context.Context, env Envelope, blocked map[string]struct{}) bool {
	key := aggregateKey(env)
	if _, ok := blocked[key]; ok {
		return true
	}
	earlier, err := d.store.HasEarlierOpen(ctx, env)
	if err != nil {
		d.opts.Logger.WithError(err).WithFields(envelopeFields(env)).Warn("outbox: aggregate order check failed")
		blocked[key] = struct{}{}
		return true
	}
	if earlier {
		blocked[key] = struct{}{}
	}
	return earlier
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, env Envelope) outcome {
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch "+env.EventType, trace.WithAttributes(
		attribute.String("outbox.event_id", env.ID.String()),
		attribute.String("outbox.aggregate_type", env.AggregateType),
		attribute.String("outbox.aggregate_id", env.AggregateID),
		attribute.Int("outbox.attempt", env.AttemptCount+1),
	))
	defer span.End()

	log := d.opts.Logger.WithFields(envelopeFields(env))

	if err := d.store.MarkProcessing(ctx, env.ID, d.now()); err != nil {
		log.WithError(err).Warn("outbox: mark processing failed")
		span.SetStatus(codes.Error, "mark processing failed")
		return outcomeError
	}

	evt := eventbus.Event{
		ID:            env.ID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Type:          env.EventType,
		Payload:       env.Payload,
		CreatedAt:     env.CreatedAt,
		Attempt:       env.AttemptCount + 1,
	}

	var (
		errs      []error
		permanent bool
	)
	for _, sub := range d.handlers.HandlersFor(env.EventType) {
		handled, err := d.ledger.IsHandled(ctx, env.ID, sub.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: ledger lookup: %w", sub.ID, err))
			continue
		}
		if handled {
			continue
		}
		// A handler only starts while this run still owns the lease.
		if !d.renewLease(ctx) {
			log.WithField("handler", sub.ID).Warn("outbox: dispatch lock lost, leaving event processing")
			span.SetStatus(codes.Error, "dispatch lock lost")
			return outcomeLockLost
		}

		if err := d.invoke(ctx, env, sub, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
			if IsPermanent(err) {
				permanent = true
			}
			log.WithError(err).WithField("handler", sub.ID).Warn("outbox: handler failed")
			continue
		}

		// Record right away so a crash later in this event does not re-run it.
		if err := d.ledger.MarkHandled(ctx, env.ID, sub.ID, d.now()); err != nil {
			errs = append(errs, fmt.Errorf("%s: record delivery: %w", sub.ID, err))
			log.WithError(err).WithField("handler", sub.ID).Error("outbox: handler succeeded but delivery was not recorded")
		}
	}

	now := d.now()
	if len(errs) == 0 {
		if err := d.store.MarkDone(ctx, env.ID, now); err != nil {
			log.WithError(err).Warn("outbox: mark done failed")
			return outcomeError
		}
		return outcomeDone
	}

	joined := errors.Join(errs...)
	span.RecordError(joined)
	span.SetStatus(codes.Error, "handler failure")
	lastErr := lastErrorText(joined, d.opts.LastErrorMaxLen)
	attempts := env.AttemptCount + 1

	if permanent || attempts >= d.opts.MaxAttempts {
		if err := d.store.MarkDead(ctx, env.ID, attempts, lastErr, now); err != nil {
			log.WithError(err).Warn("outbox: mark dead failed")
			return outcomeError
		}
		d.m.deadTotal.WithLabelValues(env.EventType).Inc()
		log.WithField("permanent", permanent).Error("outbox: event dead-lettered")
		return outcomeDead
	}

	next := now.Add(backoff(attempts, d.opts.MinBackoff, d.opts.MaxBackoff) + d.jitter())
	if err := d.store.MarkFailed(ctx, env.ID, attempts, lastErr, next, now); err != nil {
		log.WithError(err).Warn("outbox: reschedule failed")
		return outcomeError
	}
	return outcomeRetry
}

func (d *Dispatcher) invoke(ctx context.Context, env Envelope, sub eventbus.Subscriber, evt eventbus.Event) error {
	hctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	hctx, span := d.tracer.Start(hctx, "outbox.handler "+sub.ID, trace.WithAttributes(
		attribute.String("outbox.handler", sub.ID),
	))
	defer span.End()

	start := time.Now()
	err := eventbus.Invoke(hctx, sub, evt)
	latency := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.m.dispatchTotal.WithLabelValues(env.EventType, sub.ID, result).Inc()
	d.m.handlerLatency.WithLabelValues(env.EventType, sub.ID, result).Observe(latency.Seconds())
	return err
}

func (d *Dispatcher) jitter() time.Duration {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return jitter(d.opts.Rand, d.opts.JitterMax)
}

func (d *Dispatcher) now() time.Time {
	return d.opts.Clock.Now().UTC()
}

func aggregateKey(env Envelope) string {
	return env.AggregateType + "/" + env.AggregateID
}

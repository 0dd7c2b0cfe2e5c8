package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

func mergeHealth(current, next HealthStatus) HealthStatus {
	if next == HealthCritical {
		return HealthCritical
	}
	if next == HealthWarning && current == HealthHealthy {
		return HealthWarning
	}
	return current
}

type StatusStats struct {
	Count  int64      `json:"count"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

type Stats struct {
	Total           int64                       `json:"total"`
	ByStatus        map[Status]StatusStats      `json:"by_status"`
	ByEventType     map[string]map[Status]int64 `json:"by_event_type"`
	ByAggregateType map[string]map[Status]int64 `json:"by_aggregate_type"`
	GeneratedAt     time.Time                   `json:"generated_at"`
}

func (s Stats) Count(status Status) int64 {
	return s.ByStatus[status].Count
}

type StuckReason string

const (
	StuckProcessingTooLong StuckReason = "processing_too_long"
	StuckNearDeadLetter    StuckReason = "near_dead_letter"
)

type StuckEvent struct {
	Envelope Envelope      `json:"envelope"`
	Reasons  []StuckReason `json:"reasons"`
}

type StuckParams struct {
	// ProcessingFor defaults to MonitorOptions.ProcessingTimeout.
	ProcessingFor time.Duration
	// AttemptThreshold defaults to MaxAttempts-1.
	AttemptThreshold int
	Limit            int
}

type HealthReport struct {
	Status    HealthStatus `json:"status"`
	Pending   int64        `json:"pending"`
	Dead      int64        `json:"dead"`
	Stuck     int64        `json:"stuck"`
	Reasons   []string     `json:"reasons,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Monitor is the read side of the pipeline plus the dead-letter reprocess
// commands.
type Monitor struct {
	store Store
	opts  MonitorOptions
	m     *metrics
}

func NewMonitor(store Store, opts MonitorOptions) (*Monitor, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	opts.setDefaults()
	return &Monitor{store: store, opts: opts, m: getMetrics()}, nil
}

func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	buckets, err := m.store.Summarize(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}

	stats := Stats{
		ByStatus:        make(map[Status]StatusStats, len(AllStatuses)),
		ByEventType:     make(map[string]map[Status]int64),
		ByAggregateType: make(map[string]map[Status]int64),
		GeneratedAt:     m.opts.Clock.Now().UTC(),
	}
	for _, s := range AllStatuses {
		stats.ByStatus[s] = StatusStats{}
	}

	for _, b := range buckets {
		stats.Total += b.Count

		st := stats.ByStatus[b.Status]
		st.Count += b.Count
		if st.Oldest == nil || b.Oldest.Before(*st.Oldest) {
			oldest := b.Oldest
			st.Oldest = &oldest
		}
		if st.Newest == nil || b.Newest.After(*st.Newest) {
			newest := b.Newest
			st.Newest = &newest
		}
		stats.ByStatus[b.Status] = st

		addBreakdown(stats.ByEventType, b.EventType, b.Status, b.Count)
		addBreakdown(stats.ByAggregateType, b.AggregateType, b.Status, b.Count)
	}

	for _, s := range AllStatuses {
		m.m.events.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s].Count))
	}
	return stats, nil
}

func addBreakdown(into map[string]map[Status]int64, key string, status Status, n int64) {
	row, ok := into[key]
	if !ok {
		row = make(map[Status]int64)
		into[key] = row
	}
	row[status] += n
}

func (m *Monitor) EventsByStatus(ctx context.Context, status Status, page Page) ([]Envelope, error) {
	if !status.Valid() {
		return nil, invalidInput("unknown status %q", status)
	}
	page = page.normalize(m.opts.MaxPageSize)
	return m.store.FindByStatus(ctx, status, page.Limit, page.Offset)
}

func (m *Monitor) EventsForAggregate(ctx context.Context, aggregateID string, limit int) ([]Envelope, error) {
	if aggregateID == "" {
		return nil, invalidInput("aggregate id is required")
	}
	if limit <= 0 || limit > m.opts.MaxPageSize {
		limit = m.opts.MaxPageSize
	}
	return m.store.FindByAggregate(ctx, aggregateID, limit)
}

// StuckEvents reports events that look stuck before dispatch would dead-letter
// them: processing for too long, or open with attempts close to the budget.
func (m *Monitor) StuckEvents(ctx context.Context, params StuckParams) ([]StuckEvent, error) {
	if params.ProcessingFor <= 0 {
		params.ProcessingFor = m.opts.ProcessingTimeout
	}
	if params.AttemptThreshold <= 0 {
		params.AttemptThreshold = max(m.opts.MaxAttempts-1, 1)
	}
	if params.Limit <= 0 || params.Limit > m.opts.MaxPageSize {
		params.Limit = m.opts.MaxPageSize
	}

	processingBefore := m.opts.Clock.Now().UTC().Add(-params.ProcessingFor)
	envs, err := m.store.FindStuck(ctx, processingBefore, params.AttemptThreshold, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("outbox stuck events: %w", err)
	}

	out := make([]StuckEvent, 0, len(envs))
	for _, env := range envs {
		var reasons []StuckReason
		if env.Status == StatusProcessing && env.UpdatedAt.Before(processingBefore) {
			reasons = append(reasons, StuckProcessingTooLong)
		}
		if env.AttemptCount >= params.AttemptThreshold {
			reasons = append(reasons, StuckNearDeadLetter)
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, StuckEvent{Envelope: env, Reasons: reasons})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Envelope.CreatedAt.Before(out[j].Envelope.CreatedAt)
	})
	return out, nil
}

func (m *Monitor) Health(ctx context.Context) (HealthReport, error) {
	stats, err := m.Stats(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	stuck, err := m.StuckEvents(ctx, StuckParams{})
	if err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{
		Status:    HealthHealthy,
		Pending:   stats.Count(StatusPending),
		Dead:      stats.Count(StatusDead),
		Stuck:     int64(len(stuck)),
		CheckedAt: stats.GeneratedAt,
	}
	th := m.opts.Thresholds
	report.classify("pending", report.Pending, th.PendingWarning, th.PendingCritical)
	report.classify("dead", report.Dead, th.DeadWarning, th.DeadCritical)
	report.classify("stuck", report.Stuck, th.StuckWarning, th.StuckCritical)
	return report, nil
}

func (r *HealthReport) classify(name string, n, warning, critical int64) {
	switch {
	case critical > 0 && n >= critical:
		r.Status = mergeHealth(r.Status, HealthCritical)
		r.Reasons = append(r.Reasons, fmt.Sprintf("%s events %d >= critical threshold %d", name, n, critical))
	case warning > 0 && n >= warning:
		r.Status = mergeHealth(r.Status, HealthWarning)
		r.Reasons = append(r.Reasons, fmt.Sprintf("%s events %d >= warning threshold %d", name, n, warning))
	}
}

// ReprocessDeadLetter resets a dead event to pending with a fresh attempt
// budget. Ledger rows are kept, so handlers that already succeeded are skipped.
func (m *Monitor) ReprocessDeadLetter(ctx context.Context, id uuid.UUID) error {
	if err := m.store.Reset(ctx, id, m.opts.Clock.Now().UTC()); err != nil {
		return fmt.Errorf("outbox reprocess %s: %w", id, err)
	}
	m.opts.Logger.WithField("event_id", id.String()).Info("outbox: dead letter queued for reprocessing")
	return nil
}

func (m *Monitor) ReprocessAll(ctx context.Context) (int64, error) {
	n, err := m.store.ResetAllDead(ctx, m.opts.Clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("outbox reprocess all: %w", err)
	}
	if n > 0 {
		m.opts.Logger.WithField("count", n).Info("outbox: dead letters queued for reprocessing")
	}
	return n, nil
}

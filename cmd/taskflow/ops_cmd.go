package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/taskflow/pkg/configuration"
	"github.com/iota-uz/taskflow/pkg/outbox"
)

// withRuntime runs fn against a freshly built runtime and tears it down.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := newRuntime(cmd.Context(), configuration.Use())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(cmd.Context(), rt)
}

func newDispatchCmd() *cobra.Command {
	var (
		untilIdle bool
		maxPasses int
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run dispatch passes over due events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				var reports []outbox.DispatchReport
				for pass := 0; pass < maxPasses; pass++ {
					report, err := rt.pipeline.RunDispatchOnce(ctx)
					if err != nil {
						return withCode(exitBackend, err)
					}
					reports = append(reports, report)
					if !untilIdle || report.Skipped || report.Claimed == 0 {
						break
					}
				}
				return writeJSON(reports)
			})
		},
	}

	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "Keep running passes until one claims nothing")
	cmd.Flags().IntVar(&maxPasses, "max-passes", 100, "Upper bound on passes with --until-idle")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var (
		dryRun        bool
		retentionDays int
		batchSize     int
		preserveDead  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete done (and optionally dead) events past the retention horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				opts := rt.conf.Outbox.Cleanup()
				opts.DryRun = dryRun
				if cmd.Flags().Changed("retention-days") {
					opts.RetentionDays = retentionDays
				}
				if cmd.Flags().Changed("batch-size") {
					opts.BatchSize = batchSize
				}
				if cmd.Flags().Changed("preserve-dead") {
					opts.DeleteDeadLetters = !preserveDead
				}
				res, err := rt.pipeline.RunCleanupOnce(ctx, opts)
				if err != nil {
					if errors.Is(err, outbox.ErrInvalidInput) || errors.Is(err, outbox.ErrInvalidConfig) {
						return withCode(exitUsage, err)
					}
					return withCode(exitBackend, err)
				}
				return writeJSON(res)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count what would be deleted without deleting")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 30, "Override OUTBOX_RETENTION_DAYS")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Override OUTBOX_CLEANUP_BATCH_SIZE")
	cmd.Flags().BoolVar(&preserveDead, "preserve-dead", true, "Override OUTBOX_PRESERVE_DEAD_LETTERS")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print event counts by status, event type and aggregate type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				stats, err := rt.pipeline.Stats(ctx)
				if err != nil {
					return withCode(exitBackend, err)
				}
				return writeJSON(stats)
			})
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		status    string
		aggregate string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events by status or by aggregate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (status == "") == (aggregate == "") {
				return withCode(exitUsage, errors.New("exactly one of --status or --aggregate is required"))
			}
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				var (
					envs []outbox.Envelope
					err  error
				)
				if aggregate != "" {
					envs, err = rt.pipeline.EventsForAggregate(ctx, aggregate, limit)
				} else {
					st, perr := outbox.ParseStatus(status)
					if perr != nil {
						return withCode(exitUsage, perr)
					}
					envs, err = rt.pipeline.EventsByStatus(ctx, st, outbox.Page{Limit: limit, Offset: offset})
				}
				if err != nil {
					return withCode(exitBackend, err)
				}
				return writeJSON(envs)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "pending, processing, done or dead")
	cmd.Flags().StringVar(&aggregate, "aggregate", "", "Aggregate id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset (with --status)")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the pipeline health report; exits non-zero when critical",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.pipeline.Health(ctx)
				if err != nil {
					return withCode(exitBackend, err)
				}
				if err := writeJSON(report); err != nil {
					return err
				}
				if report.Status == outbox.HealthCritical {
					return withCode(exitUnhealthy, fmt.Errorf("outbox health is %s", report.Status))
				}
				return nil
			})
		},
	}
}

func newReprocessCmd() *cobra.Command {
	var (
		id  string
		all bool
	)

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Move dead-lettered events back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (id == "") == !all {
				return withCode(exitUsage, errors.New("exactly one of --id or --all is required"))
			}
			var eventID uuid.UUID
			if id != "" {
				var err error
				if eventID, err = uuid.Parse(id); err != nil {
					return withCode(exitUsage, fmt.Errorf("invalid --id: %w", err))
				}
			}
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if all {
					n, err := rt.pipeline.ReprocessAll(ctx)
					if err != nil {
						return withCode(exitBackend, err)
					}
					return writeJSON(map[string]int64{"reprocessed": n})
				}
				if err := rt.pipeline.ReprocessDeadLetter(ctx, eventID); err != nil {
					if errors.Is(err, outbox.ErrNotFound) || errors.Is(err, outbox.ErrNotDead) {
						return withCode(exitUsage, err)
					}
					return withCode(exitBackend, err)
				}
				return writeJSON(map[string]string{"id": eventID.String(), "status": string(outbox.StatusPending)})
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Dead event id")
	cmd.Flags().BoolVar(&all, "all", false, "Reprocess every dead event")
	return cmd
}

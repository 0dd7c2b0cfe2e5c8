package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iota-uz/taskflow/internal/server"
	"github.com/iota-uz/taskflow/pkg/configuration"
	"github.com/iota-uz/taskflow/pkg/logging"
	"github.com/iota-uz/taskflow/pkg/metrics"
	"github.com/iota-uz/taskflow/pkg/outbox/pgstore"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the scheduled dispatch and cleanup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf := configuration.Use()
			logger := conf.Logger()

			if conf.OpenTelemetry.Enabled {
				tracingCleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
				defer tracingCleanup()
				logger.Info("OpenTelemetry tracing enabled, exporting to " + conf.OpenTelemetry.TempoURL)
			}

			rt, err := newRuntime(ctx, conf)
			if err != nil {
				return err
			}
			defer rt.Close()

			if migrate && rt.pool != nil {
				if err := pgstore.Migrate(ctx, rt.pool, logger.WithField("component", "migrate")); err != nil {
					return withCode(exitBackend, err)
				}
			}
			if conf.Prometheus.Enabled {
				rt.app.RegisterControllers(metrics.NewPrometheusController(metrics.ControllerOptions{
					Path: conf.Prometheus.Path,
					Refresher: func(ctx context.Context) error {
						_, err := rt.pipeline.Stats(ctx)
						return err
					},
					Logger: logger.WithField("component", "metrics"),
				}))
			}

			srv := server.Default(&server.DefaultOptions{
				Logger:        logger,
				Configuration: conf,
				Application:   rt.app,
				Pool:          rt.pool,
			})

			rt.pipeline.Start(ctx)
			defer rt.pipeline.Stop()

			logger.WithFields(logrus.Fields{
				"addr":          conf.SocketAddress,
				"store_backend": conf.Outbox.StoreBackend,
				"lock_backend":  conf.Outbox.LockBackend,
			}).Info("taskflow: listening")
			return srv.Run(ctx, conf.SocketAddress)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending outbox migrations before serving")
	return cmd
}

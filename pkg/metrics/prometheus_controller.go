package metrics

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Refresher recomputes gauges that only the store knows, such as event
// counts per status. It runs before every scrape.
type Refresher func(ctx context.Context) error

type ControllerOptions struct {
	Path      string
	Gatherer  prometheus.Gatherer
	Refresher Refresher
	Logger    *logrus.Entry
}

type PrometheusController struct {
	path    string
	refresh Refresher
	handler http.Handler
	logger  *logrus.Entry
}

func NewPrometheusController(opts ControllerOptions) application.Controller {
	if opts.Path == "" {
		opts.Path = "/debug/prometheus"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PrometheusController{
		path:    opts.Path,
		refresh: opts.Refresher,
		handler: promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}),
		logger:  opts.Logger,
	}
}

func (c *PrometheusController) Key() string {
	return c.path
}

func (c *PrometheusController) Register(r *mux.Router) {
	r.HandleFunc(c.path, c.scrape).Methods(http.MethodGet)
}

// scrape serves stale gauges when the refresh fails.
func (c *PrometheusController) scrape(w http.ResponseWriter, r *http.Request) {
	if c.refresh != nil {
		if err := c.refresh(r.Context()); err != nil {
			c.logger.WithError(err).Warn("metrics: refresh before scrape failed")
		}
	}
	c.handler.ServeHTTP(w, r)
}

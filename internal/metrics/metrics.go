// Package metrics exposes add-on and HTTP counters in Prometheus format.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"addon-home/internal/events"
	"addon-home/internal/manager"
)

const namespace = "addon_home"

// Lister reports the installed add-ons.
type Lister interface {
	List() ([]manager.Status, error)
}

// Collector owns a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger
	unsub    func()

	AddOnEvents         *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a collector, registers the add-on state gauge backed by
// lister and counts every event on bus.
func New(lister Lister, bus *events.Bus, logger *slog.Logger) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		logger:   logger.With("component", "metrics"),
		AddOnEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addon_events_total",
			Help:      "Add-on lifecycle events by type",
		}, []string{"event"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(c.AddOnEvents, c.HTTPRequestsTotal, c.HTTPRequestDuration)
	reg.MustRegister(&stateCollector{lister: lister, logger: c.logger})

	c.unsub = bus.OnAll(func(e events.Event) {
		c.AddOnEvents.WithLabelValues(e.Type).Inc()
	})
	return c
}

// Stop detaches the collector from the event bus.
func (c *Collector) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTP records one finished request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

var addOnsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "addons"),
	"Installed add-ons by state",
	[]string{"state"}, nil,
)

// stateCollector counts add-ons per state at scrape time.
type stateCollector struct {
	lister Lister
	logger *slog.Logger
}

func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- addOnsDesc
}

func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	list, err := s.lister.List()
	if err != nil {
		s.logger.Warn("list add-ons for metrics", "err", err)
		return
	}
	counts := map[string]int{manager.StateActive: 0, manager.StateInactive: 0, manager.StateFailed: 0}
	for _, st := range list {
		counts[st.State()]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(addOnsDesc, prometheus.GaugeValue, float64(n), state)
	}
}

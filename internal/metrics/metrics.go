// Package metrics exports per-plug readings for Prometheus scrapes.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cbpowell/SenseLink/internal/plug"
)

var (
	powerDesc = prometheus.NewDesc("senselink_plug_power_watts",
		"Instantaneous power reported for a virtual plug",
		[]string{"mac", "alias"}, nil)
	responsesDesc = prometheus.NewDesc("senselink_plug_responses_total",
		"Discovery replies transmitted for a virtual plug",
		[]string{"mac", "alias"}, nil)
)

// Collector walks the plug registry on every scrape. The registry is
// immutable after startup, so no locking is needed here.
type Collector struct {
	registry *plug.Registry
}

func NewCollector(registry *plug.Registry) *Collector {
	return &Collector{registry: registry}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- powerDesc
	ch <- responsesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.registry.Plugs() {
		ch <- prometheus.MustNewConstMetric(
			powerDesc, prometheus.GaugeValue, p.Power(), p.MAC, p.Alias)
		ch <- prometheus.MustNewConstMetric(
			responsesDesc, prometheus.CounterValue, float64(p.Responses()), p.MAC, p.Alias)
	}
}

// Serve exposes /metrics on addr until the context is cancelled.
func Serve(ctx context.Context, addr string, registry *plug.Registry, logger *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(registry)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

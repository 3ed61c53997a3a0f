package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/gateway"
)

const namespace = "growlink"

// StatsSource provides the point-in-time figures behind the gauges.
type StatsSource interface {
	Stats() gateway.Stats
}

// Collector holds the Prometheus collectors for one gateway.
type Collector struct {
	registry *prometheus.Registry

	telemetry *prometheus.CounterVec
	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	pushed    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New builds a Collector and registers it, together with the Go runtime and
// process collectors, on a fresh registry. Gauges are added by WatchStats.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_readings_total",
			Help:      "Telemetry readings accepted, by device group.",
		}, []string{"group"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands submitted, by kind.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_completion_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_pushed_total",
			Help:      "Commands pushed to devices, by channel.",
		}, []string{"channel"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Events dropped for slow subscribers, by event type.",
		}, []string{"type"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.telemetry, c.submitted, c.finished, c.latency, c.pushed, c.dropped,
	)

	return c
}

// WatchStats registers gauges that read source on every scrape. It fails if
// called twice on the same Collector.
func (c *Collector) WatchStats(source StatsSource) error {
	gauge := func(name, help string, value func(gateway.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(source.Stats()) })
	}

	for _, g := range []prometheus.Collector{
		gauge("commands_pending", "Commands awaiting an outcome.",
			func(s gateway.Stats) float64 { return float64(s.Commands.Pending) }),
		gauge("devices_registered", "Devices known to the registry.",
			func(s gateway.Stats) float64 { return float64(s.Devices.Total) }),
		gauge("devices_connected", "Devices heard from within the stale window.",
			func(s gateway.Stats) float64 { return float64(s.Devices.Connected) }),
		gauge("broadcast_subscriptions", "Open event subscriptions.",
			func(s gateway.Stats) float64 { return float64(s.Broadcast.Subscriptions) }),
	} {
		if err := c.registry.Register(g); err != nil {
			return fmt.Errorf("metrics: register gauge: %w", err)
		}
	}
	return nil
}

// TelemetryIngested counts one accepted reading.
func (c *Collector) TelemetryIngested(group string) {
	c.telemetry.WithLabelValues(group).Inc()
}

// CommandSubmitted counts one accepted command.
func (c *Collector) CommandSubmitted(kind command.Kind) {
	c.submitted.WithLabelValues(string(kind)).Inc()
}

// CommandFinished counts a terminal transition and observes its latency.
func (c *Collector) CommandFinished(cmd command.Command) {
	c.finished.WithLabelValues(string(cmd.Kind), string(cmd.Status)).Inc()
	if cmd.CompletedAt != nil {
		c.latency.WithLabelValues(string(cmd.Status)).Observe(cmd.CompletedAt.Sub(cmd.CreatedAt).Seconds())
	}
}

// CommandPushed counts one push over the named channel.
func (c *Collector) CommandPushed(channel string) {
	c.pushed.WithLabelValues(channel).Inc()
}

// EventDropped counts an event a subscriber missed. It matches the
// broadcaster's OnDrop callback.
func (c *Collector) EventDropped(ev broadcast.Event) {
	c.dropped.WithLabelValues(string(ev.Type)).Inc()
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lojhan/twolevel/internal/command"
	"github.com/lojhan/twolevel/internal/resp"
)

// StatsSource reports the table counters at scrape time.
type StatsSource interface {
	Stats() command.Stats
}

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Metrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	errors      prometheus.Counter
	connections prometheus.Gauge
}

func New(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twolevel_commands_total",
			Help: "Commands executed, by command name",
		}, []string{"command"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twolevel_command_errors_total",
			Help: "Commands that returned an error reply",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twolevel_connections",
			Help: "Open client connections",
		}),
	}

	m.registry.MustRegister(
		m.commands,
		m.errors,
		m.connections,
		statsGauge(source, "twolevel_collision_rate", "Collisions divided by inserts since the last clear", func(s command.Stats) float64 {
			return s.CollisionRate
		}),
		statsGauge(source, "twolevel_inserts", "Inserts since the last clear", func(s command.Stats) float64 {
			return float64(s.Inserts)
		}),
		statsGauge(source, "twolevel_collisions", "Current collision count", func(s command.Stats) float64 {
			return float64(s.Collisions)
		}),
		statsGauge(source, "twolevel_entries", "Live entries across both levels", func(s command.Stats) float64 {
			return float64(s.Entries)
		}),
		statsGauge(source, "twolevel_capacity", "Slots per level", func(s command.Stats) float64 {
			return float64(s.Capacity)
		}),
	)
	return m
}

func statsGauge(source StatsSource, name, help string, pick func(command.Stats) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		return pick(source.Stats())
	})
}

func (m *Metrics) CommandExecuted(name string, reply resp.Value) {
	m.commands.WithLabelValues(name).Inc()
	if reply.Type == resp.Error {
		m.errors.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

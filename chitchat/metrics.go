package chitchat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "chitchat"

// Outcome label values shared by the command and relay counters
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeUnknown = "unknown"
	outcomeEmpty   = "empty"

	relayIgnored       = "ignored"
	relayClean         = "clean"
	relayFailOpen      = "fail_open"
	relayRewritten     = "rewritten"
	relayWarned        = "warned"
	relayReplyFailed   = "reply_failed"
	relayTranslateFail = "translate_failed"
)

// metrics holds the bot's collectors. Each bot gets its own registry so
// several instances (as in tests) don't collide on registration.
type metrics struct {
	registry *prometheus.Registry

	// CommandsTotal counts slash command invocations by command and outcome
	CommandsTotal *prometheus.CounterVec

	// MessagesTotal counts relay decisions, labeled by outcome
	MessagesTotal *prometheus.CounterVec

	// ReactionsTotal counts keyword reactions by keyword
	ReactionsTotal *prometheus.CounterVec

	// UpstreamDuration records outbound request latency by upstream and
	// status ("error" for transport failures)
	UpstreamDuration *prometheus.HistogramVec

	// HandlersInFlight tracks event handler goroutines currently running
	HandlersInFlight prometheus.Gauge
}

func newMetrics(discord *Discord) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Slash commands handled",
		}, []string{"command", "outcome"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_messages_total",
			Help:      "Messages seen by the moderation relay",
		}, []string{"outcome"}),
		ReactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keyword_reactions_total",
			Help:      "Keyword reactions triggered",
		}, []string{"keyword"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Outbound API request latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"upstream", "status"}),
		HandlersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers_in_flight",
			Help:      "Event handlers currently running",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CommandsTotal,
		m.MessagesTotal,
		m.ReactionsTotal,
		m.UpstreamDuration,
		m.HandlersInFlight,
	)

	if discord != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_connected",
				Help:      "1 if the discord gateway is connected",
			}, func() float64 {
				if discord.connected.Load() {
					return 1
				}
				return 0
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_connects_total",
				Help:      "Discord gateway connect events",
			}, func() float64 {
				return float64(discord.metricConnects.Load())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_disconnects_total",
				Help:      "Discord gateway disconnect events",
			}, func() float64 {
				return float64(discord.metricDisconnects.Load())
			}),
		)
	}
	return m
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

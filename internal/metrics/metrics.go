// Package metrics exposes the backbone's Prometheus instrumentation,
// grounded on dantte-lp-gobfd's internal/metrics collector shape: a struct
// of metric vectors, constructed once and registered against a Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "chatbackbone"

// Collector holds every metric the backbone exports.
type Collector struct {
	FramesParsed     *prometheus.CounterVec
	FramesMalformed  prometheus.Counter
	MessagesRouted   *prometheus.CounterVec
	PeersConnected   prometheus.Gauge
	ClientsConnected prometheus.Gauge
	GroupsActive     prometheus.Gauge
	RemindersFired   prometheus.Counter
	RemindersPending prometheus.Gauge
	SearchFanouts    prometheus.Counter
	TranslationCalls *prometheus.CounterVec
}

// NewCollector builds and registers a Collector. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		FramesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_parsed_total",
			Help:      "Frames successfully parsed, labeled by purpose.",
		}, []string{"purpose"}),
		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Frames rejected as malformed and the connection closed.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "MESSAGE frames routed, labeled by hop outcome.",
		}, []string{"outcome"}), // local | forwarded | broadcast | dropped
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Currently connected peer sessions.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Currently connected client sessions.",
		}),
		GroupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Groups currently held by the registry.",
		}),
		RemindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_fired_total",
			Help:      "Reminders popped from the heap and delivered or dropped.",
		}),
		RemindersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reminders_pending",
			Help:      "Reminders currently waiting in the heap.",
		}),
		SearchFanouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_fanouts_total",
			Help:      "SEARCH_USERS requests forwarded to the peer mesh.",
		}),
		TranslationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_calls_total",
			Help:      "Translation backend invocations, labeled by outcome.",
		}, []string{"outcome"}), // ok | error | cache_hit
	}

	reg.MustRegister(
		c.FramesParsed,
		c.FramesMalformed,
		c.MessagesRouted,
		c.PeersConnected,
		c.ClientsConnected,
		c.GroupsActive,
		c.RemindersFired,
		c.RemindersPending,
		c.SearchFanouts,
		c.TranslationCalls,
	)

	return c
}

// NewUnregistered builds a Collector backed by its own private registry,
// for tests that construct multiple servers in one process.
func NewUnregistered() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every testrelay metric.
const Namespace = "testrelay"

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "connections_accepted_total",
		Help:      "Count of test-runner connections accepted by port forwarders",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_sessions",
		Help:      "Number of forwarding sessions currently copying bytes",
	})

	BytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bytes_relayed_total",
		Help:      "Bytes copied from test-runner sockets into forwarder sinks",
	})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "session_errors_total",
		Help:      "Count of forwarding sessions that ended abnormally",
	}, []string{
		"stage",
	})

	RecordsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "records_decoded_total",
		Help:      "Count of protocol records decoded, by kind",
	}, []string{
		"kind",
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "decode_failures_total",
		Help:      "Count of record streams terminated by a malformed frame",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_dropped_total",
		Help:      "Count of build events dropped outside the running state",
	}, []string{
		"state",
	})

	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_persisted_total",
		Help:      "Count of build events appended to event logs",
	})
)

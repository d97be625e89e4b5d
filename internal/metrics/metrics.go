package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Dispatch outcomes by channel",
		},
		[]string{"channel", "outcome"}, // email|sms , sent|failed|pending|replayed|error
	)

	ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_provider_attempts_total",
			Help: "Provider calls by channel and result",
		},
		[]string{"channel", "result"}, // ok|transient|permanent
	)

	InboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Inbound queue messages by ingestion result",
		},
		[]string{"result"}, // stored|parse_error|duplicate|store_failed|rejected
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		DispatchTotal,
		ProviderAttemptsTotal,
		InboundEventsTotal,
	)
}

package rpc

import "github.com/prometheus/client_golang/prometheus"

// Metrics surface per-message-kind traffic counts and the number of
// connections a process has opened, the way a long-lived vat's operator
// would want to graph promise-pipelining and embargo traffic over time.
var (
	connsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capnp",
		Subsystem: "rpc",
		Name:      "connections_started_total",
		Help:      "Number of rpc.Conn instances created in this process.",
	})

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capnp",
		Subsystem: "rpc",
		Name:      "messages_sent_total",
		Help:      "RPC messages successfully handed to the transport, by message kind.",
	}, []string{"kind"})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capnp",
		Subsystem: "rpc",
		Name:      "messages_received_total",
		Help:      "RPC messages dispatched by handleMessage, by message kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(connsStarted, messagesSent, messagesReceived)
}

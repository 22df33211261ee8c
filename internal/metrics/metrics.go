// Package metrics exposes pcapsocksd's counters/gauges over Prometheus,
// grounded on runZeroInc-sockstats and m-lab-etl, both of which instrument a
// network stack with github.com/prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge SPEC_FULL.md §10 names.
type Metrics struct {
	ActiveTCPFlows   prometheus.Gauge
	ActiveUDPFlows   prometheus.Gauge
	BytesForwarded   *prometheus.CounterVec // direction: "in"|"out"
	Retransmits      *prometheus.CounterVec // kind: "go_back_n"|"selective"|"timeout"
	FastRetransmits  prometheus.Counter
	UDPEvictions     prometheus.Counter
	SOCKSConnectFail prometheus.Counter
	FlowBacklogBytes prometheus.Gauge
}

// New registers every metric against a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ActiveTCPFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pcapsocks_active_tcp_flows",
			Help: "Number of TCP flows currently tracked by the redirector.",
		}),
		ActiveUDPFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pcapsocks_active_udp_flows",
			Help: "Number of UDP NAT bindings currently in use.",
		}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pcapsocks_bytes_forwarded_total",
			Help: "Bytes forwarded between the redirected client and the upstream proxy.",
		}, []string{"direction"}),
		Retransmits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pcapsocks_retransmits_total",
			Help: "TCP segments retransmitted, by trigger.",
		}, []string{"kind"}),
		FastRetransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcapsocks_fast_retransmits_total",
			Help: "Fast retransmits triggered by duplicate ACKs.",
		}),
		UDPEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcapsocks_udp_nat_evictions_total",
			Help: "UDP NAT bindings evicted to free a local port for a new source port.",
		}),
		SOCKSConnectFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcapsocks_socks_connect_failures_total",
			Help: "SOCKS5 CONNECT/ASSOCIATE attempts that failed.",
		}),
		FlowBacklogBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pcapsocks_flow_backlog_bytes",
			Help: "Unacknowledged send-side bytes cached for the most recently inspected flow.",
		}),
	}
	return m, reg
}

// Handler serves reg's metrics for scraping, e.g. mounted at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

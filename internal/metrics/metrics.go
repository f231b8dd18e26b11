// Package metrics exposes portal's prometheus instrumentation, named and
// shaped after telemetry/flow-ingest/internal/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_build_info",
		Help: "Build information of the portal binary.",
	}, []string{"version", "commit", "date"})

	ServerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portal_sock_server_connections", Help: "Currently connected clients on a server socket.",
	})
	ClientReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_sock_client_reconnects_total", Help: "Total client socket reconnect attempts.",
	})

	RPCRecvTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_rpc_server_recv_total", Help: "Total requests admitted by the RPC server.",
	}, []string{"method"})
	RPCSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_rpc_server_send_total", Help: "Total responses sent by the RPC server.",
	}, []string{"method", "status"})
	RPCAdmissionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_rpc_server_admission_counter", Help: "Current per-method admission counter value.",
	}, []string{"method"})
	RPCQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_rpc_server_queue_depth", Help: "Current per-method pending-request queue depth.",
	}, []string{"method"})
	RPCPostQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portal_rpc_server_post_queue_depth", Help: "Combined post-hook queue depth (post_in + post_out).",
	})

	ClientInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portal_rpc_client_inflight", Help: "Current in-flight future count on the RPC client.",
	})
	ClientAbandonedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_rpc_client_abandoned_errors_total", Help: "Futures that failed and were dropped without being awaited.",
	})

	BatchFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_batch_flush_total", Help: "Total batches flushed to the inner RPC server.",
	}, []string{"method"})
	BatchActiveSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_batch_active_size", Help: "Entries accumulated in the currently active batch.",
	}, []string{"method"})
)

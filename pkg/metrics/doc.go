/*
Package metrics provides Prometheus metrics collection and exposition for xpd.

Metrics are registered once at package init via prometheus.MustRegister and
updated from two places: inline at the call site for request/operation
counters (pkg/apiserver, pkg/reconciler, pkg/quota, pkg/usage), and on a
15-second sampling loop by Collector (pkg/metrics/collector.go) for gauges
that reflect store/Raft state rather than a discrete event.

# Metrics catalog

Fleet state (sampled by Collector):

	xpd_nodes_total                    gauge    nodes known to the cluster
	xpd_endpoints_total{kind}           gauge    endpoints by kind (vless, ss2022, ...)
	xpd_grants_total{enabled}           gauge    grants by enabled/disabled
	xpd_users_total                     gauge    users known to the cluster

Raft (sampled by Collector, driven by Node.Apply for the commit histogram):

	xpd_raft_is_leader                  gauge
	xpd_raft_peers_total                gauge
	xpd_raft_log_index                  gauge
	xpd_raft_applied_index              gauge
	xpd_raft_commit_duration_seconds    histogram

Admin/join API (pkg/apiserver):

	xpd_api_requests_total{method,status}        counter
	xpd_api_request_duration_seconds{method}     histogram

Reconciler (pkg/reconciler):

	xpd_reconciliation_duration_seconds          histogram
	xpd_reconciliation_cycles_total              counter
	xpd_reconciliation_errors_total{kind}         counter  one resource's apply failure never blocks the rest of the cycle
	xpd_inbound_rebuilds_total                    counter

Quota engine (pkg/quota):

	xpd_quota_tick_duration_seconds               histogram
	xpd_quota_bans_total                          counter
	xpd_quota_unbans_total                        counter
	xpd_quota_rebaselines_total                   counter
	xpd_quota_divergence                          gauge    1 while a banned grant is still marked enabled in desired state

Xray supervision (pkg/usage):

	xpd_proxy_healthy                             gauge
	xpd_proxy_restarts_total                      counter

# Usage

	import "github.com/nodeplane/xpd/pkg/metrics"

	metrics.EndpointsTotal.WithLabelValues("vless").Set(4)
	metrics.APIRequestsTotal.WithLabelValues("POST /api/cluster/join", "200").Inc()

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.ReconciliationDuration)

Expose the registry over HTTP (done once, in cmd/xpd/serve.go alongside
/health, /ready, /live):

	http.Handle("/metrics", metrics.Handler())

# See also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics

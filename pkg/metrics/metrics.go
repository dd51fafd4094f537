package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_nodes_total",
			Help: "Total number of nodes in the fleet",
		},
	)

	EndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xpd_endpoints_total",
			Help: "Total number of endpoints by kind",
		},
		[]string{"kind"},
	)

	GrantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xpd_grants_total",
			Help: "Total number of grants by enabled state",
		},
		[]string{"enabled"},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_users_total",
			Help: "Total number of subscriber users",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_raft_peers_total",
			Help: "Total number of Raft voters in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xpd_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpd_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xpd_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xpd_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpd_reconciliation_errors_total",
			Help: "Total number of reconciliation resource errors by kind",
		},
		[]string{"resource"},
	)

	InboundRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_inbound_rebuilds_total",
			Help: "Total number of inbound rebuilds (RemoveInbound+AddInbound) triggered by a config hash change",
		},
	)

	// Quota engine metrics
	QuotaTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xpd_quota_tick_duration_seconds",
			Help:    "Time taken for a quota engine tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuotaBansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_quota_bans_total",
			Help: "Total number of grants locally banned for exceeding quota",
		},
	)

	QuotaUnbansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_quota_unbans_total",
			Help: "Total number of grants auto-unbanned on cycle rollover",
		},
	)

	QuotaRebaselinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_quota_rebaselines_total",
			Help: "Total number of negative-delta counter re-baselines (proxy restarts)",
		},
	)

	QuotaDivergenceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_quota_divergent_grants",
			Help: "Number of grants currently quota_banned locally but still desired_enabled in replicated state",
		},
	)

	// Usage / health supervisor metrics
	ProxyHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpd_proxy_healthy",
			Help: "Whether the local Xray process answered its last probe (1 = healthy, 0 = down)",
		},
	)

	ProxyRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xpd_proxy_restarts_total",
			Help: "Total number of times the local supervisor restarted the Xray process",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(GrantsTotal)
	prometheus.MustRegister(UsersTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftCommitDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)
	prometheus.MustRegister(InboundRebuildsTotal)

	prometheus.MustRegister(QuotaTickDuration)
	prometheus.MustRegister(QuotaBansTotal)
	prometheus.MustRegister(QuotaUnbansTotal)
	prometheus.MustRegister(QuotaRebaselinesTotal)
	prometheus.MustRegister(QuotaDivergenceGauge)

	prometheus.MustRegister(ProxyHealthy)
	prometheus.MustRegister(ProxyRestartsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

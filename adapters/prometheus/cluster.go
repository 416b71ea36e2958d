package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/metrics"
)

// managerMetrics implements cluster.ManagerMetrics using Prometheus.
type managerMetrics struct {
	spawnsTotal      *prometheus.CounterVec
	exitsTotal       *prometheus.CounterVec
	restartsTotal    *prometheus.CounterVec
	readyTotal       *prometheus.CounterVec
	budgetExhausted  *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	callsTotal       *prometheus.CounterVec
	pendingRequests  prometheus.Gauge
	queueLength      prometheus.Gauge
	heartbeatsMissed *prometheus.CounterVec
	reclustersTotal  *prometheus.CounterVec
}

// NewManagerMetrics creates a new Prometheus implementation of
// cluster.ManagerMetrics.
func NewManagerMetrics(reg prometheus.Registerer) cluster.ManagerMetrics {
	m := &managerMetrics{
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_cluster_spawns_total",
			Help: "Total number of worker spawns",
		}, []string{"cluster"}),

		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_cluster_exits_total",
			Help: "Total number of worker exits",
		}, []string{"cluster", "crashed"}),

		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_cluster_restarts_total",
			Help: "Total number of automatic respawns",
		}, []string{"cluster"}),

		readyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_cluster_ready_total",
			Help: "Total number of workers that reported ready",
		}, []string{"cluster"}),

		budgetExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_cluster_restart_budget_exhausted_total",
			Help: "Total number of respawns declined because the restart budget was used up",
		}, []string{"cluster"}),

		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardvisor_call_duration_seconds",
			Help:    "Correlated call latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"tag"}),

		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_calls_total",
			Help: "Total number of correlated calls",
		}, []string{"tag", "success"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardvisor_pending_requests",
			Help: "Number of outstanding correlated requests",
		}),

		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardvisor_spawn_queue_length",
			Help: "Number of items waiting in the spawn queue",
		}),

		heartbeatsMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_heartbeats_missed_total",
			Help: "Total number of heartbeat intervals with unanswered probes",
		}, []string{"cluster"}),

		reclustersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardvisor_reclusters_total",
			Help: "Total number of reclusters",
		}, []string{"mode", "success"}),
	}

	reg.MustRegister(
		m.spawnsTotal,
		m.exitsTotal,
		m.restartsTotal,
		m.readyTotal,
		m.budgetExhausted,
		m.callDuration,
		m.callsTotal,
		m.pendingRequests,
		m.queueLength,
		m.heartbeatsMissed,
		m.reclustersTotal,
	)

	return m
}

func (m *managerMetrics) ClusterSpawned(id int) {
	m.spawnsTotal.WithLabelValues(clusterLabel(id)).Inc()
}

func (m *managerMetrics) ClusterExited(id int, crashed bool) {
	m.exitsTotal.WithLabelValues(clusterLabel(id), boolToStr(crashed)).Inc()
}

func (m *managerMetrics) ClusterRestarted(id int) {
	m.restartsTotal.WithLabelValues(clusterLabel(id)).Inc()
}

func (m *managerMetrics) ClusterReady(id int) {
	m.readyTotal.WithLabelValues(clusterLabel(id)).Inc()
}

func (m *managerMetrics) RestartBudgetExhausted(id int) {
	m.budgetExhausted.WithLabelValues(clusterLabel(id)).Inc()
}

func (m *managerMetrics) CallDuration(tag string) metrics.Timer {
	return newTimer(m.callDuration.WithLabelValues(tag))
}

func (m *managerMetrics) CallCompleted(tag string, success bool) {
	m.callsTotal.WithLabelValues(tag, boolToStr(success)).Inc()
}

func (m *managerMetrics) PendingRequests(count int) {
	m.pendingRequests.Set(float64(count))
}

func (m *managerMetrics) QueueLength(count int) {
	m.queueLength.Set(float64(count))
}

func (m *managerMetrics) HeartbeatMissed(id int) {
	m.heartbeatsMissed.WithLabelValues(clusterLabel(id)).Inc()
}

func (m *managerMetrics) ReclusterCompleted(mode string, success bool) {
	m.reclustersTotal.WithLabelValues(mode, boolToStr(success)).Inc()
}

var _ cluster.ManagerMetrics = (*managerMetrics)(nil)

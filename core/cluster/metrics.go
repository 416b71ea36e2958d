package cluster

import "github.com/codewandler/shardvisor/core/metrics"

// ManagerMetrics defines the metrics reported by a Manager and its clusters.
// All methods are thread-safe.
type ManagerMetrics interface {
	// Cluster lifecycle
	ClusterSpawned(clusterID int)
	ClusterExited(clusterID int, crashed bool)
	ClusterRestarted(clusterID int)
	ClusterReady(clusterID int)
	RestartBudgetExhausted(clusterID int)

	// Correlated calls
	CallDuration(tag string) metrics.Timer
	CallCompleted(tag string, success bool)
	PendingRequests(count int)

	// Spawn queue
	QueueLength(count int)

	// Liveness
	HeartbeatMissed(clusterID int)

	// Recluster: mode is rolling or gracefulSwitch
	ReclusterCompleted(mode string, success bool)
}

type nopManagerMetrics struct{}

func (nopManagerMetrics) ClusterSpawned(int)         {}
func (nopManagerMetrics) ClusterExited(int, bool)    {}
func (nopManagerMetrics) ClusterRestarted(int)       {}
func (nopManagerMetrics) ClusterReady(int)           {}
func (nopManagerMetrics) RestartBudgetExhausted(int) {}

func (nopManagerMetrics) CallDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopManagerMetrics) CallCompleted(string, bool)        {}
func (nopManagerMetrics) PendingRequests(int)               {}

func (nopManagerMetrics) QueueLength(int) {}

func (nopManagerMetrics) HeartbeatMissed(int) {}

func (nopManagerMetrics) ReclusterCompleted(string, bool) {}

// NopManagerMetrics returns a no-op ManagerMetrics implementation.
func NopManagerMetrics() ManagerMetrics { return nopManagerMetrics{} }

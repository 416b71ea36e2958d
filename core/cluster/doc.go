// Package cluster supervises a fleet of workers that together serve the
// shards of a sharded bot client.
//
// A [Manager] partitions the shard id space into contiguous chunks, one per
// [Cluster], and spawns the clusters one after another through a throttled
// queue so the platform's identify limits are respected. Each cluster owns a
// single worker, started through a [proc.Spawner], and respawns it in place
// when it crashes, within a restart budget.
//
// # Spawning
//
//	m, err := cluster.NewManager(cluster.Options{
//	    Spawner:     spawner,
//	    TotalShards: 16,
//	})
//
//	// 16 shards over 4 clusters, 7s per shard between clusters
//	err = m.Spawn(ctx, cluster.SpawnOptions{TotalClusters: 4})
//
// Shard and cluster counts may be [Auto]: the shard count is then fetched
// through a [ShardCountFetcher] and the cluster count derived from the host
// core count.
//
// # Calls
//
// Calls are correlated by nonce and answered by the worker's procedure
// registry:
//
//	// one result per cluster, ordered by cluster id
//	guilds, err := cluster.Broadcast[int](ctx, m, protocol.Property("guilds.count"), protocol.AllClusters())
//
//	// exactly one result from the cluster owning shard 3
//	status, err := m.FetchValueOne(ctx, "status", protocol.ShardTarget(3))
//
// Fan-out is fail-fast: the first failing cluster cancels the others.
//
// # Restart policy
//
// A crashed worker is respawned while the cluster has restarts left in its
// budget ([Restarts]); the counter resets once the budget's interval passes
// without a crash. Workers stopped with [Cluster.Kill], including those
// replaced during a recluster, are never respawned and do not use budget.
//
// # Plugins
//
// [Plugin]s such as the heartbeat monitor and the recluster controller
// subscribe to the manager's lifecycle events ([Manager.OnClusterCreate],
// [Manager.OnClusterReady], ...).
package cluster

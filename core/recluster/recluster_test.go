package recluster

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/worker"
)

func maintenanceWorker(ctx context.Context, c *worker.Client) error {
	c.Procedures().Property("maintenance", func(context.Context) (any, error) {
		return c.Maintenance(), nil
	})
	return cluster.EchoWorker(ctx, c)
}

func setup(t *testing.T, main worker.MainFunc) (*cluster.Manager, *Controller) {
	t.Helper()
	m := cluster.SpawnTestManager(t, 4, 2, main)
	ctrl := New(nil)
	require.NoError(t, m.Extend(ctrl))
	return m, ctrl
}

func TestController_GracefulSwitch(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	m, ctrl := setup(t, maintenanceWorker)
	old := m.Clusters()

	var states []State
	m.OnDebug(func(e cluster.DebugEvent) {
		if e.Message == "recluster state changed" {
			states = append(states, ctrl.State())
		}
	})

	require.NoError(t, ctrl.Start(t.Context(), Options{TotalClusters: 4, Delay: -1}))
	require.Equal(t, StateIdle, ctrl.State())
	require.Equal(t, []State{StateMaintenanceOn, StateSpawningNew, StateCutover, StateMaintenanceOff, StateIdle}, states)

	require.Equal(t, [][]int{{0}, {1}, {2}, {3}}, m.ShardClusterList())
	require.Equal(t, 4, m.TotalClusters())
	clusters := m.Clusters()
	require.Len(t, clusters, 4)
	for _, c := range clusters {
		require.True(t, c.Recluster())
		require.True(t, c.Ready())
	}
	for _, c := range old {
		require.Eventually(t, func() bool { return !c.Live() }, time.Second, time.Millisecond)
	}

	require.Equal(t, "", m.Maintenance())
	res, err := cluster.Broadcast[string](t.Context(), m, protocol.Property("maintenance"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, []string{"", "", "", ""}, res)

	shards, err := m.FetchValueOne(t.Context(), "shards", protocol.ShardTarget(2))
	require.NoError(t, err)
	require.JSONEq(t, "[2]", string(shards))
}

func TestController_Rolling(t *testing.T) {
	m, ctrl := setup(t, maintenanceWorker)
	old := m.Clusters()

	require.NoError(t, ctrl.Start(t.Context(), Options{TotalClusters: 1, Mode: ModeRolling, Delay: -1}))

	clusters := m.Clusters()
	require.Len(t, clusters, 1)
	require.Equal(t, []int{0, 1, 2, 3}, clusters[0].Shards())
	require.NotSame(t, old[0], clusters[0])
	for _, c := range old {
		require.Eventually(t, func() bool { return !c.Live() }, time.Second, time.Millisecond)
	}
	_, ok := m.Cluster(1)
	require.False(t, ok)

	res, err := m.FetchValueOne(t.Context(), "maintenance", protocol.Clusters(0))
	require.NoError(t, err)
	require.JSONEq(t, `""`, string(res))
}

func TestController_FailureKeepsPredecessors(t *testing.T) {
	// replacements never report ready
	m, ctrl := setup(t, func(ctx context.Context, c *worker.Client) error {
		if c.Info().Maintenance == MaintenanceReason {
			<-ctx.Done()
			return nil
		}
		return maintenanceWorker(ctx, c)
	})
	old := m.Clusters()

	err := ctrl.Start(t.Context(), Options{TotalClusters: 4, Delay: -1, ReadyTimeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, cluster.ErrReadyTimeout)
	require.Equal(t, StateIdle, ctrl.State())

	require.Equal(t, old, m.Clusters())
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, m.ShardClusterList())
	require.Equal(t, 0, m.Queue().Len())
	for _, c := range old {
		require.True(t, c.Live())
	}

	res, err := cluster.Broadcast[string](t.Context(), m, protocol.Property("maintenance"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, res)
}

func TestController_RollingFailureKeepsShardsServed(t *testing.T) {
	// the new cluster 1 never reports ready, new cluster 0 does
	m, ctrl := setup(t, func(ctx context.Context, c *worker.Client) error {
		if c.Info().TotalClusters == 4 && c.ID() == 1 {
			<-ctx.Done()
			return nil
		}
		return maintenanceWorker(ctx, c)
	})
	old := m.Clusters()

	var newZero atomic.Pointer[cluster.Cluster]
	m.OnClusterReady(func(c *cluster.Cluster) {
		if c.Recluster() && c.ID() == 0 {
			newZero.Store(c)
		}
	})

	err := ctrl.Start(t.Context(), Options{TotalClusters: 4, Mode: ModeRolling, Delay: -1, ReadyTimeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, cluster.ErrReadyTimeout)
	require.Equal(t, StateIdle, ctrl.State())
	cut := newZero.Load()
	require.NotNil(t, cut)

	require.Equal(t, old, m.Clusters())
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, m.ShardClusterList())
	require.Equal(t, 0, m.Queue().Len())
	for _, c := range old {
		require.Eventually(t, c.Ready, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return !cut.Live() }, time.Second, time.Millisecond)

	for shard, want := range []string{"[0,1]", "[0,1]", "[2,3]", "[2,3]"} {
		res, err := m.FetchValueOne(t.Context(), "shards", protocol.ShardTarget(shard))
		require.NoError(t, err)
		require.JSONEq(t, want, string(res))
	}

	res, err := cluster.Broadcast[string](t.Context(), m, protocol.Property("maintenance"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, res)
}

func TestController_InProgress(t *testing.T) {
	m, ctrl := setup(t, func(ctx context.Context, c *worker.Client) error {
		if c.Info().Maintenance == MaintenanceReason {
			<-ctx.Done()
			return nil
		}
		return cluster.EchoWorker(ctx, c)
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- ctrl.Start(ctx, Options{TotalClusters: 4, Delay: -1, ReadyTimeout: time.Minute}) }()

	require.Eventually(t, func() bool { return ctrl.State() == StateSpawningNew }, time.Second, time.Millisecond)
	require.ErrorIs(t, ctrl.Start(t.Context(), Options{}), ErrInProgress)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, m.Clusters(), 2)
	for _, c := range m.Clusters() {
		require.False(t, c.Recluster())
	}
}

func TestController_Config(t *testing.T) {
	ctrl := New(nil)
	require.ErrorIs(t, ctrl.Start(t.Context(), Options{}), cluster.ErrConfig)

	_, ctrl = setup(t, cluster.EchoWorker)
	require.ErrorIs(t, ctrl.Start(t.Context(), Options{Mode: "bluegreen"}), cluster.ErrConfig)
	require.ErrorIs(t, ctrl.Start(t.Context(), Options{ShardClusterList: [][]int{{0, 1}, {1}}}), cluster.ErrConfig)
}

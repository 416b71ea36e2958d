package cluster

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
	"github.com/codewandler/shardvisor/core/worker"
)

func crashingWorker(context.Context, *worker.Client) error {
	return errors.New("crash")
}

func TestCluster_ReadyNoWait(t *testing.T) {
	release := make(chan struct{})
	m := CreateTestManager(t, Options{TotalShards: 2, TotalClusters: 1}, func(ctx context.Context, c *worker.Client) error {
		select {
		case <-release:
		case <-ctx.Done():
			return nil
		}
		return EchoWorker(ctx, c)
	})

	readyEvents := make(chan *Cluster, 1)
	m.OnClusterReady(func(c *Cluster) { readyEvents <- c })

	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1, ReadyTimeout: ReadyNoWait}))
	c, ok := m.Cluster(0)
	require.True(t, ok)
	require.True(t, c.Live())
	require.False(t, c.Ready())

	waited := make(chan error, 1)
	go func() { waited <- c.WaitReady(t.Context()) }()

	close(release)
	require.NoError(t, <-waited)
	require.True(t, c.Ready())
	require.Same(t, c, <-readyEvents)
}

func TestCluster_ReadyTimeout(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: 1, TotalClusters: 1}, func(ctx context.Context, c *worker.Client) error {
		<-ctx.Done()
		return nil
	})
	c := m.NewCluster(Config{ID: 0, Shards: []int{0}, TotalShards: 1, TotalClusters: 1})
	m.Register(c)

	err := c.Spawn(t.Context(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrReadyTimeout)
	// the worker keeps running
	require.True(t, c.Live())
	require.False(t, c.Ready())
}

func TestCluster_SpawnDoesNotBlockReaders(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	run := proc.NewGoroutineSpawner(worker.Func(worker.Options{}, EchoWorker))
	m := CreateTestManager(t, Options{
		TotalShards:   1,
		TotalClusters: 1,
		Spawner: proc.SpawnerFunc(func(ctx context.Context, boot protocol.Bootstrap) (proc.Handle, error) {
			close(entered)
			<-release
			return run.Spawn(ctx, boot)
		}),
	}, nil)
	c := m.NewCluster(Config{ID: 0, Shards: []int{0}, TotalShards: 1, TotalClusters: 1})
	m.Register(c)

	spawned := make(chan error, 1)
	go func() { spawned <- c.Spawn(t.Context(), time.Second) }()
	<-entered

	read := make(chan struct{})
	go func() {
		_ = c.Live()
		_ = c.Ready()
		_ = c.Maintenance()
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("cluster state blocked while the spawner runs")
	}
	require.False(t, c.Live())
	require.ErrorIs(t, c.Spawn(t.Context(), ReadyNoWait), ErrAlreadySpawned)

	close(release)
	require.NoError(t, <-spawned)
	require.True(t, c.Live())
	require.True(t, c.Ready())
}

func TestCluster_ExitedBeforeReady(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: 1, TotalClusters: 1, DisableRespawn: true}, crashingWorker)
	err := m.Spawn(t.Context(), SpawnOptions{Delay: -1})
	require.ErrorIs(t, err, ErrExitedBeforeReady)
	require.ErrorContains(t, err, "crash")

	c, _ := m.Cluster(0)
	require.Eventually(t, func() bool { return !c.Live() }, time.Second, time.Millisecond)
	require.Equal(t, 0, c.Restarts())
}

func TestCluster_RestartBudget(t *testing.T) {
	var (
		deaths    atomic.Int32
		exhausted atomic.Int32
	)
	m := CreateTestManager(t, Options{
		TotalShards:   1,
		TotalClusters: 1,
		Restarts:      Restarts{Max: 2, Interval: 300 * time.Millisecond},
		Metrics:       &budgetMetrics{exhausted: &exhausted},
	}, crashingWorker)
	m.OnClusterDeath(func(e DeathEvent) {
		if !e.Killed {
			deaths.Add(1)
		}
	})

	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1, ReadyTimeout: ReadyNoWait}))
	c, _ := m.Cluster(0)

	// first run plus two restarts, then the budget is exhausted
	require.Eventually(t, func() bool { return exhausted.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(3), deaths.Load())
	require.Equal(t, 2, c.Restarts())
	require.False(t, c.Live())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), deaths.Load())

	// the counter resets once the interval passed without crashes
	require.Eventually(t, func() bool { return c.Restarts() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCluster_KillDoesNotRespawn(t *testing.T) {
	m := SpawnTestManager(t, 2, 1, EchoWorker)
	c, _ := m.Cluster(0)

	deaths := make(chan DeathEvent, 1)
	m.OnClusterDeath(func(e DeathEvent) { deaths <- e })

	require.NoError(t, c.Kill(KillOptions{Reason: "recluster"}))
	e := <-deaths
	require.True(t, e.Killed)
	require.Equal(t, "recluster", e.Reason)
	require.NoError(t, e.Err)

	time.Sleep(20 * time.Millisecond)
	require.False(t, c.Live())
	require.Equal(t, 0, c.Restarts())

	require.ErrorIs(t, c.Kill(KillOptions{}), ErrNoProcess)
	_, err := c.Call(t.Context(), protocol.Property("shards"), 0)
	require.ErrorIs(t, err, ErrNoProcess)
	_, err = m.FetchValueOne(t.Context(), "shards", protocol.ShardTarget(0))
	require.ErrorIs(t, err, ErrNoProcess)

	require.NoError(t, c.Respawn(t.Context(), 0, 0))
	require.True(t, c.Ready())
}

func TestCluster_CallTimeout(t *testing.T) {
	m := SpawnTestManager(t, 1, 1, func(ctx context.Context, c *worker.Client) error {
		c.Procedures().Property("slow", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return EchoWorker(ctx, c)
	})
	c, _ := m.Cluster(0)

	_, err := c.Call(t.Context(), protocol.Property("slow"), 20*time.Millisecond)
	require.ErrorContains(t, err, "request timed out")
	require.Equal(t, 0, m.Correlator().Len())

	_, err = c.Call(t.Context(), protocol.Call{}, 0)
	require.ErrorIs(t, err, rpc.ErrInvalidCall)
}

func TestCluster_Recover(t *testing.T) {
	m := CreateTestManager(t, Options{
		TotalShards:   1,
		TotalClusters: 1,
		Restarts:      Restarts{Max: 1, Interval: time.Hour},
	}, EchoWorker)
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))
	c, _ := m.Cluster(0)
	first := c.WorkerID()

	require.NoError(t, c.Recover(t.Context()))
	require.NoError(t, c.WaitReady(t.Context()))
	require.NotEqual(t, first, c.WorkerID())
	require.Equal(t, 1, c.Restarts())

	require.ErrorIs(t, c.Recover(t.Context()), ErrRestartBudgetExhausted)
	require.True(t, c.Live())
}

type budgetMetrics struct {
	nopManagerMetrics
	exhausted *atomic.Int32
}

func (b *budgetMetrics) RestartBudgetExhausted(int) { b.exhausted.Add(1) }

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/correlator"
	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
	"github.com/codewandler/shardvisor/core/worker"
)

func TestNewManager_Config(t *testing.T) {
	spawner := proc.NewGoroutineSpawner(worker.Func(worker.Options{}, EchoWorker))

	for name, opts := range map[string]Options{
		"no spawner":        {},
		"negative shards":   {Spawner: spawner, TotalShards: -5},
		"negative clusters": {Spawner: spawner, TotalClusters: -2},
		"duplicate shard":   {Spawner: spawner, ShardList: []int{1, 1}},
		"shard out of range": {
			Spawner: spawner, TotalShards: 4, ShardList: []int{4},
		},
		"negative restarts": {Spawner: spawner, Restarts: Restarts{Max: -1}},
		"unknown mode":      {Spawner: spawner, Mode: "thread"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(opts)
			require.ErrorIs(t, err, ErrConfig)
		})
	}

	m, err := NewManager(Options{Spawner: spawner, TotalShards: Auto, TotalClusters: Auto})
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestManager_FourShardsTwoClusters(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	m := SpawnTestManager(t, 4, 2, EchoWorker)
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, m.ShardClusterList())
	require.Len(t, m.Clusters(), 2)
	for _, c := range m.Clusters() {
		require.True(t, c.Ready())
	}

	// shard 3 is served by cluster 1 and yields one result
	res, err := m.FetchValueOne(t.Context(), "shards", protocol.ShardTarget(3))
	require.NoError(t, err)
	require.JSONEq(t, "[2,3]", string(res))

	id, err := Call[int](t.Context(), m, protocol.Property("cluster.clusterId"), protocol.ShardTarget(3))
	require.NoError(t, err)
	require.Equal(t, 1, id)

	// guild ids route through the shard formula
	id, err = Call[int](t.Context(), m, protocol.Property("cluster.clusterId"), protocol.KeyTarget(strconv.Itoa(1<<22)))
	require.NoError(t, err)
	require.Equal(t, 0, id)

	all, err := Broadcast[[]int](t.Context(), m, protocol.Property("shards"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, all)

	some, err := m.FetchValue(t.Context(), "cluster.totalShards", protocol.Clusters(1))
	require.NoError(t, err)
	require.Len(t, some, 1)
	require.JSONEq(t, "4", string(some[0]))
}

func TestManager_Targets(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: 4, TotalClusters: 2}, EchoWorker)

	_, err := m.FetchValue(t.Context(), "shards", protocol.AllClusters())
	require.ErrorIs(t, err, ErrNoClusters)

	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))

	_, err = m.FetchValue(t.Context(), "shards", protocol.Clusters(0, 5))
	require.ErrorIs(t, err, ErrClusterNotFound)

	_, err = m.FetchValueOne(t.Context(), "shards", protocol.ShardTarget(9))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = m.FetchValueOne(t.Context(), "shards", protocol.AllClusters())
	require.ErrorIs(t, err, ErrInvalidTarget)

	shard := 1
	_, err = m.FetchValue(t.Context(), "shards", protocol.Target{Clusters: []int{0}, Shard: &shard})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestManager_BroadcastFailFast(t *testing.T) {
	m := SpawnTestManager(t, 4, 2, func(ctx context.Context, c *worker.Client) error {
		rpc.Handle(c.Procedures(), "odd", func(context.Context, struct{}) (int, error) {
			if c.ID()%2 == 1 {
				return 0, errors.New("odd cluster")
			}
			return c.ID(), nil
		})
		return EchoWorker(ctx, c)
	})

	_, err := m.BroadcastCall(t.Context(), protocol.Call{Procedure: "odd"}, protocol.AllClusters())
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "odd cluster", re.Message)
	require.ErrorContains(t, err, "cluster-1")

	res, err := m.BroadcastCall(t.Context(), protocol.Call{Procedure: "odd"}, protocol.Clusters(0))
	require.NoError(t, err)
	require.JSONEq(t, "0", string(res[0]))

	_, err = m.CallOne(t.Context(), protocol.Call{Procedure: "missing"}, protocol.Clusters(0))
	require.ErrorAs(t, err, &re)
	require.Contains(t, re.Message, "missing")
}

func TestManager_AdoptsChunkCount(t *testing.T) {
	m := SpawnTestManager(t, 5, 4, EchoWorker)
	require.Equal(t, 3, m.TotalClusters())
	require.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, m.ShardClusterList())

	info, err := Call[protocol.Bootstrap](t.Context(), m, protocol.Property("cluster"), protocol.Clusters(2))
	require.NoError(t, err)
	require.Equal(t, 3, info.TotalClusters)
	require.Equal(t, 5, info.TotalShards)
	require.Equal(t, protocol.ModeWorker, info.Mode)
}

func TestManager_AutoCounts(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: Auto, TotalClusters: Auto}, EchoWorker)
	err := m.Spawn(t.Context(), SpawnOptions{Delay: -1})
	require.ErrorIs(t, err, ErrConfig)

	m = CreateTestManager(t, Options{
		ShardCountFetcher: ShardCountFetcherFunc(func(context.Context) (int, error) { return 6, nil }),
		CoreCount:         func() int { return 2 },
	}, EchoWorker)
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))
	require.Equal(t, 6, m.TotalShards())
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, m.ShardClusterList())

	m = CreateTestManager(t, Options{TotalShards: 6, ShardsPerCluster: 4}, EchoWorker)
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, m.ShardClusterList())

	m = CreateTestManager(t, Options{TotalShards: 8, ShardList: []int{4, 5, 6, 7}, TotalClusters: 2}, EchoWorker)
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))
	require.Equal(t, [][]int{{4, 5}, {6, 7}}, m.ShardClusterList())
}

func TestManager_SpawnTwice(t *testing.T) {
	m := SpawnTestManager(t, 2, 1, EchoWorker)
	require.ErrorIs(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}), ErrAlreadySpawned)

	c, ok := m.Cluster(0)
	require.True(t, ok)
	require.ErrorIs(t, c.Spawn(t.Context(), ReadyNoWait), ErrAlreadySpawned)
}

func TestManager_SpawnFailure(t *testing.T) {
	m := CreateTestManager(t, Options{
		TotalShards:   2,
		TotalClusters: 2,
		Spawner: proc.SpawnerFunc(func(context.Context, protocol.Bootstrap) (proc.Handle, error) {
			return nil, errors.New("fork failed")
		}),
	}, nil)
	err := m.Spawn(t.Context(), SpawnOptions{Delay: -1})
	require.ErrorContains(t, err, "fork failed")
	// the failing item stops the run and drops what was left
	require.Equal(t, 0, m.Queue().Len())
	require.Len(t, m.Clusters(), 1)
}

func TestManager_SpawnDelay(t *testing.T) {
	var (
		mu     sync.Mutex
		spawns []time.Time
	)
	m := CreateTestManager(t, Options{TotalShards: 4, TotalClusters: 2}, EchoWorker)
	m.OnClusterSpawn(func(*Cluster) {
		mu.Lock()
		spawns = append(spawns, time.Now())
		mu.Unlock()
	})
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: 25 * time.Millisecond}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spawns, 2)
	// two shards per cluster
	require.GreaterOrEqual(t, spawns[1].Sub(spawns[0]), 50*time.Millisecond)
}

func TestManager_ManualQueue(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: 4, TotalClusters: 2, QueueMode: protocol.QueueManual}, func(ctx context.Context, c *worker.Client) error {
		if err := EchoWorker(ctx, c); err != nil {
			return err
		}
		if c.Info().QueueMode != protocol.QueueManual {
			return errors.New("expected manual queue mode")
		}
		if c.ID() == 0 {
			return c.SpawnNextCluster(ctx)
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Spawn(t.Context(), SpawnOptions{Delay: -1}) }()

	require.Eventually(t, func() bool { return m.Queue().Len() == 2 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("spawn returned before the queue was drained")
	case <-time.After(50 * time.Millisecond):
	}

	// the first step is external, the second is requested by cluster 0
	require.NoError(t, m.Queue().Next(t.Context()))
	require.NoError(t, <-done)
	require.Len(t, m.Clusters(), 2)
}

func TestManager_RespawnAll(t *testing.T) {
	blocked := make(chan struct{}, 1)
	m := SpawnTestManager(t, 4, 2, func(ctx context.Context, c *worker.Client) error {
		c.Procedures().Register("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
			blocked <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return EchoWorker(ctx, c)
	})

	before := make(map[int]string)
	for _, c := range m.Clusters() {
		before[c.ID()] = c.WorkerID()
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := m.CallOne(context.Background(), protocol.Call{Procedure: "block"}, protocol.Clusters(0))
		callErr <- err
	}()
	<-blocked

	require.NoError(t, m.RespawnAll(t.Context(), RespawnAllOptions{ClusterDelay: -1}))
	require.ErrorIs(t, <-callErr, correlator.ErrAbandoned)

	for _, c := range m.Clusters() {
		require.True(t, c.Ready())
		require.NotEqual(t, before[c.ID()], c.WorkerID())
		require.Equal(t, 0, c.Restarts())
	}
}

func TestManager_TriggerMaintenance(t *testing.T) {
	m := SpawnTestManager(t, 4, 2, func(ctx context.Context, c *worker.Client) error {
		c.Procedures().Property("maintenance", func(context.Context) (any, error) {
			return c.Maintenance(), nil
		})
		return EchoWorker(ctx, c)
	})

	require.NoError(t, m.TriggerMaintenance(t.Context(), "deploy"))
	res, err := Broadcast[string](t.Context(), m, protocol.Property("maintenance"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, []string{"deploy", "deploy"}, res)

	// a dead cluster picks the reason up when it spawns again
	c, _ := m.Cluster(1)
	require.NoError(t, c.Kill(KillOptions{}))
	require.NoError(t, m.TriggerMaintenance(t.Context(), "db migration"))
	require.NoError(t, c.Spawn(t.Context(), 0))
	info, err := Call[protocol.Bootstrap](t.Context(), m, protocol.Property("cluster"), protocol.Clusters(1))
	require.NoError(t, err)
	require.Equal(t, "db migration", info.Maintenance)

	require.NoError(t, m.TriggerMaintenance(t.Context(), ""))
	res, err = Broadcast[string](t.Context(), m, protocol.Property("maintenance"), protocol.AllClusters())
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, res)
}

func TestManager_WorkerRequests(t *testing.T) {
	m := CreateTestManager(t, Options{TotalShards: 4, TotalClusters: 2}, func(ctx context.Context, c *worker.Client) error {
		c.Procedures().Register("peers", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return c.FetchValue(ctx, "shards", protocol.AllClusters())
		})
		c.Procedures().Register("manager-name", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return c.ManagerEval(ctx, protocol.Property("name"))
		})
		c.Procedures().Register("ask", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return c.Request(ctx, "ping")
		})
		if err := EchoWorker(ctx, c); err != nil {
			return err
		}
		if c.ID() == 0 {
			return c.Send(ctx, "hi")
		}
		return nil
	})
	m.Procedures().Value("name", "fleet")

	messages := make(chan MessageEvent, 4)
	m.OnMessage(func(e MessageEvent) {
		if e.Envelope.Tag == protocol.TagCustomRequest {
			_ = e.Cluster.Reply(context.Background(), e.Envelope, "pong", nil)
			return
		}
		messages <- e
	})
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))

	peers, err := Call[[][]int](t.Context(), m, protocol.Call{Procedure: "peers"}, protocol.Clusters(1))
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, peers)

	name, err := Call[string](t.Context(), m, protocol.Call{Procedure: "manager-name"}, protocol.Clusters(0))
	require.NoError(t, err)
	require.Equal(t, "fleet", name)

	answer, err := Call[string](t.Context(), m, protocol.Call{Procedure: "ask"}, protocol.Clusters(0))
	require.NoError(t, err)
	require.Equal(t, "pong", answer)

	e := <-messages
	require.Equal(t, protocol.TagCustomMessage, e.Envelope.Tag)
	require.Equal(t, 0, e.Cluster.ID())
	require.JSONEq(t, `"hi"`, string(e.Envelope.Data))

	// the worker has no request handler
	_, err = e.Cluster.Request(t.Context(), 1, time.Second)
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, worker.ErrNoRequestHandler.Error(), re.Message)
}

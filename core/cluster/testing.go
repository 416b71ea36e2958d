package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/worker"
)

// EchoWorker registers a few procedures describing the worker and reports
// ready:
//
//   - property "cluster" is the bootstrap record
//   - property "shards" is the shard list
//   - procedure "echo" returns its arguments
func EchoWorker(ctx context.Context, c *worker.Client) error {
	c.Procedures().Value("cluster", c.Info())
	c.Procedures().Value("shards", c.Info().ShardList)
	c.Procedures().Register("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})
	return c.Ready(ctx)
}

// CreateTestManager returns a manager running workers as goroutines with
// main. The manager is closed when the test ends.
func CreateTestManager(t *testing.T, opts Options, main worker.MainFunc) *Manager {
	t.Helper()
	if opts.Spawner == nil {
		opts.Spawner = proc.NewGoroutineSpawner(worker.Func(worker.Options{Log: opts.Log}, main)).WithLog(opts.Log)
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ModeWorker
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})
	return m
}

// SpawnTestManager creates a test manager and spawns it without delays
// between clusters.
func SpawnTestManager(t *testing.T, totalShards, totalClusters int, main worker.MainFunc) *Manager {
	t.Helper()
	m := CreateTestManager(t, Options{TotalShards: totalShards, TotalClusters: totalClusters}, main)
	require.NoError(t, m.Spawn(t.Context(), SpawnOptions{Delay: -1}))
	return m
}

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
)

const (
	DefaultRestartMax      = 3
	DefaultRestartInterval = time.Hour
	DefaultSpawnDelay      = 7 * time.Second
	DefaultReadyTimeout    = 30 * time.Second
	DefaultCallTimeout     = 30 * time.Second
	DefaultClusterDelay    = 5500 * time.Millisecond
	DefaultRespawnDelay    = 500 * time.Millisecond

	// ReadyNoWait makes Spawn return as soon as the worker is running,
	// without waiting for it to report ready.
	ReadyNoWait time.Duration = -1
)

type (
	// ShardCountFetcher returns the shard count recommended by the platform.
	ShardCountFetcher interface {
		RecommendedShards(ctx context.Context) (int, error)
	}

	// ShardCountFetcherFunc adapts a function to ShardCountFetcher.
	ShardCountFetcherFunc func(ctx context.Context) (int, error)

	// Restarts is the per-cluster auto-respawn budget: at most Max respawns
	// after crashes, the counter resetting once Interval passes without a
	// further crash.
	Restarts struct {
		Max      int           `yaml:"max"`
		Interval time.Duration `yaml:"interval"`
	}

	Options struct {
		// Spawner starts workers. Required.
		Spawner proc.Spawner
		// Mode is reported to workers in their bootstrap record.
		Mode protocol.Mode

		// TotalShards is the size of the shard id space. Zero or Auto fetches
		// it through ShardCountFetcher.
		TotalShards int
		// TotalClusters is the number of clusters to partition shards into.
		// Zero or Auto derives it from ShardsPerCluster or the core count.
		TotalClusters    int
		ShardsPerCluster int
		// ShardList restricts the supervisor to these shard ids, e.g. when
		// shards are spread over several machines. Defaults to all shards.
		ShardList []int

		// Token is passed through to workers.
		Token string

		// Restarts defaults to DefaultRestartMax within DefaultRestartInterval.
		Restarts       Restarts
		DisableRespawn bool

		QueueMode    protocol.QueueMode
		QueueLimiter *rate.Limiter

		ShardCountFetcher ShardCountFetcher
		// CoreCount defaults to runtime.NumCPU.
		CoreCount func() int

		// Procedures answers manager-eval requests from workers.
		Procedures  *rpc.Registry
		CallTimeout time.Duration

		Metrics ManagerMetrics
		Log     *slog.Logger
	}

	SpawnOptions struct {
		// Amount overrides Options.TotalShards.
		Amount int
		// TotalClusters overrides Options.TotalClusters.
		TotalClusters    int
		ShardsPerCluster int
		// Delay is waited per shard of a cluster before the next cluster is
		// spawned. Zero uses DefaultSpawnDelay, a negative value disables it.
		Delay time.Duration
		// ReadyTimeout is the base readiness budget of each cluster, extended
		// by Delay per shard. Zero uses DefaultReadyTimeout; ReadyNoWait does
		// not wait.
		ReadyTimeout time.Duration
	}

	RespawnAllOptions struct {
		// ClusterDelay is waited per shard of a cluster before the next
		// cluster is respawned. Zero uses DefaultClusterDelay, a negative
		// value disables it.
		ClusterDelay time.Duration
		// RespawnDelay is waited between killing and spawning a cluster.
		RespawnDelay time.Duration
		ReadyTimeout time.Duration
	}

	KillOptions struct {
		Force  bool
		Reason string
	}
)

func (f ShardCountFetcherFunc) RecommendedShards(ctx context.Context) (int, error) {
	return f(ctx)
}

func (o Options) validate() error {
	if o.Spawner == nil {
		return fmt.Errorf("%w: spawner is required", ErrConfig)
	}
	switch o.Mode {
	case "", protocol.ModeProcess, protocol.ModeWorker:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfig, o.Mode)
	}
	switch o.QueueMode {
	case "", protocol.QueueAuto, protocol.QueueManual:
	default:
		return fmt.Errorf("%w: unknown queue mode %q", ErrConfig, o.QueueMode)
	}
	if err := validateCount("total shards", o.TotalShards); err != nil {
		return err
	}
	if err := validateCount("total clusters", o.TotalClusters); err != nil {
		return err
	}
	if o.ShardsPerCluster < 0 {
		return fmt.Errorf("%w: negative shards per cluster %d", ErrConfig, o.ShardsPerCluster)
	}
	if err := validateShardList(o.ShardList); err != nil {
		return err
	}
	if o.TotalShards > 0 {
		for _, s := range o.ShardList {
			if s >= o.TotalShards {
				return fmt.Errorf("%w: shard %d out of range [0,%d)", ErrConfig, s, o.TotalShards)
			}
		}
	}
	if o.Restarts.Max < 0 || o.Restarts.Interval < 0 {
		return fmt.Errorf("%w: negative restart policy %+v", ErrConfig, o.Restarts)
	}
	return nil
}

func (o SpawnOptions) validate() error {
	if err := validateCount("amount", o.Amount); err != nil {
		return err
	}
	if err := validateCount("total clusters", o.TotalClusters); err != nil {
		return err
	}
	if o.ShardsPerCluster < 0 {
		return fmt.Errorf("%w: negative shards per cluster %d", ErrConfig, o.ShardsPerCluster)
	}
	if o.ReadyTimeout < 0 && o.ReadyTimeout != ReadyNoWait {
		return fmt.Errorf("%w: invalid ready timeout %s", ErrConfig, o.ReadyTimeout)
	}
	return nil
}

// Pacing returns the per-shard delay and base readiness budget with
// defaults applied.
func (o SpawnOptions) Pacing() (delay, readyTimeout time.Duration) {
	switch {
	case o.Delay == 0:
		delay = DefaultSpawnDelay
	case o.Delay > 0:
		delay = o.Delay
	}
	readyTimeout = o.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return delay, readyTimeout
}

// ReadyBudget is how long a cluster owning shards shards may take to become
// ready when spawned with delay and readyTimeout.
func ReadyBudget(readyTimeout, delay time.Duration, shards int) time.Duration {
	if readyTimeout == ReadyNoWait {
		return ReadyNoWait
	}
	return readyTimeout + delay*time.Duration(shards)
}

func validateCount(name string, n int) error {
	if n < 0 && n != Auto {
		return fmt.Errorf("%w: %s must be positive or Auto, got %d", ErrConfig, name, n)
	}
	return nil
}

func defaultCoreCount() int { return runtime.NumCPU() }

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/correlator"
	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/queue"
	"github.com/codewandler/shardvisor/core/rpc"
)

type (
	// Topology is a partition of shards into clusters.
	Topology struct {
		TotalShards      int
		TotalClusters    int
		ShardClusterList [][]int
	}

	// PlanOptions override the manager's configuration when planning a
	// topology. Zero fields fall back to the manager's options.
	PlanOptions struct {
		TotalShards      int
		TotalClusters    int
		ShardsPerCluster int
		ShardList        []int
		// ShardClusterList is used verbatim when set.
		ShardClusterList [][]int
	}

	// Manager owns the shard partition and the clusters serving it. It
	// spawns clusters through a throttled queue and fans calls out to them.
	Manager struct {
		log              *slog.Logger
		spawner          proc.Spawner
		mode             protocol.Mode
		queueMode        protocol.QueueMode
		token            string
		restarts         Restarts
		respawn          bool
		fetcher          ShardCountFetcher
		coreCount        func() int
		shardsPerCluster int
		shardList        []int
		procs            *rpc.Registry
		metrics          ManagerMetrics
		callTimeout      time.Duration

		corr  *correlator.Correlator
		queue *queue.Queue

		// ctx is cancelled on Close and bounds background work
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		events events

		mu               sync.RWMutex
		totalShards      int
		totalClusters    int
		shardClusterList [][]int
		clusters         map[int]*Cluster
		maintenance      string
		plugins          map[string]Plugin
		liveness         LivenessTracker
		closed           bool
	}
)

func NewManager(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "manager"))

	mode := opts.Mode
	if mode == "" {
		mode = protocol.ModeProcess
	}
	queueMode := opts.QueueMode
	if queueMode == "" {
		queueMode = protocol.QueueAuto
	}
	restarts := opts.Restarts
	if restarts.Max == 0 && restarts.Interval == 0 {
		restarts.Max = DefaultRestartMax
	}
	if restarts.Interval == 0 {
		restarts.Interval = DefaultRestartInterval
	}
	coreCount := opts.CoreCount
	if coreCount == nil {
		coreCount = defaultCoreCount
	}
	procs := opts.Procedures
	if procs == nil {
		procs = rpc.NewRegistry(rpc.WithLog(log))
	}
	mtx := opts.Metrics
	if mtx == nil {
		mtx = NopManagerMetrics()
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:              log,
		spawner:          opts.Spawner,
		mode:             mode,
		queueMode:        queueMode,
		token:            opts.Token,
		restarts:         restarts,
		respawn:          !opts.DisableRespawn,
		fetcher:          opts.ShardCountFetcher,
		coreCount:        coreCount,
		shardsPerCluster: opts.ShardsPerCluster,
		shardList:        slices.Clone(opts.ShardList),
		procs:            procs,
		metrics:          mtx,
		callTimeout:      callTimeout,
		ctx:              ctx,
		cancel:           cancel,
		totalShards:      opts.TotalShards,
		totalClusters:    opts.TotalClusters,
		clusters:         make(map[int]*Cluster),
		plugins:          make(map[string]Plugin),
	}
	m.corr = correlator.New(correlator.Options{Log: log, OnPending: mtx.PendingRequests})
	m.queue = queue.New(queue.Options{
		Mode:    queue.Mode(queueMode),
		Limiter: opts.QueueLimiter,
		Log:     log,
		OnLen:   mtx.QueueLength,
	})
	return m, nil
}

func (m *Manager) Log() *slog.Logger { return m.log }

func (m *Manager) Queue() *queue.Queue { return m.queue }

func (m *Manager) Correlator() *correlator.Correlator { return m.corr }

// Procedures answers manager-eval requests from workers.
func (m *Manager) Procedures() *rpc.Registry { return m.procs }

func (m *Manager) Metrics() ManagerMetrics { return m.metrics }

func (m *Manager) TotalShards() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalShards
}

func (m *Manager) TotalClusters() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalClusters
}

func (m *Manager) ShardClusterList() [][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]int, len(m.shardClusterList))
	for i, chunk := range m.shardClusterList {
		out[i] = slices.Clone(chunk)
	}
	return out
}

func (m *Manager) Maintenance() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maintenance
}

func (m *Manager) respawnEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.respawn && !m.closed
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// ResolveTotalShards returns n if positive, otherwise the configured total,
// fetching the recommended count when that is Auto as well.
func (m *Manager) ResolveTotalShards(ctx context.Context, n int) (int, error) {
	if n > 0 {
		return n, nil
	}
	if n == 0 {
		if total := m.TotalShards(); total > 0 {
			return total, nil
		}
	}
	if m.fetcher == nil {
		return 0, fmt.Errorf("%w: total shards is auto but no shard count fetcher is configured", ErrConfig)
	}
	total, err := m.fetcher.RecommendedShards(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch recommended shard count: %w", err)
	}
	if total < 1 {
		return 0, fmt.Errorf("%w: recommended shard count %d", ErrConfig, total)
	}
	m.Debug("fetched recommended shard count", slog.Int("shards", total))
	return total, nil
}

// ResolveTotalClusters returns n if positive. Otherwise the count derives
// from shardsPerCluster, the configured options, or the host core count.
func (m *Manager) ResolveTotalClusters(n, shardsPerCluster, shards int) int {
	switch {
	case n > 0:
		return n
	case shardsPerCluster > 0:
		return ceilDiv(shards, shardsPerCluster)
	}
	if n == 0 {
		if total := m.TotalClusters(); total > 0 {
			return total
		}
		if m.shardsPerCluster > 0 {
			return ceilDiv(shards, m.shardsPerCluster)
		}
	}
	return max(1, m.coreCount())
}

// Plan computes a topology without applying it.
func (m *Manager) Plan(ctx context.Context, opts PlanOptions) (Topology, error) {
	for _, c := range []struct {
		name string
		n    int
	}{{"total shards", opts.TotalShards}, {"total clusters", opts.TotalClusters}} {
		if err := validateCount(c.name, c.n); err != nil {
			return Topology{}, err
		}
	}
	if opts.ShardsPerCluster < 0 {
		return Topology{}, fmt.Errorf("%w: negative shards per cluster %d", ErrConfig, opts.ShardsPerCluster)
	}

	totalShards, err := m.ResolveTotalShards(ctx, opts.TotalShards)
	if err != nil {
		return Topology{}, err
	}

	if len(opts.ShardClusterList) > 0 {
		if err := validatePartition(opts.ShardClusterList, totalShards); err != nil {
			return Topology{}, err
		}
		list := make([][]int, len(opts.ShardClusterList))
		for i, chunk := range opts.ShardClusterList {
			list[i] = slices.Clone(chunk)
		}
		return Topology{TotalShards: totalShards, TotalClusters: len(list), ShardClusterList: list}, nil
	}

	shards := opts.ShardList
	if len(shards) == 0 {
		shards = m.shardList
	}
	if len(shards) == 0 {
		shards = ShardRange(totalShards)
	}
	if err := validateShardList(shards); err != nil {
		return Topology{}, err
	}
	for _, s := range shards {
		if s >= totalShards {
			return Topology{}, fmt.Errorf("%w: shard %d out of range [0,%d)", ErrConfig, s, totalShards)
		}
	}

	totalClusters := m.ResolveTotalClusters(opts.TotalClusters, opts.ShardsPerCluster, len(shards))
	chunks := Chunk(shards, totalClusters)
	if len(chunks) != totalClusters {
		m.Debug("adopting chunk count as cluster count",
			slog.Int("requested", totalClusters),
			slog.Int("clusters", len(chunks)),
		)
		totalClusters = len(chunks)
	}
	return Topology{TotalShards: totalShards, TotalClusters: totalClusters, ShardClusterList: chunks}, nil
}

// ApplyTopology makes t the manager's partition.
func (m *Manager) ApplyTopology(t Topology) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalShards = t.TotalShards
	m.totalClusters = t.TotalClusters
	m.shardClusterList = t.ShardClusterList
}

// NewCluster creates a cluster without registering it.
func (m *Manager) NewCluster(cfg Config) *Cluster {
	maintenance := cfg.Maintenance
	if maintenance == "" {
		maintenance = m.Maintenance()
	}
	c := &Cluster{
		id:            cfg.ID,
		shards:        slices.Clone(cfg.Shards),
		totalShards:   cfg.TotalShards,
		totalClusters: cfg.TotalClusters,
		recluster:     cfg.Recluster,
		m:             m,
		log:           m.log.With(slog.Int("cluster", cfg.ID)),
		maintenance:   maintenance,
	}
	if cfg.Recluster {
		c.log = c.log.With(slog.Bool("recluster", true))
	}
	m.events.create.emit(c)
	return c
}

// Register makes c the cluster serving its id and returns the cluster it
// replaced, if any.
func (m *Manager) Register(c *Cluster) *Cluster {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.clusters[c.id]
	m.clusters[c.id] = c
	return prev
}

// Remove unregisters the cluster with id without stopping it.
func (m *Manager) Remove(id int) (*Cluster, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	delete(m.clusters, id)
	return c, ok
}

func (m *Manager) Cluster(id int) (*Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	return c, ok
}

// Clusters returns the registered clusters ordered by id.
func (m *Manager) Clusters() []*Cluster {
	m.mu.RLock()
	out := make([]*Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SpawnItem returns a queue item spawning c with a readiness budget of
// readyTimeout plus delay per shard, followed by a pause of delay per shard.
// If register is set, c is registered before it spawns.
func (m *Manager) SpawnItem(c *Cluster, delay, readyTimeout time.Duration, register bool) queue.Item {
	return queue.Item{
		Name:  c.String(),
		Delay: delay * time.Duration(len(c.shards)),
		Run: func(ctx context.Context) error {
			if register {
				m.Register(c)
			}
			return c.Spawn(ctx, ReadyBudget(readyTimeout, delay, len(c.shards)))
		},
	}
}

// Spawn partitions the shards, creates one cluster per chunk and spawns
// them one after another through the queue. It returns once the queue has
// drained.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrManagerClosed
	}
	m.mu.RLock()
	n := len(m.clusters)
	m.mu.RUnlock()
	if n > 0 {
		return fmt.Errorf("%w: manager already has %d clusters", ErrAlreadySpawned, n)
	}

	top, err := m.Plan(ctx, PlanOptions{
		TotalShards:      opts.Amount,
		TotalClusters:    opts.TotalClusters,
		ShardsPerCluster: opts.ShardsPerCluster,
	})
	if err != nil {
		return err
	}
	m.ApplyTopology(top)

	m.log.Info("spawning clusters",
		slog.Int("total_shards", top.TotalShards),
		slog.Int("total_clusters", top.TotalClusters),
		slog.String("queue", string(m.queueMode)),
	)

	delay, readyTimeout := opts.Pacing()
	for id, shards := range top.ShardClusterList {
		c := m.NewCluster(Config{
			ID:            id,
			Shards:        shards,
			TotalShards:   top.TotalShards,
			TotalClusters: top.TotalClusters,
		})
		m.queue.Add(m.SpawnItem(c, delay, readyTimeout, true))
	}
	if err := m.queue.Start(ctx); err != nil {
		if n := m.queue.Clear(); n > 0 {
			m.log.Warn("dropped pending spawns", slog.Int("count", n))
		}
		return err
	}
	return nil
}

// RespawnAll respawns every cluster in id order, abandoning all outstanding
// calls first.
func (m *Manager) RespawnAll(ctx context.Context, opts RespawnAllOptions) error {
	clusterDelay := opts.ClusterDelay
	switch {
	case clusterDelay == 0:
		clusterDelay = DefaultClusterDelay
	case clusterDelay < 0:
		clusterDelay = 0
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = DefaultReadyTimeout
	}

	if n := m.corr.Clear(correlator.ErrAbandoned); n > 0 {
		m.log.Warn("abandoned outstanding requests", slog.Int("count", n))
	}

	clusters := m.Clusters()
	for i, c := range clusters {
		m.Debug("respawning cluster", slog.Int("cluster", c.id))
		if err := c.Respawn(ctx, opts.RespawnDelay, readyTimeout); err != nil {
			return fmt.Errorf("respawn %s: %w", c, err)
		}
		if i < len(clusters)-1 {
			if err := sleep(ctx, clusterDelay*time.Duration(len(c.shards))); err != nil {
				return err
			}
		}
	}
	return nil
}

// TriggerMaintenance puts every cluster under maintenance, or lifts it when
// reason is empty. Clusters without a running worker pick the reason up
// when they next spawn.
func (m *Manager) TriggerMaintenance(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.maintenance = reason
	m.mu.Unlock()

	m.log.Info("maintenance changed", slog.String("reason", reason))
	var errs []error
	for _, c := range m.Clusters() {
		if err := c.SetMaintenance(ctx, reason); err != nil && !errors.Is(err, ErrNoProcess) {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops all registered clusters and waits for them to exit. Clusters
// are not respawned afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.queue.Clear()

	var errs []error
	for _, c := range m.Clusters() {
		inc, err := c.kill(KillOptions{Reason: "shutdown"})
		if inc != nil {
			<-inc.exited
		}
		if err != nil && !errors.Is(err, ErrNoProcess) {
			errs = append(errs, err)
		}
	}
	m.corr.Clear(correlator.ErrAbandoned)
	m.wg.Wait()
	return errors.Join(errs...)
}

// goBackground runs fn on its own goroutine bound to the manager's
// lifetime.
func (m *Manager) goBackground(fn func(ctx context.Context)) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

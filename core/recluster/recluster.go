// Package recluster moves a running fleet to a new shard partition without
// downtime. New clusters are spawned next to the old ones under maintenance
// and take over once ready, either one by one ([ModeRolling]) or all at once
// after every new cluster is ready ([ModeGracefulSwitch]).
//
// If a new cluster never becomes ready the recluster fails and the clusters
// it would have replaced keep serving.
package recluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardvisor/core/cluster"
)

const (
	Name = "recluster"

	// MaintenanceReason is the maintenance reason new clusters start with
	// and the kill reason of the clusters they replace.
	MaintenanceReason = "recluster"
)

type Mode string

const (
	ModeGracefulSwitch Mode = "gracefulSwitch"
	ModeRolling        Mode = "rolling"
)

type State int

const (
	StateIdle State = iota
	StateMaintenanceOn
	StateSpawningNew
	StateCutover
	StateMaintenanceOff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMaintenanceOn:
		return "maintenanceOn"
	case StateSpawningNew:
		return "spawningNew"
	case StateCutover:
		return "cutover"
	case StateMaintenanceOff:
		return "maintenanceOff"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrInProgress = errors.New("recluster: already in progress")

type (
	Options struct {
		// TotalShards of the new partition. Zero keeps the current count,
		// cluster.Auto fetches the recommended count.
		TotalShards      int
		TotalClusters    int
		ShardsPerCluster int
		ShardList        []int
		ShardClusterList [][]int

		// Mode defaults to ModeGracefulSwitch.
		Mode Mode
		// Delay and ReadyTimeout pace the new clusters like
		// cluster.SpawnOptions.
		Delay        time.Duration
		ReadyTimeout time.Duration
	}

	// Controller is a cluster.Plugin running reclusters of its manager.
	Controller struct {
		log *slog.Logger
		m   *cluster.Manager

		running atomic.Bool

		mu    sync.Mutex
		state State
	}
)

var _ cluster.Plugin = (*Controller)(nil)

func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log.With(slog.String("component", Name))}
}

func (c *Controller) Name() string { return Name }

func (c *Controller) Build(m *cluster.Manager) error {
	c.m = m
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.m.Debug("recluster state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
}

// Start runs a recluster and returns once the new partition serves all
// shards, or once it failed and the previous clusters were restored.
func (c *Controller) Start(ctx context.Context, opts Options) error {
	if c.m == nil {
		return fmt.Errorf("%w: recluster controller is not installed", cluster.ErrConfig)
	}
	mode := opts.Mode
	switch mode {
	case "":
		mode = ModeGracefulSwitch
	case ModeGracefulSwitch, ModeRolling:
	default:
		return fmt.Errorf("%w: unknown recluster mode %q", cluster.ErrConfig, mode)
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer func() {
		c.setState(StateIdle)
		c.running.Store(false)
	}()

	err := c.run(ctx, mode, opts)
	c.m.Metrics().ReclusterCompleted(string(mode), err == nil)
	return err
}

func (c *Controller) run(ctx context.Context, mode Mode, opts Options) error {
	top, err := c.m.Plan(ctx, cluster.PlanOptions{
		TotalShards:      opts.TotalShards,
		TotalClusters:    opts.TotalClusters,
		ShardsPerCluster: opts.ShardsPerCluster,
		ShardList:        opts.ShardList,
		ShardClusterList: opts.ShardClusterList,
	})
	if err != nil {
		return err
	}
	old := c.m.Clusters()

	log := c.log.With(slog.String("mode", string(mode)))
	log.Info("starting recluster",
		slog.Int("total_shards", top.TotalShards),
		slog.Int("total_clusters", top.TotalClusters),
		slog.Int("old_clusters", len(old)),
	)

	c.setState(StateMaintenanceOn)
	if err := c.m.TriggerMaintenance(ctx, MaintenanceReason); err != nil {
		log.Warn("failed to put fleet under maintenance", slog.Any("error", err))
	}

	c.setState(StateSpawningNew)
	delay, readyTimeout := cluster.SpawnOptions{Delay: opts.Delay, ReadyTimeout: opts.ReadyTimeout}.Pacing()

	fresh := make([]*cluster.Cluster, 0, len(top.ShardClusterList))
	r := &rollback{readyTimeout: readyTimeout, replaced: make(map[*cluster.Cluster]*cluster.Cluster)}
	q := c.m.Queue()
	for id, shards := range top.ShardClusterList {
		nc := c.m.NewCluster(cluster.Config{
			ID:            id,
			Shards:        shards,
			TotalShards:   top.TotalShards,
			TotalClusters: top.TotalClusters,
			Maintenance:   MaintenanceReason,
			Recluster:     true,
		})
		fresh = append(fresh, nc)

		item := c.m.SpawnItem(nc, delay, readyTimeout, false)
		if mode == ModeRolling {
			spawn := item.Run
			item.Run = func(ctx context.Context) error {
				if err := spawn(ctx); err != nil {
					return err
				}
				return c.cutover(ctx, r, nc, true)
			}
		}
		q.Add(item)
	}

	if err := q.Start(ctx); err != nil {
		return c.fail(ctx, fresh, r, err)
	}

	c.setState(StateCutover)
	if mode == ModeGracefulSwitch {
		for _, nc := range fresh {
			if err := c.cutover(ctx, r, nc, false); err != nil {
				return c.fail(ctx, fresh, r, err)
			}
		}
	}
	for _, oc := range old {
		if oc.ID() < len(fresh) {
			continue
		}
		if err := oc.Kill(cluster.KillOptions{Reason: MaintenanceReason}); err != nil && !errors.Is(err, cluster.ErrNoProcess) {
			log.Warn("failed to stop obsolete cluster", slog.Int("cluster", oc.ID()), slog.Any("error", err))
		}
		c.m.Remove(oc.ID())
	}
	c.m.ApplyTopology(top)

	c.setState(StateMaintenanceOff)
	if err := c.m.TriggerMaintenance(ctx, ""); err != nil {
		log.Warn("failed to lift maintenance", slog.Any("error", err))
	}
	log.Info("recluster done")
	return nil
}

// rollback remembers which cluster each new cluster displaced, so a failed
// recluster can put the previous partition back in place.
type rollback struct {
	readyTimeout time.Duration
	// new cluster -> predecessor, nil when the id was new
	replaced map[*cluster.Cluster]*cluster.Cluster
}

// cutover registers nc in place of its predecessor and stops the
// predecessor. With lift set nc leaves maintenance right away.
func (c *Controller) cutover(ctx context.Context, r *rollback, nc *cluster.Cluster, lift bool) error {
	if err := nc.WaitReady(ctx); err != nil {
		return err
	}
	prev := c.m.Register(nc)
	if prev == nc {
		prev = nil
	}
	r.replaced[nc] = prev
	if prev != nil {
		err := prev.Kill(cluster.KillOptions{Reason: MaintenanceReason})
		if err != nil && !errors.Is(err, cluster.ErrNoProcess) {
			c.log.Warn("failed to stop replaced cluster", slog.Int("cluster", prev.ID()), slog.Any("error", err))
		}
	}
	c.m.Debug("cluster cut over", slog.Int("cluster", nc.ID()))
	if !lift {
		return nil
	}
	return nc.SetMaintenance(ctx, "")
}

// fail restores every predecessor a new cluster already replaced, stops the
// new clusters and lifts maintenance from the restored fleet. The manager
// keeps its previous topology.
func (c *Controller) fail(ctx context.Context, fresh []*cluster.Cluster, r *rollback, cause error) error {
	ctx = context.WithoutCancel(ctx)
	c.log.Error("recluster failed, restoring previous clusters", slog.Any("error", cause))

	c.m.Queue().Clear()
	for _, nc := range fresh {
		if prev, cut := r.replaced[nc]; cut && !c.restore(ctx, r, nc, prev) {
			continue
		}
		if err := nc.Kill(cluster.KillOptions{Reason: "recluster failed"}); err != nil && !errors.Is(err, cluster.ErrNoProcess) {
			c.log.Warn("failed to stop new cluster", slog.Int("cluster", nc.ID()), slog.Any("error", err))
		}
	}

	c.setState(StateMaintenanceOff)
	if err := c.m.TriggerMaintenance(ctx, ""); err != nil {
		c.log.Warn("failed to lift maintenance", slog.Any("error", err))
	}
	return fmt.Errorf("recluster: %w", cause)
}

// restore brings prev back in place of nc before nc is stopped. An id that
// had no predecessor is dropped from the registry. It reports false when prev
// could not be started, in which case nc stays registered and serving.
func (c *Controller) restore(ctx context.Context, r *rollback, nc, prev *cluster.Cluster) bool {
	log := c.log.With(slog.Int("cluster", nc.ID()))
	if prev == nil {
		if cur, ok := c.m.Cluster(nc.ID()); ok && cur == nc {
			c.m.Remove(nc.ID())
		}
		return true
	}
	if !prev.Live() {
		err := prev.Spawn(ctx, cluster.ReadyBudget(r.readyTimeout, 0, len(prev.Shards())))
		switch {
		case errors.Is(err, cluster.ErrReadyTimeout):
			log.Warn("restored cluster is not ready yet", slog.Any("error", err))
		case err != nil && !errors.Is(err, cluster.ErrAlreadySpawned):
			log.Error("failed to restore cluster, keeping its replacement", slog.Any("error", err))
			return false
		}
	}
	c.m.Register(prev)
	c.m.Debug("cluster restored", slog.Int("cluster", prev.ID()))
	return true
}

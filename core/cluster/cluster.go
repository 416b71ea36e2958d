package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
)

type (
	// Config describes a cluster to create with Manager.NewCluster.
	Config struct {
		ID            int
		Shards        []int
		TotalShards   int
		TotalClusters int
		// Maintenance is the reason the worker starts under maintenance.
		// Defaults to the manager's current maintenance reason.
		Maintenance string
		// Recluster marks a cluster spawned to replace another during a
		// recluster.
		Recluster bool
	}

	// Cluster supervises one worker serving a fixed list of shards. A
	// crashed worker is respawned in place within the restart budget.
	Cluster struct {
		id            int
		shards        []int
		totalShards   int
		totalClusters int
		recluster     bool

		m   *Manager
		log *slog.Logger

		mu          sync.Mutex
		maintenance string
		spawning    bool
		inc         *incarnation
		restarts    int
		resetTimer  *time.Timer
	}

	// incarnation is one run of the cluster's worker.
	incarnation struct {
		h       proc.Handle
		readyCh chan struct{}
		exited  chan struct{}

		// guarded by Cluster.mu
		ready  bool
		killed bool
		reason string
	}
)

func (c *Cluster) ID() int { return c.id }

// Shards returns the shard ids served by the cluster in order.
func (c *Cluster) Shards() []int { return slices.Clone(c.shards) }

func (c *Cluster) TotalShards() int { return c.totalShards }

func (c *Cluster) TotalClusters() int { return c.totalClusters }

// Owns reports whether the cluster serves shard.
func (c *Cluster) Owns(shard int) bool { return slices.Contains(c.shards, shard) }

// Recluster reports whether the cluster was created to replace another one
// during a recluster.
func (c *Cluster) Recluster() bool { return c.recluster }

func (c *Cluster) String() string { return fmt.Sprintf("cluster-%d", c.id) }

// Live reports whether a worker is currently running.
func (c *Cluster) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inc != nil
}

// Ready reports whether the running worker has reported ready.
func (c *Cluster) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inc != nil && c.inc.ready
}

func (c *Cluster) Maintenance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenance
}

// Restarts returns how many auto-respawns were used from the current budget.
func (c *Cluster) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// WorkerID identifies the running worker, empty when none is running.
func (c *Cluster) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inc == nil {
		return ""
	}
	return c.inc.h.ID()
}

func (c *Cluster) bootstrap() protocol.Bootstrap {
	return protocol.Bootstrap{
		ClusterID:     c.id,
		TotalClusters: c.totalClusters,
		ShardList:     slices.Clone(c.shards),
		TotalShards:   c.totalShards,
		Mode:          c.m.mode,
		QueueMode:     c.m.queueMode,
		Maintenance:   c.maintenance,
		Token:         c.m.token,
	}
}

// Spawn starts the cluster's worker. A positive readyTimeout waits that long
// for the worker to report ready, zero waits until ctx is done and
// ReadyNoWait returns right after the worker started. A worker that misses
// its readiness budget keeps running.
func (c *Cluster) Spawn(ctx context.Context, readyTimeout time.Duration) error {
	if c.m.isClosed() {
		return ErrManagerClosed
	}

	c.mu.Lock()
	if c.inc != nil || c.spawning {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySpawned, c)
	}
	c.spawning = true
	boot := c.bootstrap()
	c.mu.Unlock()

	// the spawner may start a process and write to it, c.mu stays free
	h, err := c.m.spawner.Spawn(ctx, boot)

	c.mu.Lock()
	c.spawning = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", c, err)
	}
	inc := &incarnation{
		h:       h,
		readyCh: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.inc = inc
	c.mu.Unlock()

	c.log.Info("cluster spawned", slog.String("worker", h.ID()), slog.Any("shards", c.shards))
	c.m.metrics.ClusterSpawned(c.id)

	go c.readLoop(inc)
	go c.watchExit(inc)
	c.m.events.spawn.emit(c)

	if readyTimeout == ReadyNoWait {
		return nil
	}
	return c.awaitReady(ctx, inc, readyTimeout)
}

// WaitReady blocks until the running worker reports ready.
func (c *Cluster) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	inc := c.inc
	c.mu.Unlock()
	if inc == nil {
		return fmt.Errorf("%w: %s", ErrNoProcess, c)
	}
	return c.awaitReady(ctx, inc, 0)
}

func (c *Cluster) awaitReady(ctx context.Context, inc *incarnation, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-inc.readyCh:
		return nil
	case <-inc.exited:
		if err := inc.h.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrExitedBeforeReady, c, err)
		}
		return fmt.Errorf("%w: %s", ErrExitedBeforeReady, c)
	case <-expired:
		return fmt.Errorf("%w: %s after %s", ErrReadyTimeout, c, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cluster) readLoop(inc *incarnation) {
	for {
		env, err := inc.h.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, proc.ErrClosed) {
				c.log.Debug("read loop stopped", slog.Any("error", err))
			}
			return
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("dropping malformed envelope", slog.Any("error", err))
			continue
		}
		if !c.m.route(c, inc, env) {
			c.m.events.message.emit(MessageEvent{Cluster: c, Envelope: env})
		}
	}
}

func (c *Cluster) watchExit(inc *incarnation) {
	<-inc.h.Done()
	exitErr := inc.h.Err()

	c.mu.Lock()
	if c.inc == inc {
		c.inc = nil
	}
	killed, reason := inc.killed, inc.reason
	c.mu.Unlock()

	c.m.untrack(c)
	c.m.metrics.ClusterExited(c.id, !killed)
	if killed {
		c.log.Info("cluster stopped", slog.String("reason", reason))
	} else {
		c.log.Warn("cluster exited", slog.Any("error", exitErr))
	}
	close(inc.exited)
	c.m.events.death.emit(DeathEvent{Cluster: c, Err: exitErr, Killed: killed, Reason: reason})

	if killed || !c.m.respawnEnabled() {
		return
	}
	if !c.takeRestart() {
		c.log.Error("restart budget exhausted", slog.Int("max", c.m.restarts.Max))
		c.m.metrics.RestartBudgetExhausted(c.id)
		return
	}
	c.m.metrics.ClusterRestarted(c.id)
	c.log.Info("respawning cluster", slog.Int("restarts", c.Restarts()))
	if err := c.Spawn(c.m.ctx, ReadyNoWait); err != nil && !errors.Is(err, ErrManagerClosed) {
		c.log.Error("failed to respawn cluster", slog.Any("error", err))
	}
}

// takeRestart uses one restart from the budget, re-arming the reset timer.
func (c *Cluster) takeRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarts >= c.m.restarts.Max {
		return false
	}
	c.restarts++
	c.armResetLocked()
	return true
}

func (c *Cluster) armResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.m.restarts.Interval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.resetTimer != t {
			return
		}
		c.resetTimer = nil
		c.restarts = 0
		c.log.Debug("restart budget reset")
	})
	c.resetTimer = t
}

func (c *Cluster) stopResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func (c *Cluster) markReady(inc *incarnation) {
	c.mu.Lock()
	if inc.ready || inc.killed {
		c.mu.Unlock()
		return
	}
	inc.ready = true
	if c.restarts > 0 {
		c.armResetLocked()
	}
	c.mu.Unlock()

	c.log.Info("cluster ready")
	c.m.metrics.ClusterReady(c.id)
	// inc.ready guards the close
	close(inc.readyCh)
	c.m.events.ready.emit(c)
}

// Kill stops the running worker. A killed worker is never respawned
// automatically and does not count against the restart budget.
func (c *Cluster) Kill(opts KillOptions) error {
	_, err := c.kill(opts)
	return err
}

func (c *Cluster) kill(opts KillOptions) (*incarnation, error) {
	c.mu.Lock()
	inc := c.inc
	if inc == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoProcess, c)
	}
	inc.killed = true
	inc.reason = opts.Reason
	c.inc = nil
	c.stopResetLocked()
	c.mu.Unlock()

	c.m.untrack(c)
	c.log.Info("killing cluster", slog.String("reason", opts.Reason), slog.Bool("force", opts.Force))
	if err := inc.h.Kill(opts.Force); err != nil {
		return inc, fmt.Errorf("kill %s: %w", c, err)
	}
	return inc, nil
}

// Respawn kills the running worker if any, waits for it to exit and delay
// to pass, and spawns a new one.
func (c *Cluster) Respawn(ctx context.Context, delay, readyTimeout time.Duration) error {
	inc, err := c.kill(KillOptions{Reason: "respawn"})
	switch {
	case errors.Is(err, ErrNoProcess):
	case err != nil:
		return err
	default:
		select {
		case <-inc.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	return c.Spawn(ctx, readyTimeout)
}

// Recover respawns an unresponsive cluster if its restart budget allows.
func (c *Cluster) Recover(ctx context.Context) error {
	if !c.m.respawnEnabled() {
		return fmt.Errorf("%w: %s: respawn disabled", ErrRestartBudgetExhausted, c)
	}
	if !c.takeRestart() {
		c.m.metrics.RestartBudgetExhausted(c.id)
		return fmt.Errorf("%w: %s", ErrRestartBudgetExhausted, c)
	}
	c.m.metrics.ClusterRestarted(c.id)
	return c.Respawn(ctx, 0, ReadyNoWait)
}

// SetMaintenance records reason and forwards it to the running worker. An
// empty reason ends maintenance. The reason is also passed to future
// incarnations in their bootstrap record.
func (c *Cluster) SetMaintenance(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.maintenance = reason
	c.mu.Unlock()

	if reason == "" {
		return c.sendTag(ctx, protocol.TagMaintenanceDisable, nil)
	}
	return c.sendTag(ctx, protocol.TagMaintenanceEnable, protocol.Maintenance{Reason: reason})
}

func (c *Cluster) current() (*incarnation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProcess, c)
	}
	return c.inc, nil
}

// SendEnvelope delivers env to the running worker.
func (c *Cluster) SendEnvelope(ctx context.Context, env *protocol.Envelope) error {
	inc, err := c.current()
	if err != nil {
		return err
	}
	return inc.h.Send(ctx, env)
}

func (c *Cluster) sendTag(ctx context.Context, tag protocol.Tag, payload any) error {
	env, err := protocol.NewEnvelope(tag, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(ctx, env)
}

// Send delivers a custom message to the worker.
func (c *Cluster) Send(ctx context.Context, payload any) error {
	return c.sendTag(ctx, protocol.TagCustomMessage, payload)
}

// Call runs call on the worker. A timeout <= 0 uses the manager's call
// timeout.
func (c *Cluster) Call(ctx context.Context, call protocol.Call, timeout time.Duration) (json.RawMessage, error) {
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidCall, err)
	}
	return c.request(ctx, protocol.TagExecuteRequest, call, timeout)
}

// Request sends a custom request to the worker and waits for its reply.
func (c *Cluster) Request(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.request(ctx, protocol.TagCustomRequest, payload, timeout)
}

// Reply answers a custom request received from the worker.
func (c *Cluster) Reply(ctx context.Context, req *protocol.Envelope, result any, err error) error {
	inc, cErr := c.current()
	if cErr != nil {
		return cErr
	}
	return c.reply(ctx, inc, req, protocol.TagCustomReply, result, err)
}

func (c *Cluster) request(ctx context.Context, tag protocol.Tag, payload any, timeout time.Duration) (json.RawMessage, error) {
	inc, err := c.current()
	if err != nil {
		return nil, err
	}
	env, err := protocol.NewEnvelope(tag, payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.m.callTimeout
	}

	defer c.m.metrics.CallDuration(tag.String()).ObserveDuration()
	f := c.m.corr.Create(env, timeout)
	if err := inc.h.Send(ctx, env); err != nil {
		c.m.corr.Reject(env.Nonce, fmt.Errorf("send to %s: %w", c, err))
	}
	res, err := f.Wait(ctx)
	c.m.metrics.CallCompleted(tag.String(), err == nil)
	return res, err
}

func (c *Cluster) reply(ctx context.Context, inc *incarnation, req *protocol.Envelope, tag protocol.Tag, result any, err error) error {
	resp, rErr := protocol.NewResponse(result, err)
	if rErr != nil {
		resp, _ = protocol.NewResponse(nil, rErr)
	}
	env, rErr := req.Reply(tag, resp)
	if rErr != nil {
		return rErr
	}
	return inc.h.Send(ctx, env)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

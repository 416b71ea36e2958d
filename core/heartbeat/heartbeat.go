// Package heartbeat probes the workers of ready clusters and respawns the
// ones that stop answering, within their restart budget.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/ds"
	"github.com/codewandler/shardvisor/core/protocol"
)

const (
	Name = "heartbeat"

	DefaultInterval  = 20 * time.Second
	DefaultMaxMissed = 5
)

type (
	Options struct {
		// Interval between two probes of a cluster.
		Interval time.Duration
		// MaxMissed is the number of unanswered probes tolerated before the
		// cluster is considered dead.
		MaxMissed int
		Log       *slog.Logger
	}

	// Monitor is a cluster.Plugin tracking every cluster that becomes
	// ready. Clusters are tracked by identity, so a replacement spawned
	// during a recluster is probed next to the cluster it replaces.
	Monitor struct {
		interval  time.Duration
		maxMissed int
		log       *slog.Logger
		m         *cluster.Manager

		mu    sync.Mutex
		beats map[*cluster.Cluster]*Heartbeat
	}

	// Heartbeat probes a single cluster.
	Heartbeat struct {
		c    *cluster.Cluster
		mon  *Monitor
		stop context.CancelFunc
		done chan struct{}

		mu      sync.Mutex
		pending *ds.Set[string]
	}
)

var _ cluster.Plugin = (*Monitor)(nil)

func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxMissed := opts.MaxMissed
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissed
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		interval:  interval,
		maxMissed: maxMissed,
		log:       log.With(slog.String("component", Name)),
		beats:     make(map[*cluster.Cluster]*Heartbeat),
	}
}

func (mon *Monitor) Name() string { return Name }

func (mon *Monitor) Build(m *cluster.Manager) error {
	mon.m = m
	m.SetLiveness(mon)
	m.OnClusterReady(mon.Track)
	m.Debug("heartbeat monitor installed",
		slog.Duration("interval", mon.interval),
		slog.Int("max_missed", mon.maxMissed),
	)
	return nil
}

// Track starts probing c, replacing a previous heartbeat of c.
func (mon *Monitor) Track(c *cluster.Cluster) {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &Heartbeat{
		c:       c,
		mon:     mon,
		stop:    cancel,
		done:    make(chan struct{}),
		pending: ds.NewSet[string](),
	}

	mon.mu.Lock()
	prev := mon.beats[c]
	mon.beats[c] = hb
	mon.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	go hb.run(ctx)
}

// Untrack stops probing c.
func (mon *Monitor) Untrack(c *cluster.Cluster) {
	mon.mu.Lock()
	hb, ok := mon.beats[c]
	delete(mon.beats, c)
	mon.mu.Unlock()

	if ok {
		hb.stop()
	}
}

// untrackBeat removes hb only if it is still the heartbeat of its cluster.
func (mon *Monitor) untrackBeat(hb *Heartbeat) {
	mon.mu.Lock()
	if mon.beats[hb.c] == hb {
		delete(mon.beats, hb.c)
	}
	mon.mu.Unlock()
	hb.stop()
}

func (mon *Monitor) Ack(c *cluster.Cluster, probeID string) {
	mon.mu.Lock()
	hb, ok := mon.beats[c]
	mon.mu.Unlock()
	if ok {
		hb.ack(probeID)
	}
}

// Tracked returns the number of clusters being probed.
func (mon *Monitor) Tracked() int {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return len(mon.beats)
}

// Pending returns the number of unanswered probes sent to c.
func (mon *Monitor) Pending(c *cluster.Cluster) int {
	mon.mu.Lock()
	hb, ok := mon.beats[c]
	mon.mu.Unlock()
	if !ok {
		return 0
	}
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.pending.Len()
}

// Close stops all heartbeats.
func (mon *Monitor) Close() {
	mon.mu.Lock()
	beats := mon.beats
	mon.beats = make(map[*cluster.Cluster]*Heartbeat)
	mon.mu.Unlock()

	for _, hb := range beats {
		hb.stop()
		<-hb.done
	}
}

func (hb *Heartbeat) ack(id string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.pending.Remove(id)
}

func (hb *Heartbeat) run(ctx context.Context) {
	defer close(hb.done)

	t := time.NewTicker(hb.mon.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !hb.beat(ctx) {
			return
		}
	}
}

// beat checks the probes sent so far and sends the next one. It returns
// false once the cluster was declared dead.
func (hb *Heartbeat) beat(ctx context.Context) bool {
	log := hb.mon.log.With(slog.Int("cluster", hb.c.ID()))

	hb.mu.Lock()
	missed := hb.pending.Len()
	hb.mu.Unlock()

	if missed > 0 {
		hb.mon.m.Metrics().HeartbeatMissed(hb.c.ID())
		log.Debug("heartbeat missed", slog.Int("missed", missed))
	}
	if missed > hb.mon.maxMissed {
		log.Warn("cluster unresponsive, respawning", slog.Int("missed", missed))
		hb.mon.untrackBeat(hb)
		if err := hb.c.Recover(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, cluster.ErrRestartBudgetExhausted) {
				log.Error("not respawning unresponsive cluster", slog.Any("error", err))
			} else {
				log.Error("failed to respawn unresponsive cluster", slog.Any("error", err))
			}
		}
		return false
	}

	id := strconv.FormatInt(time.Now().UnixNano(), 10)
	hb.mu.Lock()
	hb.pending.Add(id)
	hb.mu.Unlock()

	env := protocol.MustEnvelope(protocol.TagHeartbeatProbe, protocol.Heartbeat{ID: id})
	if err := hb.c.SendEnvelope(ctx, env); err != nil {
		log.Debug("failed to send heartbeat", slog.Any("error", err))
	}
	return true
}

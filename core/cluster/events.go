package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codewandler/shardvisor/core/protocol"
)

type (
	// DeathEvent reports the exit of a cluster's worker.
	DeathEvent struct {
		Cluster *Cluster
		// Err is the worker's exit error, nil on a clean exit.
		Err error
		// Killed is set when the worker was stopped deliberately.
		Killed bool
		Reason string
	}

	// MessageEvent carries traffic the supervisor router does not handle:
	// custom messages and requests, and envelopes with unknown tags.
	MessageEvent struct {
		Cluster  *Cluster
		Envelope *protocol.Envelope
	}

	// DebugEvent mirrors a debug log record of the manager.
	DebugEvent struct {
		Message string
		Attrs   []slog.Attr
	}

	observers[T any] struct {
		mu  sync.RWMutex
		fns []func(T)
	}

	events struct {
		create  observers[*Cluster]
		spawn   observers[*Cluster]
		ready   observers[*Cluster]
		death   observers[DeathEvent]
		message observers[MessageEvent]
		debug   observers[DebugEvent]
	}
)

func (o *observers[T]) add(fn func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fns = append(o.fns, fn)
}

func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := o.fns
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// OnClusterCreate is called for every cluster created by the manager,
// registered or not.
func (m *Manager) OnClusterCreate(fn func(c *Cluster)) { m.events.create.add(fn) }

// OnClusterSpawn is called after a cluster's worker started.
func (m *Manager) OnClusterSpawn(fn func(c *Cluster)) { m.events.spawn.add(fn) }

// OnClusterReady is called when a cluster's worker reports ready.
func (m *Manager) OnClusterReady(fn func(c *Cluster)) { m.events.ready.add(fn) }

func (m *Manager) OnClusterDeath(fn func(e DeathEvent)) { m.events.death.add(fn) }

func (m *Manager) OnMessage(fn func(e MessageEvent)) { m.events.message.add(fn) }

func (m *Manager) OnDebug(fn func(e DebugEvent)) { m.events.debug.add(fn) }

// Debug logs msg at debug level and mirrors it to OnDebug observers.
func (m *Manager) Debug(msg string, attrs ...slog.Attr) {
	m.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	m.events.debug.emit(DebugEvent{Message: msg, Attrs: attrs})
}

package cluster

import (
	"context"
	"log/slog"

	"github.com/codewandler/shardvisor/core/protocol"
)

// route handles protocol traffic from a cluster's worker. It returns false
// for envelopes that are not part of the supervisor protocol.
func (m *Manager) route(c *Cluster, inc *incarnation, env *protocol.Envelope) bool {
	drop := func(err error) bool {
		c.log.Warn("dropping malformed envelope", slog.Any("envelope", env), slog.Any("error", err))
		return true
	}

	switch env.Tag {
	case protocol.TagReady:
		c.markReady(inc)

	case protocol.TagExecuteResponse,
		protocol.TagManagerEvalResponse,
		protocol.TagBroadcastResponse,
		protocol.TagCustomReply:
		if !m.corr.Resolve(env) {
			c.log.Debug("late or unknown response", slog.Any("envelope", env))
		}

	case protocol.TagBroadcastRequest:
		req, err := protocol.Decode[protocol.BroadcastRequest](env)
		if err != nil {
			m.replyAsync(c, inc, env, protocol.TagBroadcastResponse, nil, err)
			return true
		}
		m.goBackground(func(ctx context.Context) {
			if req.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, req.Timeout)
				defer cancel()
			}
			res, err := m.BroadcastCall(ctx, req.Call, req.Target)
			m.reply(ctx, c, inc, env, protocol.TagBroadcastResponse, res, err)
		})

	case protocol.TagManagerEvalRequest:
		call, err := protocol.Decode[protocol.Call](env)
		if err != nil {
			m.replyAsync(c, inc, env, protocol.TagManagerEvalResponse, nil, err)
			return true
		}
		m.goBackground(func(ctx context.Context) {
			res, err := m.procs.Invoke(ctx, call)
			m.reply(ctx, c, inc, env, protocol.TagManagerEvalResponse, res, err)
		})

	case protocol.TagRespawn:
		req, err := protocol.Decode[protocol.RespawnRequest](env)
		if err != nil {
			return drop(err)
		}
		target := c
		if req.ClusterID != nil {
			var ok bool
			if target, ok = m.Cluster(*req.ClusterID); !ok {
				c.log.Warn("respawn requested for unknown cluster", slog.Int("target", *req.ClusterID))
				return true
			}
		}
		m.goBackground(func(ctx context.Context) {
			readyTimeout := req.ReadyTimeout
			if readyTimeout == 0 {
				readyTimeout = ReadyNoWait
			}
			if err := target.Respawn(ctx, req.Delay, readyTimeout); err != nil {
				target.log.Error("requested respawn failed", slog.Any("error", err))
			}
		})

	case protocol.TagRespawnAll:
		req, err := protocol.Decode[protocol.RespawnAllRequest](env)
		if err != nil {
			return drop(err)
		}
		m.goBackground(func(ctx context.Context) {
			err := m.RespawnAll(ctx, RespawnAllOptions{
				ClusterDelay: req.ClusterDelay,
				RespawnDelay: req.RespawnDelay,
				ReadyTimeout: req.Timeout,
			})
			if err != nil {
				m.log.Error("requested respawn of all clusters failed", slog.Any("error", err))
			}
		})

	case protocol.TagMaintenanceAll:
		req, err := protocol.Decode[protocol.Maintenance](env)
		if err != nil {
			return drop(err)
		}
		m.goBackground(func(ctx context.Context) {
			if err := m.TriggerMaintenance(ctx, req.Reason); err != nil {
				m.log.Error("requested maintenance failed", slog.Any("error", err))
			}
		})

	case protocol.TagHeartbeatAck:
		hb, err := protocol.Decode[protocol.Heartbeat](env)
		if err != nil {
			return drop(err)
		}
		if t := m.livenessTracker(); t != nil {
			t.Ack(c, hb.ID)
		}

	case protocol.TagSpawnNext:
		m.goBackground(func(ctx context.Context) {
			if err := m.queue.Next(ctx); err != nil {
				m.log.Warn("spawn next cluster failed", slog.Any("error", err))
			}
		})

	default:
		return false
	}
	return true
}

func (m *Manager) replyAsync(c *Cluster, inc *incarnation, req *protocol.Envelope, tag protocol.Tag, result any, err error) {
	m.goBackground(func(ctx context.Context) {
		m.reply(ctx, c, inc, req, tag, result, err)
	})
}

func (m *Manager) reply(ctx context.Context, c *Cluster, inc *incarnation, req *protocol.Envelope, tag protocol.Tag, result any, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if rErr := c.reply(ctx, inc, req, tag, result, err); rErr != nil {
		c.log.Warn("failed to reply", slog.String("tag", tag.String()), slog.Any("error", rErr))
	}
}

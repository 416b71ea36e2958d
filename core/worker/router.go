package worker

import (
	"context"
	"log/slog"

	"github.com/codewandler/shardvisor/core/protocol"
)

func (c *Client) route(ctx context.Context, env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagExecuteRequest:
		call, err := protocol.Decode[protocol.Call](env)
		if err != nil {
			c.reply(ctx, env, protocol.TagExecuteResponse, nil, err)
			return
		}
		c.goHandle(func() {
			res, err := c.procs.Invoke(ctx, call)
			c.reply(ctx, env, protocol.TagExecuteResponse, res, err)
		})

	case protocol.TagExecuteResponse,
		protocol.TagManagerEvalResponse,
		protocol.TagBroadcastResponse,
		protocol.TagCustomReply:
		if !c.corr.Resolve(env) {
			c.log.Debug("late or unknown response", slog.Any("envelope", env))
		}

	case protocol.TagHeartbeatProbe:
		ack, err := env.Reply(protocol.TagHeartbeatAck, env.Data)
		if err == nil {
			err = c.conn.Send(ctx, ack)
		}
		if err != nil {
			c.log.Warn("failed to ack heartbeat", slog.Any("error", err))
		}

	case protocol.TagMaintenanceEnable:
		m, err := protocol.Decode[protocol.Maintenance](env)
		if err != nil {
			c.log.Warn("dropping malformed envelope", slog.Any("error", err))
			return
		}
		if m.Reason == "" {
			m.Reason = "maintenance"
		}
		c.setMaintenance(m.Reason)

	case protocol.TagMaintenanceDisable:
		c.setMaintenance("")
		c.maybeFireReady()

	case protocol.TagCustomRequest:
		c.goHandle(func() {
			if c.onRequest == nil {
				c.reply(ctx, env, protocol.TagCustomReply, nil, ErrNoRequestHandler)
				return
			}
			res, err := c.onRequest(ctx, env.Data)
			c.reply(ctx, env, protocol.TagCustomReply, res, err)
		})

	default:
		c.onMessage(ctx, env)
	}
}

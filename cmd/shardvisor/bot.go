package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/rpc"
	"github.com/codewandler/shardvisor/core/worker"
)

// bot is a stand-in for real bot logic: it answers a few calls about the
// shards it runs so the fleet can be exercised end to end.
type bot struct {
	log     *slog.Logger
	started time.Time
}

func newBot(log *slog.Logger) *bot {
	return &bot{log: log, started: time.Now()}
}

func (b *bot) main(ctx context.Context, c *worker.Client) error {
	info := c.Info()
	procs := c.Procedures()

	procs.Value("cluster", info)
	procs.Value("shards", info.ShardList)
	procs.Property("uptime", func(context.Context) (any, error) {
		return time.Since(b.started).Round(time.Second).String(), nil
	})
	rpc.Handle(procs, "ping", func(context.Context, struct{}) (string, error) {
		return "pong", nil
	})
	// guild ids are snowflakes, passed as strings
	rpc.Handle(procs, "guild.shard", func(_ context.Context, guild string) (guildShard, error) {
		id, err := strconv.ParseUint(guild, 10, 64)
		if err != nil {
			return guildShard{}, err
		}
		shard := cluster.ShardForGuild(id, info.TotalShards)
		return guildShard{Shard: shard, Local: info.Owns(shard)}, nil
	})

	b.log.Info("bot starting", slog.Any("shards", info.ShardList))
	if err := c.Ready(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

type guildShard struct {
	Shard int  `json:"shard"`
	Local bool `json:"local"`
}

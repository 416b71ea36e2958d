package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/codewandler/shardvisor/adapters/nats"
	"github.com/codewandler/shardvisor/core/worker"
)

type workerCmd struct{}

func (w *workerCmd) Run(ctx context.Context, lf *logFlags) error {
	// stdout carries the protocol
	log := lf.logger(os.Stderr)

	boot, conn, err := worker.ConnectStdio(ctx, os.Stdin, os.Stdout, nats.Dial)
	if err != nil {
		return err
	}
	log = log.With(slog.Int("cluster", boot.ClusterID))

	c := worker.New(boot, conn, worker.Options{
		Log: log,
		OnMaintenance: func(reason string) {
			log.Info("maintenance changed", slog.String("reason", reason))
		},
	})
	err = worker.Serve(ctx, c, newBot(log).main)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

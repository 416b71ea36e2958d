// Command shardvisor runs a sharded bot as a fleet of supervised worker
// processes.
//
//	shardvisor supervise --config shardvisor.yaml
//
// The supervisor re-executes its own binary with the hidden "worker"
// subcommand for every cluster.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

type logFlags struct {
	Level  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	Format string `help:"Log format." default:"text" enum:"text,json"`
}

func (l *logFlags) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(l.Level))
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// args passes the log flags on to spawned workers.
func (l *logFlags) args() []string {
	return []string{"--log-level=" + l.Level, "--log-format=" + l.Format}
}

type arguments struct {
	Log logFlags `embed:"" prefix:"log-"`

	Supervise superviseCmd `cmd:"" help:"Spawn and supervise the worker fleet."`
	Worker    workerCmd    `cmd:"" hidden:"" help:"Run one cluster. Started by the supervisor."`
}

func main() {
	var args arguments
	kctx := kong.Parse(&args,
		kong.Name("shardvisor"),
		kong.Description("Supervisor for sharded bot workers."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&args.Log))
}

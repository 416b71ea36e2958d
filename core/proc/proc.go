// Package proc abstracts how a cluster's worker is run and talked to.
//
// A [Spawner] starts a worker for a [protocol.Bootstrap] and returns a
// [Handle]: a bidirectional envelope [Conn] plus exit notification and
// termination. Two interchangeable spawners are provided:
//
//   - [ExecSpawner] runs the worker as an OS child process and frames
//     envelopes over its stdin/stdout, or over an external [ChannelFactory]
//     such as NATS.
//   - [GoroutineSpawner] runs a [WorkerFunc] in-process over a [Pipe].
package proc

import (
	"context"
	"errors"

	"github.com/codewandler/shardvisor/core/protocol"
)

var (
	ErrClosed = errors.New("proc: connection closed")
	ErrExited = errors.New("proc: worker exited")
)

type (
	// Conn carries envelopes in both directions. Send and Recv may be
	// called concurrently with each other; Recv must not be called
	// concurrently with itself.
	Conn interface {
		Send(ctx context.Context, env *protocol.Envelope) error
		Recv(ctx context.Context) (*protocol.Envelope, error)
		Close() error
	}

	// Handle is a running worker.
	Handle interface {
		Conn
		// Done is closed once the worker has exited.
		Done() <-chan struct{}
		// Err returns the exit error after Done is closed. A clean exit
		// returns nil.
		Err() error
		// Kill asks the worker to stop. A forced kill terminates it
		// immediately.
		Kill(force bool) error
		// ID identifies the worker instance for logging, e.g. a pid.
		ID() string
	}

	Spawner interface {
		Spawn(ctx context.Context, boot protocol.Bootstrap) (Handle, error)
	}

	// SpawnerFunc adapts a function to the Spawner interface.
	SpawnerFunc func(ctx context.Context, boot protocol.Bootstrap) (Handle, error)

	// ChannelFactory opens an out-of-band message channel for a worker that
	// is about to be spawned. The returned ChannelInfo is passed to the
	// worker in its bootstrap record so it can dial the other end.
	ChannelFactory interface {
		Open(ctx context.Context, boot protocol.Bootstrap) (Conn, protocol.ChannelInfo, error)
	}

	// Dialer connects a worker to the channel described by its bootstrap.
	Dialer func(ctx context.Context, boot protocol.Bootstrap) (Conn, error)
)

func (f SpawnerFunc) Spawn(ctx context.Context, boot protocol.Bootstrap) (Handle, error) {
	return f(ctx, boot)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/internal/codec"
)

// MainFunc is a worker's application code. It runs next to the client's
// router and typically registers procedures and calls Ready.
type MainFunc func(ctx context.Context, c *Client) error

// Func builds a proc.WorkerFunc running main against a fresh Client. The
// worker stops when main fails, the connection closes, or it is killed.
func Func(opts Options, main MainFunc) proc.WorkerFunc {
	return func(ctx context.Context, boot protocol.Bootstrap, conn proc.Conn) error {
		return Serve(ctx, New(boot, conn, opts), main)
	}
}

// Serve runs c's router and main until either ends.
func Serve(ctx context.Context, c *Client, main MainFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if main != nil {
		if err := main(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			cancel()
			<-runErr
			_ = c.conn.Close()
			return err
		}
	}
	err := <-runErr
	_ = c.conn.Close()
	return err
}

// ConnectStdio reads the bootstrap record the supervisor wrote to stdin and
// returns the connection to talk to it: a framed stream over stdin/stdout,
// or the channel named in the bootstrap dialed with dial.
func ConnectStdio(ctx context.Context, stdin io.ReadCloser, stdout io.WriteCloser, dial proc.Dialer) (protocol.Bootstrap, proc.Conn, error) {
	var boot protocol.Bootstrap
	if err := protocol.NewDecoder(stdin, codec.JSONCodec{}).Decode(&boot); err != nil {
		return boot, nil, fmt.Errorf("worker: read bootstrap: %w", err)
	}
	if err := boot.Validate(); err != nil {
		return boot, nil, fmt.Errorf("worker: invalid bootstrap: %w", err)
	}

	if boot.Channel.Kind != "" {
		if dial == nil {
			return boot, nil, fmt.Errorf("worker: no dialer for %s channel", boot.Channel.Kind)
		}
		conn, err := dial(ctx, boot)
		if err != nil {
			return boot, nil, fmt.Errorf("worker: dial %s channel: %w", boot.Channel.Kind, err)
		}
		return boot, conn, nil
	}

	c, err := codec.ByName(boot.Codec)
	if err != nil {
		return boot, nil, err
	}
	return boot, proc.NewStreamConn(stdin, stdout, c, stdout, stdin), nil
}

// Package worker is the worker side of the supervisor protocol.
//
// A [Client] wraps the connection a worker was spawned with. [Client.Run]
// routes inbound envelopes: execute requests are answered from the client's
// [rpc.Registry], heartbeat probes are acked, maintenance signals toggle the
// local maintenance flag, and responses settle the client's own pending
// requests. Everything else is handed to the application hooks.
//
// In-process workers are usually built with [Func]:
//
//	spawner := proc.NewGoroutineSpawner(worker.Func(worker.Options{}, func(ctx context.Context, c *worker.Client) error {
//	    c.Procedures().Value("shards", c.Info().ShardList)
//	    return c.Ready(ctx)
//	}))
//
// OS process workers read their bootstrap record with [ConnectStdio].
package worker

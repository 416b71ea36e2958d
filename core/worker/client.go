package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/correlator"
	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
)

const DefaultRequestTimeout = 30 * time.Second

type (
	Options struct {
		Log *slog.Logger
		// Procedures answers execute requests. A fresh registry is created
		// per client when nil.
		Procedures     *rpc.Registry
		RequestTimeout time.Duration

		// OnReady fires once, after Ready was called and the cluster is not
		// under maintenance.
		OnReady func()
		// OnMaintenance is called whenever the maintenance reason changes.
		OnMaintenance func(reason string)
		// OnMessage receives custom messages and envelopes with unknown tags.
		OnMessage func(ctx context.Context, env *protocol.Envelope)
		// OnRequest answers custom requests from the supervisor.
		OnRequest func(ctx context.Context, data json.RawMessage) (any, error)
	}

	Client struct {
		boot    protocol.Bootstrap
		conn    proc.Conn
		log     *slog.Logger
		procs   *rpc.Registry
		corr    *correlator.Correlator
		timeout time.Duration

		onReady       func()
		onMaintenance func(string)
		onMessage     func(context.Context, *protocol.Envelope)
		onRequest     func(context.Context, json.RawMessage) (any, error)

		mu          sync.Mutex
		maintenance string
		readySent   bool
		readyFired  bool

		wg sync.WaitGroup
	}
)

var ErrNoRequestHandler = errors.New("no request handler")

func New(boot protocol.Bootstrap, conn proc.Conn, opts Options) *Client {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.Int("cluster", boot.ClusterID))

	procs := opts.Procedures
	if procs == nil {
		procs = rpc.NewRegistry(rpc.WithLog(log))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Client{
		boot:          boot,
		conn:          conn,
		log:           log,
		procs:         procs,
		corr:          correlator.New(correlator.Options{Log: log}),
		timeout:       timeout,
		onReady:       opts.OnReady,
		onMaintenance: opts.OnMaintenance,
		onMessage:     opts.OnMessage,
		onRequest:     opts.OnRequest,
		maintenance:   boot.Maintenance,
	}
	if c.onMessage == nil {
		c.onMessage = func(_ context.Context, env *protocol.Envelope) {
			c.log.Debug("unhandled message", slog.Any("envelope", env))
		}
	}
	return c
}

func (c *Client) Info() protocol.Bootstrap { return c.boot }

func (c *Client) ID() int { return c.boot.ClusterID }

func (c *Client) Procedures() *rpc.Registry { return c.procs }

// Maintenance returns the current maintenance reason, empty when the
// cluster is not under maintenance.
func (c *Client) Maintenance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenance
}

// Run routes inbound envelopes until ctx is done or the connection closes.
// Outstanding requests are abandoned when it returns.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.wg.Wait()
		c.corr.Clear(correlator.ErrAbandoned)
	}()

	c.log.Debug("worker client running", slog.Any("shards", c.boot.ShardList))
	for {
		env, err := c.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, proc.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker: receive: %w", err)
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("dropping malformed envelope", slog.Any("error", err))
			continue
		}
		c.route(ctx, env)
	}
}

// Ready tells the supervisor this cluster is ready.
func (c *Client) Ready(ctx context.Context) error {
	if err := c.send(ctx, protocol.TagReady, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.readySent = true
	c.mu.Unlock()
	c.maybeFireReady()
	return nil
}

func (c *Client) maybeFireReady() {
	c.mu.Lock()
	fire := c.readySent && !c.readyFired && c.maintenance == ""
	if fire {
		c.readyFired = true
	}
	c.mu.Unlock()
	if fire && c.onReady != nil {
		c.onReady()
	}
}

func (c *Client) setMaintenance(reason string) {
	c.mu.Lock()
	changed := c.maintenance != reason
	c.maintenance = reason
	c.mu.Unlock()
	if changed {
		c.log.Info("maintenance changed", slog.String("reason", reason))
		if c.onMaintenance != nil {
			c.onMaintenance(reason)
		}
	}
}

func (c *Client) send(ctx context.Context, tag protocol.Tag, payload any) error {
	env, err := protocol.NewEnvelope(tag, payload)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, env)
}

func (c *Client) request(ctx context.Context, tag protocol.Tag, payload any) (json.RawMessage, error) {
	env, err := protocol.NewEnvelope(tag, payload)
	if err != nil {
		return nil, err
	}
	f := c.corr.Create(env, c.timeout)
	if err := c.conn.Send(ctx, env); err != nil {
		c.corr.Reject(env.Nonce, err)
	}
	return f.Wait(ctx)
}

func (c *Client) reply(ctx context.Context, req *protocol.Envelope, tag protocol.Tag, result any, err error) {
	resp, _ := protocol.NewResponse(result, err)
	env, rErr := req.Reply(tag, resp)
	if rErr == nil {
		rErr = c.conn.Send(ctx, env)
	}
	if rErr != nil {
		c.log.Error("failed to reply", slog.String("tag", tag.String()), slog.Any("error", rErr))
	}
}

func (c *Client) goHandle(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

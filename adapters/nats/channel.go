package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/internal/codec"
)

// ChannelKind is the bootstrap channel kind handled by this package.
const ChannelKind = "nats"

const (
	suffixToWorker  = ".to_worker"
	suffixToManager = ".to_manager"

	inboxBuffer = 256
)

type ChannelConfig struct {
	Connect       Connector    // Connect is used by the supervisor side. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for worker subjects, e.g. "shardvisor" -> shardvisor.<id>.to_worker
	// Address is handed to workers so they can dial the server. Defaults
	// to the URL the supervisor is connected to.
	Address string
}

// Channel carries supervisor/worker traffic over NATS subjects instead of
// the worker's stdio. It implements proc.ChannelFactory; workers connect
// with [Dial].
type Channel struct {
	connect Connector
	log     *slog.Logger
	prefix  string
	address string
}

func NewChannel(cfg ChannelConfig) *Channel {
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "shardvisor"
	}
	return &Channel{
		connect: ReuseConnection(connect),
		log:     log.With(slog.String("channel", ChannelKind)),
		prefix:  prefix,
		address: cfg.Address,
	}
}

// Open subscribes to the manager side of a fresh subject pair for the worker
// described by boot. Envelopes use the codec named in boot.
func (ch *Channel) Open(_ context.Context, boot protocol.Bootstrap) (proc.Conn, protocol.ChannelInfo, error) {
	c, err := codec.ByName(boot.Codec)
	if err != nil {
		return nil, protocol.ChannelInfo{}, err
	}
	nc, closeNc, err := ch.connect()
	if err != nil {
		return nil, protocol.ChannelInfo{}, fmt.Errorf("nats: connect: %w", err)
	}

	subject := fmt.Sprintf("%s.%d.%s", ch.prefix, boot.ClusterID, gonanoid.Must(10))
	conn, err := newConn(nc, closeNc, c, subject+suffixToManager, subject+suffixToWorker, ch.log)
	if err != nil {
		closeNc()
		return nil, protocol.ChannelInfo{}, err
	}

	addr := ch.address
	if addr == "" {
		addr = nc.ConnectedUrlRedacted()
	}
	ch.log.Debug("channel opened", slog.Int("cluster", boot.ClusterID), slog.String("subject", subject))
	return conn, protocol.ChannelInfo{Kind: ChannelKind, Address: addr, Subject: subject}, nil
}

// Dial connects a worker to the channel named in its bootstrap record.
func Dial(ctx context.Context, boot protocol.Bootstrap) (proc.Conn, error) {
	return DialWith(ConnectURL)(ctx, boot)
}

// DialWith returns a proc.Dialer using connect to reach the advertised
// address.
func DialWith(connect func(url string) Connector) proc.Dialer {
	return func(ctx context.Context, boot protocol.Bootstrap) (proc.Conn, error) {
		if boot.Channel.Kind != ChannelKind {
			return nil, fmt.Errorf("nats: unsupported channel kind %q", boot.Channel.Kind)
		}
		if boot.Channel.Subject == "" {
			return nil, fmt.Errorf("nats: channel without subject")
		}
		c, err := codec.ByName(boot.Codec)
		if err != nil {
			return nil, err
		}
		nc, closeNc, err := connect(boot.Channel.Address)()
		if err != nil {
			return nil, fmt.Errorf("nats: connect %s: %w", boot.Channel.Address, err)
		}
		subject := boot.Channel.Subject
		conn, err := newConn(nc, closeNc, c, subject+suffixToWorker, subject+suffixToManager, slog.Default())
		if err != nil {
			closeNc()
			return nil, err
		}
		// the subscription must reach the server before the supervisor
		// sends anything
		if err := nc.FlushWithContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("nats: flush: %w", err)
		}
		return conn, nil
	}
}

// conn is one end of a subject pair.
type conn struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	codec   codec.Codec
	out     string
	log     *slog.Logger

	sub *natsgo.Subscription
	in  chan *natsgo.Msg

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(nc *natsgo.Conn, closeNc closeFunc, c codec.Codec, in, out string, log *slog.Logger) (*conn, error) {
	cn := &conn{
		nc:      nc,
		closeNc: closeNc,
		codec:   c,
		out:     out,
		log:     log.With(slog.String("subject", in)),
		in:      make(chan *natsgo.Msg, inboxBuffer),
		done:    make(chan struct{}),
	}
	sub, err := nc.ChanSubscribe(in, cn.in)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", in, err)
	}
	cn.sub = sub
	return cn, nil
}

func (c *conn) Send(_ context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return proc.ErrClosed
	}
	b, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.nc.Publish(c.out, b); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (c *conn) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, proc.ErrClosed
	case msg := <-c.in:
		env := new(protocol.Envelope)
		if err := c.codec.Unmarshal(msg.Data, env); err != nil {
			// an empty envelope is dropped by the router
			c.log.Warn("failed to decode envelope", slog.Any("error", err))
			return &protocol.Envelope{}, nil
		}
		return env, nil
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	err := c.sub.Unsubscribe()
	c.closeNc()
	return err
}

var (
	_ proc.ChannelFactory = (*Channel)(nil)
	_ proc.Dialer         = Dial
)

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/rpc"
	"github.com/codewandler/shardvisor/internal/codec"
)

func testBoot() protocol.Bootstrap {
	return protocol.Bootstrap{
		ClusterID:     1,
		TotalClusters: 2,
		ShardList:     []int{2, 3},
		TotalShards:   4,
		Mode:          protocol.ModeWorker,
		QueueMode:     protocol.QueueAuto,
	}
}

// supervisorSide starts a client over a pipe and returns the supervisor end.
func supervisorSide(t *testing.T, boot protocol.Bootstrap, opts Options, main MainFunc) (proc.Conn, <-chan error) {
	t.Helper()
	sup, wrk := proc.Pipe(16)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Func(opts, main)(ctx, boot, wrk) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sup, done
}

func recvTag(t *testing.T, conn proc.Conn, tag protocol.Tag) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	for {
		env, err := conn.Recv(ctx)
		require.NoError(t, err)
		if env.Tag == tag {
			return env
		}
	}
}

func TestClient_ExecuteRequest(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	sup, _ := supervisorSide(t, testBoot(), Options{}, func(ctx context.Context, c *Client) error {
		c.Procedures().Value("shards", c.Info().ShardList)
		rpc.Handle(c.Procedures(), "fail", func(context.Context, struct{}) (any, error) {
			return nil, errors.New("boom")
		})
		return c.Ready(ctx)
	})

	recvTag(t, sup, protocol.TagReady)

	req := protocol.MustEnvelope(protocol.TagExecuteRequest, protocol.Property("shards"))
	require.NoError(t, sup.Send(t.Context(), req))
	resp := recvTag(t, sup, protocol.TagExecuteResponse)
	require.Equal(t, req.Nonce, resp.Nonce)
	r, err := protocol.Decode[protocol.Response](resp)
	require.NoError(t, err)
	require.Nil(t, r.Error)
	require.JSONEq(t, "[2,3]", string(r.Result))

	req = protocol.MustEnvelope(protocol.TagExecuteRequest, protocol.Call{Procedure: "fail"})
	require.NoError(t, sup.Send(t.Context(), req))
	resp = recvTag(t, sup, protocol.TagExecuteResponse)
	r, err = protocol.Decode[protocol.Response](resp)
	require.NoError(t, err)
	require.NotNil(t, r.Error)
	require.Equal(t, "boom", r.Error.Message)
}

func TestClient_HeartbeatAck(t *testing.T) {
	sup, _ := supervisorSide(t, testBoot(), Options{}, nil)

	probe := protocol.MustEnvelope(protocol.TagHeartbeatProbe, protocol.Heartbeat{ID: "123"})
	require.NoError(t, sup.Send(t.Context(), probe))

	ack := recvTag(t, sup, protocol.TagHeartbeatAck)
	require.Equal(t, probe.Nonce, ack.Nonce)
	hb, err := protocol.Decode[protocol.Heartbeat](ack)
	require.NoError(t, err)
	require.Equal(t, "123", hb.ID)
}

func TestClient_ReadyDeferredByMaintenance(t *testing.T) {
	boot := testBoot()
	boot.Maintenance = "recluster"

	var (
		fired   atomic.Int32
		reasons = make(chan string, 4)
		client  = make(chan *Client, 1)
	)
	sup, _ := supervisorSide(t, boot, Options{
		OnReady:       func() { fired.Add(1) },
		OnMaintenance: func(r string) { reasons <- r },
	}, func(ctx context.Context, c *Client) error {
		client <- c
		return c.Ready(ctx)
	})
	c := <-client

	recvTag(t, sup, protocol.TagReady)
	require.Equal(t, "recluster", c.Maintenance())
	require.Equal(t, int32(0), fired.Load())

	require.NoError(t, sup.Send(t.Context(), protocol.MustEnvelope(protocol.TagMaintenanceDisable, nil)))
	require.Equal(t, "", <-reasons)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	// further maintenance cycles do not fire ready again
	require.NoError(t, sup.Send(t.Context(), protocol.MustEnvelope(protocol.TagMaintenanceEnable, protocol.Maintenance{Reason: "deploy"})))
	require.Equal(t, "deploy", <-reasons)
	require.NoError(t, sup.Send(t.Context(), protocol.MustEnvelope(protocol.TagMaintenanceDisable, nil)))
	require.Equal(t, "", <-reasons)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestClient_RequestsToSupervisor(t *testing.T) {
	client := make(chan *Client, 1)
	sup, _ := supervisorSide(t, testBoot(), Options{RequestTimeout: time.Second}, func(ctx context.Context, c *Client) error {
		client <- c
		return nil
	})
	c := <-client

	// fake supervisor answering broadcasts and manager evals
	go func() {
		for {
			env, err := sup.Recv(context.Background())
			if err != nil {
				return
			}
			var resp protocol.Response
			switch env.Tag {
			case protocol.TagBroadcastRequest:
				req, _ := protocol.Decode[protocol.BroadcastRequest](env)
				if req.Call.Property == "fail" {
					resp, _ = protocol.NewResponse(nil, errors.New("cluster not found"))
				} else {
					resp, _ = protocol.NewResponse([]json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, nil)
				}
				reply, _ := env.Reply(protocol.TagBroadcastResponse, resp)
				_ = sup.Send(context.Background(), reply)
			case protocol.TagManagerEvalRequest:
				resp, _ = protocol.NewResponse("manager", nil)
				reply, _ := env.Reply(protocol.TagManagerEvalResponse, resp)
				_ = sup.Send(context.Background(), reply)
			case protocol.TagCustomRequest:
				resp, _ = protocol.NewResponse(map[string]any{"echo": env.Data}, nil)
				reply, _ := env.Reply(protocol.TagCustomReply, resp)
				_ = sup.Send(context.Background(), reply)
			}
		}
	}()

	res, err := c.FetchValue(t.Context(), "guilds", protocol.AllClusters())
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.JSONEq(t, "2", string(res[1]))

	_, err = c.FetchValue(t.Context(), "fail", protocol.Clusters(9))
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "cluster not found", re.Message)

	out, err := c.ManagerEval(t.Context(), protocol.Property("name"))
	require.NoError(t, err)
	require.JSONEq(t, `"manager"`, string(out))

	out, err = c.Request(t.Context(), map[string]int{"x": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":{"x":1}}`, string(out))
}

func TestClient_LifecycleSignals(t *testing.T) {
	client := make(chan *Client, 1)
	sup, _ := supervisorSide(t, testBoot(), Options{}, func(ctx context.Context, c *Client) error {
		client <- c
		return nil
	})
	c := <-client

	id := 0
	require.NoError(t, c.Respawn(t.Context(), protocol.RespawnRequest{ClusterID: &id}))
	env := recvTag(t, sup, protocol.TagRespawn)
	req, err := protocol.Decode[protocol.RespawnRequest](env)
	require.NoError(t, err)
	require.Equal(t, 0, *req.ClusterID)

	require.NoError(t, c.RespawnAll(t.Context(), protocol.RespawnAllRequest{ClusterDelay: time.Second}))
	recvTag(t, sup, protocol.TagRespawnAll)

	require.NoError(t, c.SpawnNextCluster(t.Context()))
	recvTag(t, sup, protocol.TagSpawnNext)

	require.NoError(t, c.TriggerMaintenanceAll(t.Context(), "deploy"))
	env = recvTag(t, sup, protocol.TagMaintenanceAll)
	m, err := protocol.Decode[protocol.Maintenance](env)
	require.NoError(t, err)
	require.Equal(t, "deploy", m.Reason)

	require.NoError(t, c.Send(t.Context(), "hello"))
	env = recvTag(t, sup, protocol.TagCustomMessage)
	require.JSONEq(t, `"hello"`, string(env.Data))
}

func TestClient_CustomTraffic(t *testing.T) {
	messages := make(chan *protocol.Envelope, 2)
	sup, _ := supervisorSide(t, testBoot(), Options{
		OnMessage: func(_ context.Context, env *protocol.Envelope) { messages <- env },
		OnRequest: func(_ context.Context, data json.RawMessage) (any, error) {
			return map[string]json.RawMessage{"got": data}, nil
		},
	}, nil)

	require.NoError(t, sup.Send(t.Context(), protocol.MustEnvelope(protocol.TagCustomMessage, "a")))
	require.NoError(t, sup.Send(t.Context(), &protocol.Envelope{Nonce: "n", Tag: 77, Data: json.RawMessage(`{"future":true}`)}))
	require.Equal(t, protocol.TagCustomMessage, (<-messages).Tag)
	require.Equal(t, protocol.Tag(77), (<-messages).Tag)

	req := protocol.MustEnvelope(protocol.TagCustomRequest, 5)
	require.NoError(t, sup.Send(t.Context(), req))
	reply := recvTag(t, sup, protocol.TagCustomReply)
	require.Equal(t, req.Nonce, reply.Nonce)
	r, err := protocol.Decode[protocol.Response](reply)
	require.NoError(t, err)
	require.JSONEq(t, `{"got":5}`, string(r.Result))
}

func TestClient_DropsMalformed(t *testing.T) {
	sup, _ := supervisorSide(t, testBoot(), Options{}, nil)
	require.NoError(t, sup.Send(t.Context(), &protocol.Envelope{}))

	probe := protocol.MustEnvelope(protocol.TagHeartbeatProbe, protocol.Heartbeat{ID: "1"})
	require.NoError(t, sup.Send(t.Context(), probe))
	recvTag(t, sup, protocol.TagHeartbeatAck)
}

func TestServe_MainError(t *testing.T) {
	_, wrk := proc.Pipe(1)
	err := Func(Options{}, func(context.Context, *Client) error {
		return errors.New("login failed")
	})(t.Context(), testBoot(), wrk)
	require.EqualError(t, err, "login failed")
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestConnectStdio(t *testing.T) {
	boot := testBoot()
	boot.Codec = codec.NameMsgpack

	var in bytes.Buffer
	require.NoError(t, protocol.NewEncoder(&in, codec.JSONCodec{}).Encode(boot))
	require.NoError(t, protocol.NewEncoder(&in, codec.MsgpackCodec{}).Encode(protocol.MustEnvelope(protocol.TagMaintenanceDisable, nil)))

	var out bytes.Buffer
	got, conn, err := ConnectStdio(t.Context(), io.NopCloser(&in), nopCloser{&out}, nil)
	require.NoError(t, err)
	require.Equal(t, boot.ShardList, got.ShardList)

	env, err := conn.Recv(t.Context())
	require.NoError(t, err)
	require.Equal(t, protocol.TagMaintenanceDisable, env.Tag)
	require.NoError(t, conn.Close())
}

func TestConnectStdio_Channel(t *testing.T) {
	boot := testBoot()
	boot.Channel = protocol.ChannelInfo{Kind: "nats", Address: "nats://x", Subject: "s"}

	var in bytes.Buffer
	require.NoError(t, protocol.NewEncoder(&in, nil).Encode(boot))
	_, _, err := ConnectStdio(t.Context(), io.NopCloser(bytes.NewReader(in.Bytes())), nopCloser{io.Discard}, nil)
	require.ErrorContains(t, err, "no dialer")

	a, b := proc.Pipe(1)
	defer b.Close()
	_, conn, err := ConnectStdio(t.Context(), io.NopCloser(bytes.NewReader(in.Bytes())), nopCloser{io.Discard}, func(_ context.Context, got protocol.Bootstrap) (proc.Conn, error) {
		require.Equal(t, "s", got.Channel.Subject)
		return a, nil
	})
	require.NoError(t, err)
	require.Same(t, a, conn)
}

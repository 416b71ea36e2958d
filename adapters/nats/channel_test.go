package nats

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
)

func testBoot() protocol.Bootstrap {
	return protocol.Bootstrap{
		ClusterID:     1,
		TotalClusters: 2,
		ShardList:     []int{2, 3},
		TotalShards:   4,
		Mode:          protocol.ModeProcess,
		QueueMode:     protocol.QueueAuto,
		Codec:         "msgpack",
	}
}

func TestChannel_RoundTrip(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connect := NewTestContainer(t)
	ch := NewChannel(ChannelConfig{Connect: connect, SubjectPrefix: "test"})

	boot := testBoot()
	manager, info, err := ch.Open(t.Context(), boot)
	require.NoError(t, err)
	defer manager.Close()

	require.Equal(t, ChannelKind, info.Kind)
	require.Contains(t, info.Subject, "test.1.")
	require.NotEmpty(t, info.Address)

	boot.Channel = info
	// the container address is only reachable through the test connector
	dial := DialWith(func(string) Connector { return connect })
	worker, err := dial(t.Context(), boot)
	require.NoError(t, err)
	defer worker.Close()

	require.NoError(t, worker.Send(t.Context(), protocol.MustEnvelope(protocol.TagReady, nil)))
	env, err := manager.Recv(t.Context())
	require.NoError(t, err)
	assert.Equal(t, protocol.TagReady, env.Tag)

	req := protocol.MustEnvelope(protocol.TagExecuteRequest, protocol.Property("shards"))
	require.NoError(t, manager.Send(t.Context(), req))
	env, err = worker.Recv(t.Context())
	require.NoError(t, err)
	assert.Equal(t, protocol.TagExecuteRequest, env.Tag)
	assert.Equal(t, req.Nonce, env.Nonce)

	call, err := protocol.Decode[protocol.Call](env)
	require.NoError(t, err)
	assert.Equal(t, "shards", call.Property)
}

func TestChannel_Close(t *testing.T) {
	connect := NewTestContainer(t)
	ch := NewChannel(ChannelConfig{Connect: connect})

	manager, _, err := ch.Open(t.Context(), testBoot())
	require.NoError(t, err)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, err = manager.Recv(ctx)
	require.ErrorIs(t, err, proc.ErrClosed)
	require.ErrorIs(t, manager.Send(ctx, protocol.MustEnvelope(protocol.TagReady, nil)), proc.ErrClosed)
}

func TestDial_Rejects(t *testing.T) {
	boot := testBoot()
	_, err := Dial(t.Context(), boot)
	require.ErrorContains(t, err, "unsupported channel kind")

	boot.Channel = protocol.ChannelInfo{Kind: ChannelKind}
	_, err = Dial(t.Context(), boot)
	require.ErrorContains(t, err, "without subject")
}

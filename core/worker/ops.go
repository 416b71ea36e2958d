package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codewandler/shardvisor/core/protocol"
)

// BroadcastCall asks the supervisor to run call on the clusters selected by
// target. Results are ordered by cluster id.
func (c *Client) BroadcastCall(ctx context.Context, call protocol.Call, target protocol.Target) ([]json.RawMessage, error) {
	return c.broadcast(ctx, protocol.BroadcastRequest{Call: call, Target: target, Timeout: c.timeout})
}

// FetchValue reads property path on the clusters selected by target.
func (c *Client) FetchValue(ctx context.Context, path string, target protocol.Target) ([]json.RawMessage, error) {
	return c.BroadcastCall(ctx, protocol.Property(path), target)
}

func (c *Client) broadcast(ctx context.Context, req protocol.BroadcastRequest) ([]json.RawMessage, error) {
	data, err := c.request(ctx, protocol.TagBroadcastRequest, req)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode broadcast result: %w", err)
	}
	return out, nil
}

// ManagerEval runs call against the supervisor's own procedures.
func (c *Client) ManagerEval(ctx context.Context, call protocol.Call) (json.RawMessage, error) {
	return c.request(ctx, protocol.TagManagerEvalRequest, call)
}

// Respawn asks the supervisor to respawn a cluster, this one unless
// req.ClusterID is set.
func (c *Client) Respawn(ctx context.Context, req protocol.RespawnRequest) error {
	return c.send(ctx, protocol.TagRespawn, req)
}

func (c *Client) RespawnAll(ctx context.Context, req protocol.RespawnAllRequest) error {
	return c.send(ctx, protocol.TagRespawnAll, req)
}

// SpawnNextCluster advances a supervisor running its spawn queue in manual
// mode by one cluster.
func (c *Client) SpawnNextCluster(ctx context.Context) error {
	return c.send(ctx, protocol.TagSpawnNext, nil)
}

// TriggerMaintenanceAll puts the whole fleet under maintenance, or lifts it
// when reason is empty.
func (c *Client) TriggerMaintenanceAll(ctx context.Context, reason string) error {
	return c.send(ctx, protocol.TagMaintenanceAll, protocol.Maintenance{Reason: reason})
}

// Send delivers a custom message to the supervisor.
func (c *Client) Send(ctx context.Context, payload any) error {
	return c.send(ctx, protocol.TagCustomMessage, payload)
}

// Request sends a custom request to the supervisor and waits for the reply.
func (c *Client) Request(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.request(ctx, protocol.TagCustomRequest, payload)
}

// RequestTimeout returns the timeout applied to requests sent by this
// client.
func (c *Client) RequestTimeout() time.Duration { return c.timeout }

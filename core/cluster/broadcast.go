package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/shardvisor/core/protocol"
)

// Targets resolves a target selector to registered clusters ordered by id.
func (m *Manager) Targets(target protocol.Target) ([]*Cluster, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	all := m.Clusters()
	if len(all) == 0 {
		return nil, ErrNoClusters
	}

	switch {
	case target.Shard != nil:
		return m.owner(all, *target.Shard)
	case target.Key != "":
		return m.owner(all, ShardForKey(target.Key, m.TotalShards()))
	case len(target.Clusters) > 0:
		out := make([]*Cluster, 0, len(target.Clusters))
		for _, id := range target.Clusters {
			c, ok := m.Cluster(id)
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
			}
			out = append(out, c)
		}
		return out, nil
	}
	return all, nil
}

func (m *Manager) owner(all []*Cluster, shard int) ([]*Cluster, error) {
	if total := m.TotalShards(); shard >= total {
		return nil, fmt.Errorf("%w: shard %d out of range [0,%d)", ErrInvalidTarget, shard, total)
	}
	for _, c := range all {
		if c.Owns(shard) {
			return []*Cluster{c}, nil
		}
	}
	return nil, fmt.Errorf("%w: no cluster owns shard %d", ErrClusterNotFound, shard)
}

// BroadcastCall runs call on every cluster selected by target in parallel.
// Results are ordered like the selected clusters. The first failing cluster
// cancels the remaining calls and its error is returned.
func (m *Manager) BroadcastCall(ctx context.Context, call protocol.Call, target protocol.Target) ([]json.RawMessage, error) {
	clusters, err := m.Targets(target)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clusters {
		g.Go(func() error {
			res, err := c.Call(gctx, call, 0)
			if err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CallOne runs call on the single cluster selected by target, a shard, a
// key or exactly one cluster id.
func (m *Manager) CallOne(ctx context.Context, call protocol.Call, target protocol.Target) (json.RawMessage, error) {
	if !target.Single() {
		return nil, fmt.Errorf("%w: target selects more than one cluster", ErrInvalidTarget)
	}
	clusters, err := m.Targets(target)
	if err != nil {
		return nil, err
	}
	return clusters[0].Call(ctx, call, 0)
}

// FetchValue reads property path on every cluster selected by target.
func (m *Manager) FetchValue(ctx context.Context, path string, target protocol.Target) ([]json.RawMessage, error) {
	return m.BroadcastCall(ctx, protocol.Property(path), target)
}

// FetchValueOne reads property path on the single cluster selected by
// target.
func (m *Manager) FetchValueOne(ctx context.Context, path string, target protocol.Target) (json.RawMessage, error) {
	return m.CallOne(ctx, protocol.Property(path), target)
}

// Broadcast is BroadcastCall decoding each result into T.
func Broadcast[T any](ctx context.Context, m *Manager, call protocol.Call, target protocol.Target) ([]T, error) {
	raw, err := m.BroadcastCall(ctx, call, target)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
	}
	return out, nil
}

// Call is CallOne decoding the result into T.
func Call[T any](ctx context.Context, m *Manager, call protocol.Call, target protocol.Target) (T, error) {
	var out T
	raw, err := m.CallOne(ctx, call, target)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

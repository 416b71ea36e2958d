package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Call asks a worker (or the supervisor) to run a named procedure, read a
// property path, or, when explicitly enabled on the receiving side, evaluate
// a script. Exactly one of Procedure, Property and Script is set.
type Call struct {
	Procedure string          `json:"procedure,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Property  string          `json:"property,omitempty"`
	Script    string          `json:"script,omitempty"`
}

func Procedure(name string, args any) (Call, error) {
	c := Call{Procedure: name}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return Call{}, fmt.Errorf("encode args for %s: %w", name, err)
		}
		c.Args = b
	}
	return c, nil
}

func Property(path string) Call { return Call{Property: path} }

func Script(src string) Call { return Call{Script: src} }

func (c Call) Validate() error {
	n := 0
	for _, s := range []string{c.Procedure, c.Property, c.Script} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return errors.New("call needs exactly one of procedure, property or script")
	}
	return nil
}

func (c Call) String() string {
	switch {
	case c.Procedure != "":
		return "procedure:" + c.Procedure
	case c.Property != "":
		return "property:" + c.Property
	case c.Script != "":
		return "script"
	}
	return "empty"
}

// Response answers any request. Error is set when the request failed on the
// remote side.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// NewResponse builds the response for a handler outcome.
func NewResponse(result any, err error) (Response, error) {
	if err != nil {
		return Response{Error: NewRemoteError(err)}, nil
	}
	if result == nil {
		return Response{}, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return Response{Result: raw}, nil
	}
	b, mErr := json.Marshal(result)
	if mErr != nil {
		return Response{Error: NewRemoteError(mErr)}, nil
	}
	return Response{Result: b}, nil
}

// Target selects the clusters a broadcast is sent to. The zero value selects
// every cluster.
type Target struct {
	Clusters []int  `json:"clusters,omitempty"`
	Shard    *int   `json:"shard,omitempty"`
	Key      string `json:"key,omitempty"`
}

func AllClusters() Target { return Target{} }

func Clusters(ids ...int) Target { return Target{Clusters: ids} }

func ShardTarget(shard int) Target { return Target{Shard: &shard} }

// KeyTarget selects the cluster owning key, typically a guild id.
func KeyTarget(key string) Target { return Target{Key: key} }

// Single reports whether the target always resolves to at most one cluster.
func (t Target) Single() bool {
	return t.Shard != nil || t.Key != "" || len(t.Clusters) == 1
}

func (t Target) Validate() error {
	n := 0
	if len(t.Clusters) > 0 {
		n++
	}
	if t.Shard != nil {
		n++
		if *t.Shard < 0 {
			return fmt.Errorf("negative shard %d", *t.Shard)
		}
	}
	if t.Key != "" {
		n++
	}
	if n > 1 {
		return errors.New("target may only set one of clusters, shard or key")
	}
	for _, id := range t.Clusters {
		if id < 0 {
			return fmt.Errorf("negative cluster id %d", id)
		}
	}
	return nil
}

type BroadcastRequest struct {
	Call    Call          `json:"call"`
	Target  Target        `json:"target"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RespawnRequest asks the supervisor to respawn a cluster. A nil ClusterID
// means the sender's own cluster.
type RespawnRequest struct {
	ClusterID    *int          `json:"clusterId,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	ReadyTimeout time.Duration `json:"readyTimeout,omitempty"`
}

type RespawnAllRequest struct {
	ClusterDelay time.Duration `json:"clusterDelay,omitempty"`
	RespawnDelay time.Duration `json:"respawnDelay,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Maintenance carries the reason for maintenance-enable and maintenance-all.
// An empty reason on maintenance-all lifts maintenance fleet wide.
type Maintenance struct {
	Reason string `json:"reason,omitempty"`
}

// Heartbeat is the payload of heartbeat probes and acks.
type Heartbeat struct {
	ID string `json:"id"`
}

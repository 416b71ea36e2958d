package protocol

import (
	"errors"
	"fmt"
	"slices"
)

type Mode string

const (
	// ModeProcess runs each cluster as a separate OS process.
	ModeProcess Mode = "process"
	// ModeWorker runs each cluster in-process on its own goroutine.
	ModeWorker Mode = "worker"
)

type QueueMode string

const (
	QueueAuto   QueueMode = "auto"
	QueueManual QueueMode = "manual"
)

// ChannelInfo describes an out-of-band message channel a worker should dial
// instead of talking over stdio. The zero value means stdio.
type ChannelInfo struct {
	Kind    string `json:"kind,omitempty"`
	Address string `json:"address,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Bootstrap is handed to a worker's entry point when it is spawned. It is
// never mutated after the spawn.
type Bootstrap struct {
	ClusterID     int         `json:"clusterId"`
	TotalClusters int         `json:"totalClusters"`
	ShardList     []int       `json:"shardList"`
	TotalShards   int         `json:"totalShards"`
	Mode          Mode        `json:"mode"`
	QueueMode     QueueMode   `json:"queueMode"`
	Maintenance   string      `json:"maintenance,omitempty"`
	Token         string      `json:"token,omitempty"`
	Codec         string      `json:"codec,omitempty"`
	Channel       ChannelInfo `json:"channel,omitzero"`
}

func (b Bootstrap) Validate() error {
	var errs []error
	if b.ClusterID < 0 {
		errs = append(errs, fmt.Errorf("negative cluster id %d", b.ClusterID))
	}
	if b.TotalClusters < 1 {
		errs = append(errs, fmt.Errorf("total clusters must be positive, got %d", b.TotalClusters))
	}
	if b.TotalShards < 1 {
		errs = append(errs, fmt.Errorf("total shards must be positive, got %d", b.TotalShards))
	}
	if len(b.ShardList) == 0 {
		errs = append(errs, errors.New("empty shard list"))
	}
	for _, s := range b.ShardList {
		if s < 0 || s >= b.TotalShards {
			errs = append(errs, fmt.Errorf("shard %d out of range [0,%d)", s, b.TotalShards))
		}
	}
	switch b.Mode {
	case ModeProcess, ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", b.Mode))
	}
	switch b.QueueMode {
	case QueueAuto, QueueManual:
	default:
		errs = append(errs, fmt.Errorf("unknown queue mode %q", b.QueueMode))
	}
	return errors.Join(errs...)
}

// FirstShard returns the lowest shard id of the cluster.
func (b Bootstrap) FirstShard() int {
	if len(b.ShardList) == 0 {
		return -1
	}
	return slices.Min(b.ShardList)
}

// Owns reports whether shard is assigned to this cluster.
func (b Bootstrap) Owns(shard int) bool {
	return slices.Contains(b.ShardList, shard)
}

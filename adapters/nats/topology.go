package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/shardvisor/core/cluster"
)

// TopologyPluginName is the name the publisher registers under.
const TopologyPluginName = "nats-topology"

const (
	DefaultTopologyBucket = "shardvisor_topology"
	topologyKey           = "topology"
	publishTimeout        = 5 * time.Second
)

var ErrKeyNotFound = errors.New("key not found")

type TopologyConfig struct {
	Connect Connector    // Connect is used to reach JetStream. If nil, ConnectDefault() is used.
	Bucket  string       // Bucket for the records, DefaultTopologyBucket if empty
	Log     *slog.Logger // Log for diagnostics (optional)
}

// ClusterRecord is the published state of one cluster.
type ClusterRecord struct {
	ID          int       `json:"id"`
	Shards      []int     `json:"shards"`
	Live        bool      `json:"live"`
	Ready       bool      `json:"ready"`
	Worker      string    `json:"worker,omitempty"`
	Restarts    int       `json:"restarts"`
	Maintenance string    `json:"maintenance,omitempty"`
	Recluster   bool      `json:"recluster,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TopologyRecord is the published partition of the fleet.
type TopologyRecord struct {
	TotalShards      int       `json:"totalShards"`
	TotalClusters    int       `json:"totalClusters"`
	ShardClusterList [][]int   `json:"shardClusterList"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TopologyPublisher is a cluster.Plugin mirroring the fleet's state into a
// JetStream key-value bucket, so dashboards and other tools can read which
// cluster runs which shards without talking to the supervisor.
type TopologyPublisher struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
	m       *cluster.Manager

	updates chan *cluster.Cluster
	done    chan struct{}
	once    sync.Once
}

func NewTopologyPublisher(ctx context.Context, cfg TopologyConfig) (*TopologyPublisher, error) {
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultTopologyBucket
	}

	nc, closeNc, err := connect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.MemoryStorage,
		History:  1,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: create bucket %s: %w", bucket, err)
	}

	return &TopologyPublisher{
		kv:      kv,
		closeNc: closeNc,
		log:     log.With(slog.String("component", TopologyPluginName), slog.String("bucket", bucket)),
		updates: make(chan *cluster.Cluster, 64),
		done:    make(chan struct{}),
	}, nil
}

func (p *TopologyPublisher) Name() string { return TopologyPluginName }

func (p *TopologyPublisher) Build(m *cluster.Manager) error {
	p.m = m
	m.OnClusterSpawn(p.enqueue)
	m.OnClusterReady(p.enqueue)
	m.OnClusterDeath(func(e cluster.DeathEvent) { p.enqueue(e.Cluster) })
	go p.run()
	return nil
}

// enqueue never blocks the manager; updates are dropped when the
// publisher falls behind and the next event of the cluster catches up.
func (p *TopologyPublisher) enqueue(c *cluster.Cluster) {
	select {
	case p.updates <- c:
	case <-p.done:
	default:
		p.log.Warn("topology update dropped", slog.Int("cluster", c.ID()))
	}
}

func (p *TopologyPublisher) run() {
	for {
		select {
		case <-p.done:
			return
		case c := <-p.updates:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.publish(ctx, c); err != nil {
				p.log.Error("failed to publish topology", slog.Int("cluster", c.ID()), slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (p *TopologyPublisher) publish(ctx context.Context, c *cluster.Cluster) error {
	now := time.Now().UTC()
	rec := ClusterRecord{
		ID:          c.ID(),
		Shards:      c.Shards(),
		Live:        c.Live(),
		Ready:       c.Ready(),
		Worker:      c.WorkerID(),
		Restarts:    c.Restarts(),
		Maintenance: c.Maintenance(),
		Recluster:   c.Recluster(),
		UpdatedAt:   now,
	}
	if err := p.put(ctx, clusterKey(rec.ID), rec); err != nil {
		return err
	}
	return p.put(ctx, topologyKey, TopologyRecord{
		TotalShards:      p.m.TotalShards(),
		TotalClusters:    p.m.TotalClusters(),
		ShardClusterList: p.m.ShardClusterList(),
		UpdatedAt:        now,
	})
}

func (p *TopologyPublisher) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := p.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("nats: put %s: %w", key, err)
	}
	return nil
}

// Cluster reads the last published record of cluster id.
func (p *TopologyPublisher) Cluster(ctx context.Context, id int) (ClusterRecord, error) {
	return get[ClusterRecord](ctx, p.kv, clusterKey(id))
}

// Topology reads the last published partition.
func (p *TopologyPublisher) Topology(ctx context.Context) (TopologyRecord, error) {
	return get[TopologyRecord](ctx, p.kv, topologyKey)
}

func (p *TopologyPublisher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.closeNc()
	})
}

func clusterKey(id int) string { return "cluster." + strconv.Itoa(id) }

func get[T any](ctx context.Context, kv jetstream.KeyValue, key string) (out T, err error) {
	v, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, ErrKeyNotFound
		}
		return out, fmt.Errorf("nats: get %s: %w", key, err)
	}
	err = json.Unmarshal(v.Value(), &out)
	return out, err
}

var _ cluster.Plugin = (*TopologyPublisher)(nil)

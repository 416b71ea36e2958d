package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/shardvisor/adapters/gateway"
	"github.com/codewandler/shardvisor/adapters/nats"
	"github.com/codewandler/shardvisor/adapters/prometheus"
	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/heartbeat"
	"github.com/codewandler/shardvisor/core/proc"
	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/core/recluster"
	"github.com/codewandler/shardvisor/core/rpc"
	"github.com/codewandler/shardvisor/internal/codec"
)

type superviseCmd struct {
	Config string `help:"Path to a YAML config file." type:"existingfile" short:"c"`

	Shards       int           `help:"Total shards. -1 asks the gateway."`
	Clusters     int           `help:"Total clusters. -1 derives it from the core count."`
	Token        string        `help:"Bot token." env:"SHARDVISOR_TOKEN"`
	Queue        string        `help:"Spawn queue mode (auto or manual)."`
	SpawnDelay   time.Duration `help:"Delay per shard between cluster spawns."`
	Codec        string        `help:"Wire codec (json or msgpack)."`
	NatsURL      string        `help:"Carry worker traffic over this NATS server instead of stdio." name:"nats-url"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address." name:"metrics-addr"`
	NoHeartbeat  bool          `help:"Disable heartbeat probes."`
	ReadyTimeout time.Duration `help:"Base readiness budget per cluster."`
}

// merge applies flags set on the command line over cfg.
func (s *superviseCmd) merge(cfg *config) {
	if s.Shards != 0 {
		cfg.Shards = s.Shards
	}
	if s.Clusters != 0 {
		cfg.Clusters = s.Clusters
	}
	if s.Token != "" {
		cfg.Token = s.Token
	}
	if s.Queue != "" {
		cfg.QueueMode = protocol.QueueMode(s.Queue)
	}
	if s.SpawnDelay != 0 {
		cfg.SpawnDelay = s.SpawnDelay
	}
	if s.Codec != "" {
		cfg.Codec = s.Codec
	}
	if s.NatsURL != "" {
		cfg.NATS.URL = s.NatsURL
	}
	if s.MetricsAddr != "" {
		cfg.MetricsAddr = s.MetricsAddr
	}
	if s.NoHeartbeat {
		cfg.Heartbeat.Disabled = true
	}
	if s.ReadyTimeout != 0 {
		cfg.ReadyTimeout = s.ReadyTimeout
	}
}

func (s *superviseCmd) Run(ctx context.Context, lf *logFlags) error {
	cfg, err := loadConfig(s.Config)
	if err != nil {
		return err
	}
	s.merge(&cfg)

	log := lf.logger(os.Stderr)
	slog.SetDefault(log)

	spawner, err := proc.SelfSpawner(append([]string{"worker"}, lf.args()...)...)
	if err != nil {
		return err
	}
	if spawner.Codec, err = codec.ByName(cfg.Codec); err != nil {
		return err
	}
	spawner.Log = log
	if cfg.NATS.URL != "" {
		spawner.Channel = nats.NewChannel(nats.ChannelConfig{
			Connect:       nats.ConnectURL(cfg.NATS.URL),
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Address:       cfg.NATS.URL,
			Log:           log,
		})
	}

	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var fetcher cluster.ShardCountFetcher
	if cfg.Token != "" {
		fetcher = gateway.New(gateway.Options{
			Token:          cfg.Token,
			GuildsPerShard: cfg.GuildsPerShard,
			Log:            log,
		})
	}

	var plugins []cluster.Plugin
	if cfg.NATS.URL != "" && cfg.NATS.TopologyBucket != "" {
		pub, err := nats.NewTopologyPublisher(ctx, nats.TopologyConfig{
			Connect: nats.ConnectURL(cfg.NATS.URL),
			Bucket:  cfg.NATS.TopologyBucket,
			Log:     log,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		plugins = append(plugins, pub)
	}

	procs := rpc.NewRegistry(rpc.WithLog(log))
	m, err := cluster.NewManager(cluster.Options{
		Spawner:           spawner,
		Mode:              protocol.ModeProcess,
		TotalShards:       cfg.Shards,
		TotalClusters:     cfg.Clusters,
		ShardsPerCluster:  cfg.ShardsPerCluster,
		ShardList:         cfg.ShardList,
		Token:             cfg.Token,
		Restarts:          cfg.Restarts,
		DisableRespawn:    cfg.DisableRespawn,
		QueueMode:         cfg.QueueMode,
		ShardCountFetcher: fetcher,
		Procedures:        procs,
		Metrics:           prometheus.NewManagerMetrics(reg),
		Log:               log,
	})
	if err != nil {
		return err
	}

	rc := recluster.New(log)
	plugins = append(plugins, rc)
	var hb *heartbeat.Monitor
	if !cfg.Heartbeat.Disabled {
		hb = heartbeat.New(heartbeat.Options{
			Interval:  cfg.Heartbeat.Interval,
			MaxMissed: cfg.Heartbeat.MaxMissed,
			Log:       log,
		})
		plugins = append(plugins, hb)
	}
	if err := m.Extend(plugins...); err != nil {
		return errors.Join(err, m.Close())
	}
	registerManagerProcedures(procs, m, rc)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	spawnErr := m.Spawn(ctx, cluster.SpawnOptions{
		Delay:        cfg.SpawnDelay,
		ReadyTimeout: cfg.ReadyTimeout,
	})
	if spawnErr == nil {
		log.Info("fleet spawned",
			slog.Int("shards", m.TotalShards()),
			slog.Int("clusters", m.TotalClusters()),
		)
		<-ctx.Done()
	}

	log.Info("shutting down")
	if hb != nil {
		hb.Close()
	}
	errs := []error{spawnErr, m.Close()}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type reclusterArgs struct {
	Shards           int           `json:"shards"`
	Clusters         int           `json:"clusters"`
	ShardsPerCluster int           `json:"shardsPerCluster"`
	Mode             string        `json:"mode"`
	Delay            time.Duration `json:"delay"`
}

// registerManagerProcedures exposes fleet administration to workers through
// manager-eval requests.
func registerManagerProcedures(procs *rpc.Registry, m *cluster.Manager, rc *recluster.Controller) {
	procs.Property("topology", func(context.Context) (any, error) {
		return m.ShardClusterList(), nil
	})
	procs.Property("recluster.state", func(context.Context) (any, error) {
		return rc.State().String(), nil
	})
	// the recluster outlives the request and may replace the caller
	rpc.Handle(procs, "recluster", func(ctx context.Context, args reclusterArgs) (string, error) {
		if rc.State() != recluster.StateIdle {
			return "", recluster.ErrInProgress
		}
		go func() {
			err := rc.Start(context.WithoutCancel(ctx), recluster.Options{
				TotalShards:      args.Shards,
				TotalClusters:    args.Clusters,
				ShardsPerCluster: args.ShardsPerCluster,
				Mode:             recluster.Mode(args.Mode),
				Delay:            args.Delay,
			})
			if err != nil {
				m.Log().Error("recluster failed", slog.Any("error", err))
			}
		}()
		return "started", nil
	})
}

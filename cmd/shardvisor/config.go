package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/shardvisor/core/cluster"
	"github.com/codewandler/shardvisor/core/protocol"
)

// config is the supervisor's YAML configuration file. Flags override it.
type config struct {
	Shards           int                `yaml:"shards"`
	Clusters         int                `yaml:"clusters"`
	ShardsPerCluster int                `yaml:"shardsPerCluster"`
	ShardList        []int              `yaml:"shardList"`
	Token            string             `yaml:"token"`
	GuildsPerShard   int                `yaml:"guildsPerShard"`
	Restarts         cluster.Restarts   `yaml:"restarts"`
	DisableRespawn   bool               `yaml:"disableRespawn"`
	QueueMode        protocol.QueueMode `yaml:"queueMode"`
	SpawnDelay       time.Duration      `yaml:"spawnDelay"`
	ReadyTimeout     time.Duration      `yaml:"readyTimeout"`
	Codec            string             `yaml:"codec"`
	MetricsAddr      string             `yaml:"metricsAddr"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subjectPrefix"`
		// TopologyBucket enables publishing the fleet state to this
		// JetStream key-value bucket.
		TopologyBucket string `yaml:"topologyBucket"`
	} `yaml:"nats"`

	Heartbeat struct {
		Disabled  bool          `yaml:"disabled"`
		Interval  time.Duration `yaml:"interval"`
		MaxMissed int           `yaml:"maxMissed"`
	} `yaml:"heartbeat"`
}

func defaultConfig() config {
	return config{
		Shards:    cluster.Auto,
		Clusters:  cluster.Auto,
		QueueMode: protocol.QueueAuto,
		Codec:     "json",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

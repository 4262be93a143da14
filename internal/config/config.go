// Package config loads the node table, timeouts, and thresholds that the
// core components need. Defaults mirror the original syncpay reference
// (original_source/src/config.py); every value can be overridden by a YAML
// file or a SYNCPAY_* environment variable via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// NodeEndpoint is one entry of the cluster's node table.
type NodeEndpoint struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (n NodeEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Config is the full configuration surface described in SPEC_FULL.md §6.1.
type Config struct {
	NodeConfigs map[string]NodeEndpoint `mapstructure:"node_configs"`

	ConsensusTimeout           time.Duration `mapstructure:"consensus_timeout"`
	ConsensusHeartbeatInterval time.Duration `mapstructure:"consensus_heartbeat_interval"`
	ElectionTimeoutMin         time.Duration `mapstructure:"election_timeout_min"`
	ElectionTimeoutMax         time.Duration `mapstructure:"election_timeout_max"`

	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	HealthFailThreshold  int           `mapstructure:"health_failure_threshold"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`

	ReplicationTimeout      time.Duration `mapstructure:"replication_timeout"`
	ReplicationBatchTimeout time.Duration `mapstructure:"replication_batch_timeout"`
	ReplicationMaxRetries   int           `mapstructure:"replication_max_retries"`
	ReplicationRetryDelay   time.Duration `mapstructure:"replication_retry_delay"`
	ReplicationBatchSize    int           `mapstructure:"replication_batch_size"`
	ReplicationWorkerCount  int           `mapstructure:"replication_worker_count"`

	TimeSyncInterval   time.Duration `mapstructure:"time_sync_interval"`
	TimeSyncTimeout    time.Duration `mapstructure:"time_sync_timeout"`
	TimeSyncMinSamples int           `mapstructure:"time_sync_min_samples"`
	TimeSyncMaxSamples int           `mapstructure:"time_sync_max_samples"`

	DedupRetention        time.Duration `mapstructure:"dedup_retention"`
	DedupCleanupInterval  time.Duration `mapstructure:"dedup_cleanup_interval"`
	DedupPrefilterCapSize int           `mapstructure:"dedup_prefilter_cap_size"`

	PaymentMaxAmount     float64 `mapstructure:"payment_max_amount"`
	PaymentMaxNameLength int     `mapstructure:"payment_max_name_length"`

	ClusterSharedSecret string `mapstructure:"cluster_shared_secret"`
}

// Default returns the reference's defaults (spec.md §4 and config.py).
func Default() *Config {
	return &Config{
		NodeConfigs: map[string]NodeEndpoint{
			"node1": {Host: "localhost", Port: 5000},
			"node2": {Host: "localhost", Port: 5001},
			"node3": {Host: "localhost", Port: 5002},
		},
		ConsensusTimeout:           2 * time.Second,
		ConsensusHeartbeatInterval: 1 * time.Second,
		ElectionTimeoutMin:         5 * time.Second,
		ElectionTimeoutMax:         10 * time.Second,

		HealthCheckInterval: 10 * time.Second,
		HealthFailThreshold: 3,
		HealthCheckTimeout:  5 * time.Second,

		ReplicationTimeout:      5 * time.Second,
		ReplicationBatchTimeout: 10 * time.Second,
		ReplicationMaxRetries:   3,
		ReplicationRetryDelay:   1 * time.Second,
		ReplicationBatchSize:    10,
		ReplicationWorkerCount:  3,

		TimeSyncInterval:   30 * time.Second,
		TimeSyncTimeout:    5 * time.Second,
		TimeSyncMinSamples: 3,
		TimeSyncMaxSamples: 10,

		DedupRetention:        24 * time.Hour,
		DedupCleanupInterval:  1 * time.Hour,
		DedupPrefilterCapSize: 100_000,

		PaymentMaxAmount:     1_000_000,
		PaymentMaxNameLength: 100,

		ClusterSharedSecret: "syncpay-dev-secret",
	}
}

// Load reads defaults, then an optional file, then SYNCPAY_* environment
// overrides, in that order (file.path may be empty to skip it).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNCPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_configs", d.NodeConfigs)
	v.SetDefault("consensus_timeout", d.ConsensusTimeout)
	v.SetDefault("consensus_heartbeat_interval", d.ConsensusHeartbeatInterval)
	v.SetDefault("election_timeout_min", d.ElectionTimeoutMin)
	v.SetDefault("election_timeout_max", d.ElectionTimeoutMax)
	v.SetDefault("health_check_interval", d.HealthCheckInterval)
	v.SetDefault("health_failure_threshold", d.HealthFailThreshold)
	v.SetDefault("health_check_timeout", d.HealthCheckTimeout)
	v.SetDefault("replication_timeout", d.ReplicationTimeout)
	v.SetDefault("replication_batch_timeout", d.ReplicationBatchTimeout)
	v.SetDefault("replication_max_retries", d.ReplicationMaxRetries)
	v.SetDefault("replication_retry_delay", d.ReplicationRetryDelay)
	v.SetDefault("replication_batch_size", d.ReplicationBatchSize)
	v.SetDefault("replication_worker_count", d.ReplicationWorkerCount)
	v.SetDefault("time_sync_interval", d.TimeSyncInterval)
	v.SetDefault("time_sync_timeout", d.TimeSyncTimeout)
	v.SetDefault("time_sync_min_samples", d.TimeSyncMinSamples)
	v.SetDefault("time_sync_max_samples", d.TimeSyncMaxSamples)
	v.SetDefault("dedup_retention", d.DedupRetention)
	v.SetDefault("dedup_cleanup_interval", d.DedupCleanupInterval)
	v.SetDefault("dedup_prefilter_cap_size", d.DedupPrefilterCapSize)
	v.SetDefault("payment_max_amount", d.PaymentMaxAmount)
	v.SetDefault("payment_max_name_length", d.PaymentMaxNameLength)
	v.SetDefault("cluster_shared_secret", d.ClusterSharedSecret)
}

// PeersOf returns every other node's "host:port" address, excluding self.
func (c *Config) PeersOf(nodeID string) []string {
	var peers []string
	for id, ep := range c.NodeConfigs {
		if id != nodeID {
			peers = append(peers, ep.Addr())
		}
	}
	return peers
}

// NodeAddr returns the "host:port" for a given node id.
func (c *Config) NodeAddr(nodeID string) (string, bool) {
	ep, ok := c.NodeConfigs[nodeID]
	if !ok {
		return "", false
	}
	return ep.Addr(), true
}

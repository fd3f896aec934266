// Package config loads the YAML deployment configuration: partitioning
// scheme, this process's place in it, forwarder tuning knobs, and the
// endpoint table that seeds the Endpoint Directory.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Edwardzcn/SLOG/internal/directory"
)

// EndpointEntry is one row of the endpoint table: which machine, at which
// address. The table is the sole source of the directory's machine-id to
// address lookup.
type EndpointEntry struct {
	Region    uint16 `yaml:"region"`
	Partition uint16 `yaml:"partition"`
	Address   string `yaml:"address"`
}

// Config is the full set of recognized deployment options.
type Config struct {
	NumPartitions uint32 `yaml:"num_partitions"`
	NumReplicas   uint32 `yaml:"num_replicas"`

	// LocalReplica names which replica of the sharded keyspace this process
	// belongs to. internal/directory and internal/forwarder call this same
	// value "region" throughout, since a replica and a region are the same
	// axis in this deployment model: MachineID packs (region, partition),
	// and LocalReplica seeds the region half.
	LocalReplica   uint16 `yaml:"local_replica"`
	LocalPartition uint16 `yaml:"local_partition"`

	PartitionOfKeyRule string `yaml:"partition_of_key_rule"`

	LeaderPartitionForMultiHomeOrdering uint16 `yaml:"leader_partition_for_multi_home_ordering"`
	BypassMultiHomeOrderer              bool   `yaml:"bypass_mh_orderer"`

	BatchTimeoutMs int `yaml:"batch_timeout_ms"`
	PollTimeoutMs  int `yaml:"poll_timeout_ms"`

	DefaultMasterRegionForNewKey uint32 `yaml:"default_master_region_for_new_key"`

	MaxTagQueueLen int `yaml:"max_tag_queue_len"`

	// PendingTxnTTLMs bounds how long a transaction may wait in the
	// Forwarder's pending set for a remote LookupMaster response before
	// it is evicted as a ForwardTimeout. Zero (or unset) means the 30000 ms
	// default; a negative value disables eviction.
	PendingTxnTTLMs int `yaml:"pending_txn_ttl_ms"`

	ListenAddress string          `yaml:"listen_address"`
	Endpoints     []EndpointEntry `yaml:"endpoints"`

	Debug bool `yaml:"debug"`

	BadgerDir string `yaml:"badger_dir"`
}

// Load reads and parses a YAML config file at filename.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BatchTimeoutMs == 0 {
		c.BatchTimeoutMs = 100
	}
	if c.PollTimeoutMs == 0 {
		c.PollTimeoutMs = 50
	}
	if c.MaxTagQueueLen == 0 {
		c.MaxTagQueueLen = 1024
	}
	if c.PendingTxnTTLMs == 0 {
		c.PendingTxnTTLMs = 30000
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:0"
	}
}

// DirectoryConfig builds an internal/directory.Config from this config's
// endpoint table and local identity.
func (c *Config) DirectoryConfig() directory.Config {
	endpoints := make([]directory.Endpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		endpoints = append(endpoints, directory.Endpoint{
			MachineID: directory.MakeMachineID(e.Region, e.Partition),
			Address:   e.Address,
		})
	}
	return directory.Config{
		LocalRegion:    c.LocalReplica,
		LocalPartition: c.LocalPartition,
		NumPartitions:  c.NumPartitions,
		NumReplicas:    c.NumReplicas,
		Endpoints:      endpoints,
	}
}

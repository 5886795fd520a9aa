// Package config defines the storage node's on-disk configuration
// shape and loads it from YAML, using the same yaml-tagged
// resource-file convention as the rest of this module's CLI tooling.
package config

import (
	"os"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/cluster"
	"github.com/cuemby/dsm-storage-node/pkg/discovery"
	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/epidemic"
	"github.com/cuemby/dsm-storage-node/pkg/health"
	"github.com/cuemby/dsm-storage-node/pkg/reconcile"
	"github.com/cuemby/dsm-storage-node/pkg/storage/memorybackend"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
	"gopkg.in/yaml.v3"
)

// StorageKind selects which backend a node's local store uses.
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageSQL    StorageKind = "sql"
)

// Node describes this node's identity and network presence.
type Node struct {
	ID       string `yaml:"id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
	Region   string `yaml:"region"`
}

// StorageConfig selects and parameterizes the local backend.
type StorageConfig struct {
	Kind           StorageKind                `yaml:"kind"`
	MaxMemoryBytes int64                      `yaml:"max_memory_bytes"`
	MaxEntries     int                        `yaml:"max_entries"`
	Eviction       memorybackend.EvictionPolicy `yaml:"eviction"`
	SnapshotPath   string                     `yaml:"snapshot_path"`
	SnapshotEvery  time.Duration              `yaml:"snapshot_every"`
	SQLDSN         string                     `yaml:"sql_dsn"`
}

// TopologyConfig parameterizes peer-admission priority and structural
// bucket sizing.
type TopologyConfig struct {
	BucketSize          int `yaml:"bucket_size"`
	LongRangeTarget     int `yaml:"long_range_target"`
	GeoTargetPerRegion  int `yaml:"geo_target_per_region"`
	GeoMinRegions       int `yaml:"geo_min_regions"`
	ReputationTopN      int `yaml:"reputation_top_n"`
	ReputationThreshold int `yaml:"reputation_threshold"`
	SnapshotPath        string `yaml:"snapshot_path"`
}

// ClusterConfig bounds cluster partition sizing.
type ClusterConfig struct {
	MaxNodes int `yaml:"max_nodes"`
}

// ReconcileConfig selects the default and per-scope conflict
// resolution policies.
type ReconcileConfig struct {
	DefaultPolicy reconcile.Policy            `yaml:"default_policy"`
	RegionPolicy  map[string]reconcile.Policy `yaml:"region_policy"`
	IDPolicy      map[string]reconcile.Policy `yaml:"id_policy"`
	MaxConcurrent int                         `yaml:"max_concurrent"`
}

// EpidemicConfig parameterizes the three periodic replication loops.
type EpidemicConfig struct {
	GossipInterval      time.Duration `yaml:"gossip_interval"`
	AntiEntropyInterval time.Duration `yaml:"anti_entropy_interval"`
	TopologyInterval    time.Duration `yaml:"topology_interval"`
	Fanout              int           `yaml:"fanout"`
	MaxEntriesPerGossip int           `yaml:"max_entries_per_gossip"`
	InitialTTL          int           `yaml:"initial_ttl"`
	MaxPropagationCount int           `yaml:"max_propagation_count"`
	AntiEntropySample   int           `yaml:"anti_entropy_sample"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
}

// DiscoveryConfig parameterizes the subnet scanner.
type DiscoveryConfig struct {
	Ports           []int         `yaml:"ports"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// HealthConfig parameterizes the phi-accrual failure detector.
type HealthConfig struct {
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	Adaptive   bool    `yaml:"adaptive"`
}

// Config is the complete on-disk shape a storage node loads at
// startup.
type Config struct {
	Node      Node            `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Topology  TopologyConfig  `yaml:"topology"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Epidemic  EpidemicConfig  `yaml:"epidemic"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
}

// Default returns a complete configuration using every subsystem's
// own defaults, suitable as a starting point before applying
// operator overrides from a YAML file.
func Default() Config {
	topo := topology.DefaultConfig()
	epi := epidemic.DefaultConfig()
	disco := discovery.DefaultConfig()
	hc := health.DefaultConfig()

	return Config{
		Node: Node{
			BindAddr: "0.0.0.0:7950",
			DataDir:  "./data",
			Region:   "default",
		},
		Storage: StorageConfig{
			Kind:       StorageMemory,
			MaxEntries: 100_000,
			Eviction:   memorybackend.EvictionLRU,
		},
		Topology: TopologyConfig{
			BucketSize:          topo.BucketSize,
			LongRangeTarget:     topo.LongRangeTarget,
			GeoTargetPerRegion:  topo.GeoTargetPerRegion,
			GeoMinRegions:       topo.GeoMinRegions,
			ReputationTopN:      topo.ReputationTopN,
			ReputationThreshold: topo.ReputationThreshold,
		},
		Cluster: ClusterConfig{
			MaxNodes: 8,
		},
		Reconcile: ReconcileConfig{
			DefaultPolicy: reconcile.LastWriteWins,
			MaxConcurrent: reconcile.DefaultMaxConcurrent,
		},
		Epidemic: EpidemicConfig{
			GossipInterval:      epi.GossipInterval,
			AntiEntropyInterval: epi.AntiEntropyInterval,
			TopologyInterval:    epi.TopologyInterval,
			Fanout:              epi.Fanout,
			MaxEntriesPerGossip: epi.MaxEntriesPerGossip,
			InitialTTL:          epi.InitialTTL,
			MaxPropagationCount: epi.MaxPropagationCount,
			AntiEntropySample:   epi.AntiEntropySample,
			DialTimeout:         epi.DialTimeout,
		},
		Discovery: DiscoveryConfig{
			Ports:           disco.Ports,
			ProbeTimeout:    disco.ProbeTimeout,
			RefreshInterval: disco.RefreshInterval,
		},
		Health: HealthConfig{
			WindowSize: hc.WindowSize,
			Threshold:  hc.Threshold,
			Adaptive:   hc.Adaptive,
		},
	}
}

// Load reads and parses a YAML configuration file at path, applying
// its values on top of Default() so an operator only needs to
// specify overrides.
func Load(path string) (Config, error) {
	const op = "config.Load"
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, dsmerr.Wrap(dsmerr.Storage, op, "read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, dsmerr.Wrap(dsmerr.Serialization, op, "parse config yaml", err)
	}
	return cfg, nil
}

// Validate checks the minimal set of fields every node needs set
// before it can start.
func (c Config) Validate() error {
	const op = "config.Validate"
	if c.Node.ID == "" {
		return dsmerr.New(dsmerr.Validation, op, "node.id must be set")
	}
	if _, err := topology.ParseNodeID(c.Node.ID); err != nil {
		return dsmerr.Wrap(dsmerr.Validation, op, "node.id must be a 64-character hex-encoded node identifier", err)
	}
	if c.Node.BindAddr == "" {
		return dsmerr.New(dsmerr.Validation, op, "node.bind_addr must be set")
	}
	if c.Storage.Kind != StorageMemory && c.Storage.Kind != StorageSQL {
		return dsmerr.New(dsmerr.Validation, op, "storage.kind must be \"memory\" or \"sql\"")
	}
	if c.Storage.Kind == StorageSQL && c.Storage.SQLDSN == "" {
		return dsmerr.New(dsmerr.Validation, op, "storage.sql_dsn must be set when storage.kind is \"sql\"")
	}
	return nil
}

// TopologyConfig converts the YAML-facing shape into the topology
// package's own Config, falling back to its defaults for any zero
// field.
func (c Config) TopologyConfig() topology.Config {
	d := topology.DefaultConfig()
	t := c.Topology
	applyIfPositive(&d.BucketSize, t.BucketSize)
	applyIfPositive(&d.LongRangeTarget, t.LongRangeTarget)
	applyIfPositive(&d.GeoTargetPerRegion, t.GeoTargetPerRegion)
	applyIfPositive(&d.GeoMinRegions, t.GeoMinRegions)
	applyIfPositive(&d.ReputationTopN, t.ReputationTopN)
	applyIfPositive(&d.ReputationThreshold, t.ReputationThreshold)
	return d
}

func applyIfPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// ClusterConfig converts to the cluster package's own Config.
func (c Config) ClusterConfig() cluster.Config {
	return cluster.Config{MaxNodes: c.Cluster.MaxNodes}
}

// EpidemicConfig converts to the epidemic package's own Config,
// filling NodeID and BindAddr from Node.
func (c Config) EpidemicConfig() epidemic.Config {
	e := c.Epidemic
	return epidemic.Config{
		NodeID:              c.Node.ID,
		BindAddr:            c.Node.BindAddr,
		GossipInterval:      e.GossipInterval,
		AntiEntropyInterval: e.AntiEntropyInterval,
		TopologyInterval:    e.TopologyInterval,
		Fanout:              e.Fanout,
		MaxEntriesPerGossip: e.MaxEntriesPerGossip,
		InitialTTL:          e.InitialTTL,
		MaxPropagationCount: e.MaxPropagationCount,
		AntiEntropySample:   e.AntiEntropySample,
		DialTimeout:         e.DialTimeout,
	}
}

// DiscoveryConfig converts to the discovery package's own Config.
func (c Config) DiscoveryConfig() discovery.Config {
	d := c.Discovery
	return discovery.Config{
		Ports:           d.Ports,
		ProbeTimeout:    d.ProbeTimeout,
		RefreshInterval: d.RefreshInterval,
	}
}

// HealthConfig converts to the health package's own Config.
func (c Config) HealthConfig() health.Config {
	return health.Config{
		WindowSize: c.Health.WindowSize,
		Threshold:  c.Health.Threshold,
		Adaptive:   c.Health.Adaptive,
	}
}

// ReconcileConfig converts to the reconcile package's own Config.
func (c Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		MaxConcurrent: c.Reconcile.MaxConcurrent,
		DefaultPolicy: c.Reconcile.DefaultPolicy,
		RegionPolicy:  c.Reconcile.RegionPolicy,
		IDPolicy:      c.Reconcile.IDPolicy,
	}
}

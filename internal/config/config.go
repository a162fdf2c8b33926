// Package config handles configuration loading and validation for graphmesh.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AdminConfig holds configuration for the operator HTTP interface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"` // Auth token exchanged for session tokens
}

// EphemeralConfig controls the ephemeral instance pool.
type EphemeralConfig struct {
	Capacity     int  `yaml:"capacity"`      // Max live ephemeral instances (default: 50)
	AllowSigning bool `yaml:"allow_signing"` // Let ephemeral instances sign entries (default: false)
}

// ReputationConfig controls pulse publishing and score policy.
type ReputationConfig struct {
	PulseInterval      string  `yaml:"pulse_interval"`      // Self-pulse cadence (default: "30s")
	PublishInterval    string  `yaml:"publish_interval"`    // Record publish cadence (default: "30s")
	StalenessThreshold string  `yaml:"staleness_threshold"` // Pulse age before decay starts (default: "5m")
	DecayHalfLife      string  `yaml:"decay_half_life"`     // Recency half-life past staleness (default: "10m")
	PulseWeight        float64 `yaml:"pulse_weight"`        // Default: 0.3
	FulfillmentWeight  float64 `yaml:"fulfillment_weight"`  // Default: 0.4
	ProofWeight        float64 `yaml:"proof_weight"`        // Default: 0.3
	VolumePrior        float64 `yaml:"volume_prior"`        // Pseudo-count regressing low-sample ratios (default: 5)
}

// ReplicationConfig controls the pin request worker pool.
type ReplicationConfig struct {
	Concurrency int    `yaml:"concurrency"` // Parallel pin attempts (default: 4)
	QueueDepth  int    `yaml:"queue_depth"` // Pending request queue (default: 64)
	PinTimeout  string `yaml:"pin_timeout"` // Per-attempt timeout (default: "60s")
}

// DealsConfig controls chain reconciliation.
type DealsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Interval     string `yaml:"interval"`      // Reconciliation cadence (default: "6h")
	ChainRPC     string `yaml:"chain_rpc"`     // JSON-RPC endpoint of the chain node
	Contract     string `yaml:"contract"`      // Deal registry contract address (hex)
	NodeAddress  string `yaml:"node_address"`  // This node's on-chain identity (hex)
	ChainTimeout string `yaml:"chain_timeout"` // Per-read timeout (default: "30s")
}

// NodeConfig holds the full configuration for a graphmesh node.
type NodeConfig struct {
	Name        string            `yaml:"name"`
	Listen      string            `yaml:"listen"` // Wire (WebSocket) listen address
	DataDir     string            `yaml:"data_dir"`
	RootPath    string            `yaml:"root_path"` // Reserved path of the persistent instance
	Peers       []string          `yaml:"peers"`     // Peer wire URLs for the persistent instance
	Admin       AdminConfig       `yaml:"admin"`
	Ephemeral   EphemeralConfig   `yaml:"ephemeral"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Replication ReplicationConfig `yaml:"replication"`
	Deals       DealsConfig       `yaml:"deals"`
}

// LoadNodeConfig loads node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in defaults for unset fields.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8765"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/graphmesh"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.RootPath == "" {
		c.RootPath = "root"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8766"
	}
	if c.Ephemeral.Capacity == 0 {
		c.Ephemeral.Capacity = 50
	}
	if c.Reputation.PulseInterval == "" {
		c.Reputation.PulseInterval = "30s"
	}
	if c.Reputation.PublishInterval == "" {
		c.Reputation.PublishInterval = "30s"
	}
	if c.Reputation.StalenessThreshold == "" {
		c.Reputation.StalenessThreshold = "5m"
	}
	if c.Reputation.DecayHalfLife == "" {
		c.Reputation.DecayHalfLife = "10m"
	}
	if c.Reputation.PulseWeight == 0 {
		c.Reputation.PulseWeight = 0.3
	}
	if c.Reputation.FulfillmentWeight == 0 {
		c.Reputation.FulfillmentWeight = 0.4
	}
	if c.Reputation.ProofWeight == 0 {
		c.Reputation.ProofWeight = 0.3
	}
	if c.Reputation.VolumePrior == 0 {
		c.Reputation.VolumePrior = 5
	}
	if c.Replication.Concurrency == 0 {
		c.Replication.Concurrency = 4
	}
	if c.Replication.QueueDepth == 0 {
		c.Replication.QueueDepth = 64
	}
	if c.Replication.PinTimeout == "" {
		c.Replication.PinTimeout = "60s"
	}
	if c.Deals.Interval == "" {
		c.Deals.Interval = "6h"
	}
	if c.Deals.ChainTimeout == "" {
		c.Deals.ChainTimeout = "30s"
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.RootPath == "" || strings.Contains(c.RootPath, "/") {
		return fmt.Errorf("root_path must be a single path segment")
	}
	if c.Ephemeral.Capacity < 1 {
		return fmt.Errorf("ephemeral.capacity must be at least 1")
	}
	for _, p := range c.Peers {
		u, err := url.Parse(p)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid peer URL %q: must be ws:// or wss://", p)
		}
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		return fmt.Errorf("admin.token is required when admin is enabled")
	}
	for name, v := range map[string]string{
		"reputation.pulse_interval":      c.Reputation.PulseInterval,
		"reputation.publish_interval":    c.Reputation.PublishInterval,
		"reputation.staleness_threshold": c.Reputation.StalenessThreshold,
		"reputation.decay_half_life":     c.Reputation.DecayHalfLife,
		"replication.pin_timeout":        c.Replication.PinTimeout,
		"deals.interval":                 c.Deals.Interval,
		"deals.chain_timeout":            c.Deals.ChainTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Deals.Enabled {
		if c.Deals.ChainRPC == "" {
			return fmt.Errorf("deals.chain_rpc is required when deals are enabled")
		}
		if c.Deals.Contract == "" {
			return fmt.Errorf("deals.contract is required when deals are enabled")
		}
		if c.Deals.NodeAddress == "" {
			return fmt.Errorf("deals.node_address is required when deals are enabled")
		}
	}
	return nil
}

// Duration parses a duration config value, falling back to def when unset
// or unparsable. Values are checked in Validate, so the fallback normally
// only covers empty strings.
func Duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

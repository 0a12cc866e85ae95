// Package config loads and validates node configuration: the
// recognized options pinned in spec §6, plus the ambient node-identity
// and transport fields the teacher's config package carries alongside
// them.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS. When nil or
// all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// GenesisValidator is one validator entry credited into the genesis
// validator set (spec §3 Validator; governance additions are out of
// scope, so the genesis set is the only bootstrap mechanism this repo
// implements).
type GenesisValidator struct {
	Address   string `json:"address"`    // handle/address identifier, spec §3 Validator.address
	PublicKey string `json:"public_key"` // 64-char hex ed25519 public key
}

// GenesisConfig describes the chain's initial validator set.
type GenesisConfig struct {
	ChainID    string             `json:"chain_id"`
	Validators []GenesisValidator `json:"validators"`
}

// Config holds all node configuration, covering both the ambient
// node/transport fields and the core's recognized options (spec §6).
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	P2PPort int    `json:"p2p_port"`

	ShardCount    uint32 `json:"shard_count"`
	ShardCapacity int    `json:"shard_capacity"`

	RoundIntervalMs           int     `json:"round_interval_ms"`            // 100-250
	BlockProductionIntervalMs int     `json:"block_production_interval_ms"` // 10-50
	MaxTxsPerBlock            int     `json:"max_txs_per_block"`
	MaxBytesPerBlock          int     `json:"max_bytes_per_block"`
	MaxParentsPerBlock        int     `json:"max_parents_per_block"` // K
	SkipEmptyBlocks           bool    `json:"skip_empty_blocks"`
	SkipEmptyRounds           bool    `json:"skip_empty_rounds"`
	CommitteeSize             int     `json:"committee_size"`
	MinQuorumSize             int     `json:"min_quorum_size"` // 0 => ceil(0.6*committee_size)
	RotationIntervalRounds    uint64  `json:"rotation_interval_rounds"`
	FallbackTimeoutMs         int     `json:"fallback_timeout_ms"`
	ReputationThreshold       float64 `json:"reputation_threshold"`
	TimeOffsetBoundMs         int     `json:"time_offset_bound_ms"` // default 5
	AdmissionHorizonRounds    int     `json:"admission_horizon_rounds"`

	AssetWhitelist []string `json:"asset_whitelist"`

	Genesis   GenesisConfig `json:"genesis"`
	SeedPeers []SeedPeer    `json:"seed_peers,omitempty"`
	TLS       *TLSConfig    `json:"tls,omitempty"`
}

// DefaultConfig returns a single-node development configuration using
// the spec §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeID:                     "node0",
		DataDir:                    "./data",
		P2PPort:                    30303,
		ShardCount:                 4,
		ShardCapacity:              10_000,
		RoundIntervalMs:            200,
		BlockProductionIntervalMs:  50,
		MaxTxsPerBlock:             500,
		MaxBytesPerBlock:           2 << 20,
		MaxParentsPerBlock:         4,
		SkipEmptyBlocks:            true,
		SkipEmptyRounds:            false,
		CommitteeSize:              20,
		MinQuorumSize:              0,
		RotationIntervalRounds:     10,
		FallbackTimeoutMs:          5000,
		ReputationThreshold:        0.5,
		TimeOffsetBoundMs:          5,
		AdmissionHorizonRounds:     16,
		Genesis: GenesisConfig{
			ChainID: "findag-dev",
		},
	}
}

// Load reads a JSON config file from path and validates required
// fields, falling back to DefaultConfig()'s values for anything the
// file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.MinQuorumSize == 0 {
		cfg.MinQuorumSize = minQuorumFor(cfg.CommitteeSize)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func minQuorumFor(committeeSize int) int {
	q := (committeeSize*6 + 9) / 10 // ceil(0.6 * committeeSize)
	if q < 1 {
		q = 1
	}
	return q
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.ShardCount == 0 {
		return fmt.Errorf("shard_count must be positive")
	}
	if c.RoundIntervalMs <= 0 {
		return fmt.Errorf("round_interval_ms must be positive")
	}
	if c.BlockProductionIntervalMs <= 0 {
		return fmt.Errorf("block_production_interval_ms must be positive")
	}
	if c.MaxParentsPerBlock < 1 {
		return fmt.Errorf("max_parents_per_block must be at least 1")
	}
	if c.CommitteeSize < 1 {
		return fmt.Errorf("committee_size must be at least 1")
	}
	if c.MinQuorumSize < 1 || c.MinQuorumSize > c.CommitteeSize {
		return fmt.Errorf("min_quorum_size must be in [1, committee_size]")
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("genesis.validators must not be empty")
	}
	for i, v := range c.Genesis.Validators {
		if v.Address == "" {
			return fmt.Errorf("genesis.validators[%d]: address must not be empty", i)
		}
		b, err := hex.DecodeString(v.PublicKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.validators[%d]: public_key must be 64-char hex (32 bytes ed25519), got %q", i, v.PublicKey)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

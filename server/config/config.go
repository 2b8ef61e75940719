// Package config loads a replica's JSON-with-comments configuration file
// and exposes the static node list and tuning knobs the rest of the
// process needs at startup.
//
// The node-list layout follows a plain "which one am I, who else is in
// the group" shape; the file itself is loaded by wrapping the file
// reader in github.com/tinode/jsonco before handing it to json.Decode,
// so the config file can carry // and /* */ comments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tinode/jsonco"
)

// NodeConfig names one member of the static replica list (spec §4.6).
type NodeConfig struct {
	Addr string `json:"addr"`
}

// Config is the full contents of a replica's JSON config file.
type Config struct {
	// Nodes lists every replica address in the group, including self.
	Nodes []NodeConfig `json:"nodes"`
	// Self is this replica's own listen address; must match one entry
	// in Nodes.
	Self string `json:"self"`
	// Leader is the address to RegisterReplica against when this
	// replica starts as a follower (spec §4.3 step 1).
	Leader string `json:"leader"`
	// HeartbeatMillis is the shared period T for both timer loops
	// (spec §4.4), in milliseconds.
	HeartbeatMillis int `json:"heartbeat_millis"`
	// CallTimeoutMillis bounds every outbound replication RPC; must be
	// strictly less than HeartbeatMillis (spec §5).
	CallTimeoutMillis int `json:"call_timeout_millis"`
	// DataDir is where snapshot files are written (spec §4.1).
	DataDir string `json:"data_dir"`
	// AdminAddr is the listen address for the admin HTTP surface
	// (spec §4.7); empty disables it.
	AdminAddr string `json:"admin_addr"`
}

// Default values used when a config file omits a field entirely.
const (
	DefaultHeartbeatMillis   = 1000
	DefaultCallTimeoutMillis = 400
	DefaultDataDir           = "./data"
)

// Load reads and parses the config file at path, stripping // and /* */
// comments via jsonco before handing the stream to encoding/json.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(jsonco.New(f)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.HeartbeatMillis <= 0 {
		cfg.HeartbeatMillis = DefaultHeartbeatMillis
	}
	if cfg.CallTimeoutMillis <= 0 {
		cfg.CallTimeoutMillis = DefaultCallTimeoutMillis
	}
	if cfg.CallTimeoutMillis >= cfg.HeartbeatMillis {
		return nil, fmt.Errorf("config: call_timeout_millis (%d) must be strictly less than heartbeat_millis (%d)",
			cfg.CallTimeoutMillis, cfg.HeartbeatMillis)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Self == "" {
		return nil, fmt.Errorf("config: self address is required")
	}

	return &cfg, nil
}

// Heartbeat returns HeartbeatMillis as a time.Duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMillis) * time.Millisecond
}

// CallTimeout returns CallTimeoutMillis as a time.Duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMillis) * time.Millisecond
}

// IsLeader reports whether this replica should start in the leader role:
// true when no Leader address is configured, meaning this is the seed
// node of the group.
func (c *Config) IsLeader() bool {
	return c.Leader == ""
}

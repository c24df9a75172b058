// Package config loads the process configuration from YAML via viper and
// watches it for changes via fsnotify (§2.1), applying only the subset of
// fields that are safe to change on a running process: log level and the
// election/heartbeat tick bounds used by *future* timers. Storage path and
// cluster membership are fixed for the process lifetime and never hot-swapped.
package config

import (
	"time"

	"github.com/coldraft/raftdb/log"
)

// StoreConfig names the on-disk log file this process owns.
type StoreConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// RaftConfig bounds election/heartbeat timing (§4.4); zero values fall back
// to consensus's own defaults.
type RaftConfig struct {
	ElectionBaseMillis  int `mapstructure:"election-base-millis" json:"election-base-millis" yaml:"election-base-millis"`
	ElectionRangeMillis int `mapstructure:"election-range-millis" json:"election-range-millis" yaml:"election-range-millis"`
	HeartbeatMillis     int `mapstructure:"heartbeat-millis" json:"heartbeat-millis" yaml:"heartbeat-millis"`
}

// Timing returns the configured bounds as time.Duration, substituting zero
// for "unset" so consensus.defaultTiming's fallback applies.
func (r RaftConfig) Timing() (base, jitterRange, heartbeat time.Duration) {
	return time.Duration(r.ElectionBaseMillis) * time.Millisecond,
		time.Duration(r.ElectionRangeMillis) * time.Millisecond,
		time.Duration(r.HeartbeatMillis) * time.Millisecond
}

// ClusterConfig is read once at startup, either to create_cluster (Remotes
// empty) or join_cluster (Remotes naming the servers to contact; §6
// join_cluster takes addresses only, not server ids — the joining node
// doesn't know a remote's ServerId until it replies). Once a process is
// running, membership lives in the log, not in this file.
type ClusterConfig struct {
	LocalAddress string   `mapstructure:"local-address" json:"local-address" yaml:"local-address"`
	Remotes      []string `mapstructure:"remotes" json:"remotes" yaml:"remotes"`
}

// Config is the full process configuration unmarshaled from YAML.
type Config struct {
	Zap     log.ZapConfig `mapstructure:"zap" json:"zap" yaml:"zap"`
	Store   StoreConfig   `mapstructure:"store" json:"store" yaml:"store"`
	Raft    RaftConfig    `mapstructure:"raft" json:"raft" yaml:"raft"`
	Cluster ClusterConfig `mapstructure:"cluster" json:"cluster" yaml:"cluster"`
}

// mergeLiveFields copies the fields that are safe to hot-swap from neu into
// a shallow copy of base, leaving everything else (store path, cluster
// membership) exactly as it was at process start.
func mergeLiveFields(base Config, neu Config) Config {
	merged := base
	merged.Zap.Level = neu.Zap.Level
	merged.Raft = neu.Raft
	return merged
}

// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// DefaultK is the per-bucket capacity.
	DefaultK = 20

	// DefaultAlpha is the lookup parallelism.
	DefaultAlpha = 3

	// DefaultBeta is the broadcast fan-out per bucket.
	DefaultBeta = 3

	// InitHeight is the initial height of a locally originated broadcast,
	// covering the full bucket range.
	InitHeight byte = 128

	// MinMTU and MaxMTU bound the configurable datagram budget.
	MinMTU = 1296
	MaxMTU = 8192

	// defaultPowDifficulty is the number of leading zero bits required of
	// BLAKE2b(id || nonce).
	defaultPowDifficulty = 8
)

// BucketConfig tunes the routing table discipline.
type BucketConfig struct {
	K              int           `mapstructure:"k"`
	MinPeers       int           `mapstructure:"min_peers"`
	NodeTTL        time.Duration `mapstructure:"node_ttl"`
	NodeEvictAfter time.Duration `mapstructure:"node_evict_after"`
	BucketTTL      time.Duration `mapstructure:"bucket_ttl"`
}

// NetworkConfig tunes the UDP transport.
type NetworkConfig struct {
	MTU               int           `mapstructure:"mtu"`
	UDPSendBackoff    time.Duration `mapstructure:"udp_send_backoff"`
	SendRetryInterval time.Duration `mapstructure:"send_retry_interval"`
	SendRetryCount    int           `mapstructure:"send_retry_count"`
	UDPRecvBufferSize int           `mapstructure:"udp_recv_buffer_size"`
	UDPSendBufferSize int           `mapstructure:"udp_send_buffer_size"`
	BlocklistRefresh  time.Duration `mapstructure:"blocklist_refresh"`
}

// FECConfig tunes the raptor-code chunking of broadcasts.
type FECConfig struct {
	Enabled                  bool    `mapstructure:"enabled"`
	MinRepairPacketsPerBlock int     `mapstructure:"min_repair_packets_per_block"`
	RedundancyFactor         float64 `mapstructure:"redundancy_factor"`
}

// RaptorCacheConfig bounds the chunk cache.
type RaptorCacheConfig struct {
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	ProcessedTTL  time.Duration `mapstructure:"processed_ttl"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// ChannelConfig bounds the internal queues.
type ChannelConfig struct {
	InboundCapacity      int `mapstructure:"inbound_capacity"`
	OutboundCapacity     int `mapstructure:"outbound_capacity"`
	NotificationCapacity int `mapstructure:"notification_capacity"`
}

// MaintenanceConfig tunes the periodic routing upkeep.
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the full peer configuration.
type Config struct {
	PublicAddress  string   `mapstructure:"public_address"`
	ListenAddress  string   `mapstructure:"listen_address"`
	BootstrapNodes []string `mapstructure:"bootstrap_nodes"`
	NetworkID      byte     `mapstructure:"network_id"`
	Version        string   `mapstructure:"version"`

	AutoPropagate      bool     `mapstructure:"auto_propagate"`
	RecursiveDiscovery bool     `mapstructure:"recursive_discovery"`
	PowDifficulty      int      `mapstructure:"pow_difficulty"`
	Blocklist          []string `mapstructure:"blocklist"`

	Bucket      BucketConfig      `mapstructure:"bucket"`
	Network     NetworkConfig     `mapstructure:"network"`
	FEC         FECConfig         `mapstructure:"fec"`
	RaptorCache RaptorCacheConfig `mapstructure:"raptor_cache"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// DefaultConfig returns the configuration a sane mainnet-like deployment
// starts from. Timeouts honour node_evict_after < node_ttl << cache TTL.
func DefaultConfig() Config {
	return Config{
		PublicAddress:      "127.0.0.1:9000",
		AutoPropagate:      true,
		RecursiveDiscovery: true,
		PowDifficulty:      defaultPowDifficulty,
		Version:            "1.0.0",
		Bucket: BucketConfig{
			K:              DefaultK,
			MinPeers:       3,
			NodeTTL:        30 * time.Second,
			NodeEvictAfter: 5 * time.Second,
			BucketTTL:      time.Hour,
		},
		Network: NetworkConfig{
			MTU:               1500,
			UDPSendBackoff:    50 * time.Microsecond,
			SendRetryInterval: 200 * time.Millisecond,
			SendRetryCount:    3,
			UDPRecvBufferSize: 5000000,
			UDPSendBufferSize: 5000000,
			BlocklistRefresh:  10 * time.Second,
		},
		FEC: FECConfig{
			Enabled:                  true,
			MinRepairPacketsPerBlock: 5,
			RedundancyFactor:         0.15,
		},
		RaptorCache: RaptorCacheConfig{
			MaxTTL:        2 * time.Minute,
			ProcessedTTL:  time.Minute,
			PendingTTL:    10 * time.Second,
			PruneInterval: 10 * time.Second,
		},
		Channel: ChannelConfig{
			InboundCapacity:      1000,
			OutboundCapacity:     1000,
			NotificationCapacity: 1000,
		},
		Maintenance: MaintenanceConfig{
			Interval: 30 * time.Second,
		},
	}
}

// LoadConfig reads a configuration file (TOML, YAML or JSON) on top of the
// defaults. Environment variables prefixed KADCAST_ override file values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("kadcast")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, errors.Wrapf(err, "could not read config file %s", path)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "could not unmarshal config")
	}

	return cfg, nil
}

// validate surfaces configuration errors at construction time; nothing
// here is recoverable at runtime.
func (c *Config) validate() error {
	if _, err := net.ResolveUDPAddr("udp", c.PublicAddress); err != nil {
		return errors.Wrapf(err, "invalid public_address %s", c.PublicAddress)
	}

	if c.ListenAddress != "" {
		if _, err := net.ResolveUDPAddr("udp", c.ListenAddress); err != nil {
			return errors.Wrapf(err, "invalid listen_address %s", c.ListenAddress)
		}
	}

	if c.Network.MTU < MinMTU || c.Network.MTU > MaxMTU {
		return errors.Errorf("mtu %d out of range [%d, %d]", c.Network.MTU, MinMTU, MaxMTU)
	}

	if c.Bucket.K <= 0 || c.Bucket.K > 256 {
		return errors.Errorf("invalid bucket capacity %d", c.Bucket.K)
	}

	if c.PowDifficulty < 0 || c.PowDifficulty > 64 {
		return errors.Errorf("invalid pow difficulty %d", c.PowDifficulty)
	}

	if len(c.Version) == 0 || len(c.Version) > 255 {
		return errors.Errorf("invalid version string %q", c.Version)
	}

	if c.FEC.RedundancyFactor < 0 {
		return errors.Errorf("negative redundancy factor %f", c.FEC.RedundancyFactor)
	}

	if c.Maintenance.Interval <= 0 {
		return errors.Errorf("invalid maintenance interval %s", c.Maintenance.Interval)
	}

	if c.RaptorCache.PruneInterval <= 0 {
		return errors.Errorf("invalid cache prune interval %s", c.RaptorCache.PruneInterval)
	}

	for _, b := range c.Blocklist {
		if _, err := net.ResolveUDPAddr("udp", b); err != nil {
			return errors.Wrapf(err, "invalid blocklist entry %s", b)
		}
	}

	return nil
}

// maxDatagramLen is the payload budget left by IP and UDP headers.
func (c *Config) maxDatagramLen() int {
	return c.Network.MTU - 8 - 20
}

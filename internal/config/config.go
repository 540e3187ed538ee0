// Package config provides configuration management for the query router.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Policy types accepted in policy.type
const (
	PolicyRoundRobin = "round_robin"
	PolicyDCAware    = "dc_aware"
)

// Config holds all configuration for the query router.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Ring        RingConfig        `mapstructure:"ring"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Topology    TopologyConfig    `mapstructure:"topology"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimiterConfig holds admin API rate limiting configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// PolicyConfig selects and composes the routing policy.
type PolicyConfig struct {
	Type                 string   `mapstructure:"type"`
	LocalDatacenter      string   `mapstructure:"local_datacenter"`
	UsedHostsPerRemoteDC int      `mapstructure:"used_hosts_per_remote_dc"`
	TokenAware           bool     `mapstructure:"token_aware"`
	AllowList            []string `mapstructure:"allow_list"`
}

// RingConfig holds token ring configuration.
type RingConfig struct {
	Partitioner  string `mapstructure:"partitioner"`
	VirtualNodes int    `mapstructure:"virtual_nodes"`
}

// RegistryConfig holds host registry configuration.
type RegistryConfig struct {
	EventWorkers   int `mapstructure:"event_workers"`
	EventQueueSize int `mapstructure:"event_queue_size"`
}

// GossipConfig holds memberlist membership configuration.
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	NodeName       string        `mapstructure:"node_name"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	// Datacenter and Rack are advertised for this router process
	Datacenter string `mapstructure:"datacenter"`
	Rack       string `mapstructure:"rack"`
}

// Discovery backends accepted in discovery.backend
const (
	DiscoveryPostgres = "postgres"
	DiscoveryRedis    = "redis"
)

// DiscoveryConfig configures polling of the cluster metadata store.
type DiscoveryConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Backend         string         `mapstructure:"backend"`
	RefreshInterval time.Duration  `mapstructure:"refresh_interval"`
	Postgres        PostgresConfig `mapstructure:"postgres"`
	Redis           RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig holds PostgreSQL metadata store configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig holds Redis metadata store configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Key is the hash holding one JSON node per field
	Key string `mapstructure:"key"`
}

// TopologyConfig points at an optional static topology file.
type TopologyConfig struct {
	File string `mapstructure:"file"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// Environment variables use the QUERYROUTER_ prefix, with dots in keys
// replaced by underscores (QUERYROUTER_POLICY_LOCAL_DATACENTER).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("queryrouter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/queryrouter/")
	}

	v.SetEnvPrefix("QUERYROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 100)
	v.SetDefault("rate_limiter.burst_size", 200)

	// Policy defaults
	v.SetDefault("policy.type", PolicyDCAware)
	v.SetDefault("policy.local_datacenter", "")
	v.SetDefault("policy.used_hosts_per_remote_dc", 0)
	v.SetDefault("policy.token_aware", true)
	v.SetDefault("policy.allow_list", []string{})

	// Ring defaults
	v.SetDefault("ring.partitioner", "Murmur3Partitioner")
	v.SetDefault("ring.virtual_nodes", 16)

	// Registry defaults
	v.SetDefault("registry.event_workers", 4)
	v.SetDefault("registry.event_queue_size", 256)

	// Gossip defaults
	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.node_name", "")
	v.SetDefault("gossip.bind_addr", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.seed_nodes", []string{})
	v.SetDefault("gossip.gossip_interval", "200ms")
	v.SetDefault("gossip.probe_interval", "1s")
	v.SetDefault("gossip.probe_timeout", "500ms")
	v.SetDefault("gossip.datacenter", "")
	v.SetDefault("gossip.rack", "")

	// Discovery defaults
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.backend", DiscoveryPostgres)
	v.SetDefault("discovery.refresh_interval", "10s")
	v.SetDefault("discovery.postgres.host", "localhost")
	v.SetDefault("discovery.postgres.port", 5432)
	v.SetDefault("discovery.postgres.database", "pairdb")
	v.SetDefault("discovery.postgres.user", "pairdb")
	v.SetDefault("discovery.postgres.password", "")
	v.SetDefault("discovery.postgres.max_conns", 4)
	v.SetDefault("discovery.postgres.min_conns", 1)
	v.SetDefault("discovery.redis.host", "localhost")
	v.SetDefault("discovery.redis.port", 6379)
	v.SetDefault("discovery.redis.password", "")
	v.SetDefault("discovery.redis.db", 0)
	v.SetDefault("discovery.redis.key", "pairdb:storage_nodes")

	// Topology defaults
	v.SetDefault("topology.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiter.requests_per_second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate_limiter.burst_size must be positive")
		}
	}

	switch c.Policy.Type {
	case PolicyRoundRobin, PolicyDCAware:
	default:
		return fmt.Errorf("policy.type must be one of: %s, %s", PolicyRoundRobin, PolicyDCAware)
	}
	if c.Policy.UsedHostsPerRemoteDC < 0 {
		return fmt.Errorf("policy.used_hosts_per_remote_dc must not be negative")
	}

	if c.Policy.TokenAware && c.Ring.Partitioner == "" {
		return fmt.Errorf("ring.partitioner is required when policy.token_aware is set")
	}
	if c.Ring.VirtualNodes <= 0 {
		return fmt.Errorf("ring.virtual_nodes must be positive")
	}

	if c.Registry.EventWorkers <= 0 {
		return fmt.Errorf("registry.event_workers must be positive")
	}
	if c.Registry.EventQueueSize <= 0 {
		return fmt.Errorf("registry.event_queue_size must be positive")
	}

	if c.Gossip.Enabled {
		if c.Gossip.BindPort < 0 || c.Gossip.BindPort > 65535 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Gossip.BindPort)
		}
		if c.Gossip.ProbeTimeout <= 0 || c.Gossip.ProbeInterval <= 0 {
			return fmt.Errorf("gossip probe interval and timeout must be positive")
		}
	}

	if c.Discovery.Enabled {
		switch c.Discovery.Backend {
		case DiscoveryPostgres, DiscoveryRedis:
		default:
			return fmt.Errorf("discovery.backend must be one of: %s, %s", DiscoveryPostgres, DiscoveryRedis)
		}
		if c.Discovery.RefreshInterval <= 0 {
			return fmt.Errorf("discovery.refresh_interval must be positive")
		}
		if c.Discovery.Backend == DiscoveryRedis && c.Discovery.Redis.Key == "" {
			return fmt.Errorf("discovery.redis.key is required")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /: %q", c.Metrics.Path)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	return nil
}

// Addr returns the admin server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

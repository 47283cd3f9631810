// Package config provides configuration management for pipelined using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// lookupEnv reads a bare (un-prefixed) environment variable.
func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Default configuration values.
const (
	defaultServerPort            = 8080
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultSessionTimeout        = 300 * time.Second
	defaultNodeInitTimeout       = 300 * time.Second
	defaultNodeCacheTTL          = 600 * time.Second
	defaultCacheCleanupInterval  = 60 * time.Second
	defaultMaxBufferChunks       = 10
	defaultMetricsIntervalChunks = 10
	defaultMaxConcurrentSessions = 64
	defaultShmBusSizeBytes       = 64 * 1024 * 1024 // 64MiB
	defaultReadyHandshakeGrace   = 5 * time.Second
	defaultRouterShutdownBudget  = 500 * time.Millisecond
	defaultContainerUID          = 1000
	defaultContainerGID          = 1000
	defaultTmpfsSizeBytes        = 64 * 1024 * 1024 // 64MiB
)

// Config holds all configuration for the application.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Router        RouterConfig        `mapstructure:"router"`
	NodeCache     NodeCacheConfig     `mapstructure:"node_cache"`
	NodeHost      NodeHostConfig      `mapstructure:"node_host"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds the gRPC + admin-HTTP front door configuration.
type ServerConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	InternalSocketPath  string        `mapstructure:"internal_socket_path"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins         []string      `mapstructure:"cors_origins"`
	MaxConcurrentStream int           `mapstructure:"max_concurrent_sessions"`
	// SessionTimeout is how long a session may sit idle before the sweeper closes it.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// RouterConfig holds per-session DAG scheduling configuration (spec.md §4.F).
type RouterConfig struct {
	// MaxBufferChunks is the default max depth for per-edge inbound queues.
	MaxBufferChunks int `mapstructure:"max_buffer_chunks"`
	// DropPolicy is one of "drop_oldest", "drop_newest", "block".
	DropPolicy string `mapstructure:"drop_policy"`
	// ShutdownBudget is the grace period for a session's task group to wind down.
	ShutdownBudget time.Duration `mapstructure:"shutdown_budget"`
	// MetricsIntervalChunks controls how often a Metrics frame is emitted.
	MetricsIntervalChunks int `mapstructure:"metrics_interval_chunks"`
}

// NodeCacheConfig holds node-instance memoization configuration (spec.md §4.E).
type NodeCacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// NodeHostConfig holds subprocess/container node hosting configuration (spec.md §4.G).
type NodeHostConfig struct {
	NodeInitTimeout     time.Duration     `mapstructure:"node_init_timeout"`
	ReadyHandshakeGrace time.Duration     `mapstructure:"ready_handshake_grace"`
	ShutdownGrace       time.Duration     `mapstructure:"shutdown_grace"`
	RuntimeHint         string            `mapstructure:"runtime_hint"` // "subprocess" or "container"
	Container           ContainerConfig   `mapstructure:"container"`
	BinaryPath          string            `mapstructure:"binary_path"`
	Env                 map[string]string `mapstructure:"env"`
}

// ContainerConfig holds the hardened container profile (spec.md §4.G).
type ContainerConfig struct {
	UID               int      `mapstructure:"uid"`
	GID               int      `mapstructure:"gid"`
	CapDrop           []string `mapstructure:"cap_drop"`
	CapAdd            []string `mapstructure:"cap_add"`
	ReadOnlyRootFS    bool     `mapstructure:"read_only_rootfs"`
	TmpfsSize         ByteSize `mapstructure:"tmpfs_size"`
	NoNewPrivileges   bool     `mapstructure:"no_new_privileges"`
	MACProfile        string   `mapstructure:"mac_profile"` // apparmor/selinux profile name, empty = none
	MemoryLimit       ByteSize `mapstructure:"memory_limit"`
	CPUQuota          float64  `mapstructure:"cpu_quota"`
	GPUDevices        []string `mapstructure:"gpu_devices"`
}

// TransportConfig holds shared-memory bus configuration (spec.md §4.H).
type TransportConfig struct {
	BusDir     string   `mapstructure:"bus_dir"`
	BusSize    ByteSize `mapstructure:"bus_size"`
	MaxBacklog int      `mapstructure:"max_backlog"`
}

// StorageConfig holds file-staging configuration for node working directories.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	TempDir string `mapstructure:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error, trace
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ObservabilityConfig holds metrics-surface configuration (spec.md §4.J).
type ObservabilityConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PIPELINED_ and use underscores for nesting,
// plus the bare env vars named in spec.md §6 (SESSION_TIMEOUT_SECS, NODE_INIT_TIMEOUT_SECS,
// NODE_CACHE_TTL_SECS, CACHE_CLEANUP_INTERVAL_SECS, MAX_BUFFER_CHUNKS, METRICS_INTERVAL_CHUNKS).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/pipelined")
		v.AddConfigPath("$HOME/.pipelined")
	}

	v.SetEnvPrefix("PIPELINED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindSpecEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindSpecEnvVars binds the bare (un-prefixed) _SECS/_CHUNKS environment
// variables spec.md §6 names explicitly onto their structured config keys,
// alongside the PIPELINED_-prefixed ones AutomaticEnv already covers.
func bindSpecEnvVars(v *viper.Viper) {
	_ = v.BindEnv("router.max_buffer_chunks", "MAX_BUFFER_CHUNKS")
	_ = v.BindEnv("router.metrics_interval_chunks", "METRICS_INTERVAL_CHUNKS")

	for envKey, secsFn := range map[string]func(time.Duration){
		"SESSION_TIMEOUT_SECS":        func(d time.Duration) { v.Set("server.session_timeout", d) },
		"NODE_INIT_TIMEOUT_SECS":      func(d time.Duration) { v.Set("node_host.node_init_timeout", d) },
		"NODE_CACHE_TTL_SECS":         func(d time.Duration) { v.Set("node_cache.ttl", d) },
		"CACHE_CLEANUP_INTERVAL_SECS": func(d time.Duration) { v.Set("node_cache.cleanup_interval", d) },
	} {
		raw, ok := lookupEnv(envKey)
		if !ok {
			continue
		}
		var secs int
		if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil {
			continue
		}
		secsFn(time.Duration(secs) * time.Second)
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.internal_socket_path", "/tmp/pipelined/grpc.sock")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_concurrent_sessions", defaultMaxConcurrentSessions)
	v.SetDefault("server.session_timeout", defaultSessionTimeout)

	// Router defaults
	v.SetDefault("router.max_buffer_chunks", defaultMaxBufferChunks)
	v.SetDefault("router.drop_policy", "drop_oldest")
	v.SetDefault("router.shutdown_budget", defaultRouterShutdownBudget)
	v.SetDefault("router.metrics_interval_chunks", defaultMetricsIntervalChunks)

	// Node cache defaults
	v.SetDefault("node_cache.ttl", defaultNodeCacheTTL)
	v.SetDefault("node_cache.cleanup_interval", defaultCacheCleanupInterval)

	// Node host defaults
	v.SetDefault("node_host.node_init_timeout", defaultNodeInitTimeout)
	v.SetDefault("node_host.ready_handshake_grace", defaultReadyHandshakeGrace)
	v.SetDefault("node_host.shutdown_grace", defaultShutdownTimeout)
	v.SetDefault("node_host.runtime_hint", "subprocess")
	v.SetDefault("node_host.binary_path", "")
	v.SetDefault("node_host.container.uid", defaultContainerUID)
	v.SetDefault("node_host.container.gid", defaultContainerGID)
	v.SetDefault("node_host.container.cap_drop", []string{"ALL"})
	v.SetDefault("node_host.container.cap_add", []string{"IPC_LOCK", "SYS_NICE"})
	v.SetDefault("node_host.container.read_only_rootfs", true)
	v.SetDefault("node_host.container.tmpfs_size", defaultTmpfsSizeBytes)
	v.SetDefault("node_host.container.no_new_privileges", true)
	v.SetDefault("node_host.container.mac_profile", "")
	v.SetDefault("node_host.container.memory_limit", 0)
	v.SetDefault("node_host.container.cpu_quota", 0.0)

	// Transport defaults
	v.SetDefault("transport.bus_dir", "/dev/shm/pipelined")
	v.SetDefault("transport.bus_size", defaultShmBusSizeBytes)
	v.SetDefault("transport.max_backlog", defaultMaxBufferChunks)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.temp_dir", "temp")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Observability defaults
	v.SetDefault("observability.enabled", true)
	v.SetDefault("observability.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Router.MaxBufferChunks < 1 {
		return fmt.Errorf("router.max_buffer_chunks must be at least 1")
	}
	validDropPolicies := map[string]bool{"drop_oldest": true, "drop_newest": true, "block": true}
	if !validDropPolicies[c.Router.DropPolicy] {
		return fmt.Errorf("router.drop_policy must be one of: drop_oldest, drop_newest, block")
	}

	if c.NodeCache.TTL <= 0 {
		return fmt.Errorf("node_cache.ttl must be positive")
	}

	validRuntimeHints := map[string]bool{"subprocess": true, "container": true}
	if !validRuntimeHints[c.NodeHost.RuntimeHint] {
		return fmt.Errorf("node_host.runtime_hint must be one of: subprocess, container")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BasePath returns the full path to the storage base directory.
func (c *StorageConfig) BasePath() string {
	return c.BaseDir
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}

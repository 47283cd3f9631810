package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 300*time.Second, cfg.Server.SessionTimeout)

	assert.Equal(t, 10, cfg.Router.MaxBufferChunks)
	assert.Equal(t, "drop_oldest", cfg.Router.DropPolicy)
	assert.Equal(t, 10, cfg.Router.MetricsIntervalChunks)

	assert.Equal(t, 600*time.Second, cfg.NodeCache.TTL)
	assert.Equal(t, 60*time.Second, cfg.NodeCache.CleanupInterval)

	assert.Equal(t, 300*time.Second, cfg.NodeHost.NodeInitTimeout)
	assert.Equal(t, "subprocess", cfg.NodeHost.RuntimeHint)
	assert.Equal(t, 1000, cfg.NodeHost.Container.UID)
	assert.True(t, cfg.NodeHost.Container.ReadOnlyRootFS)
	assert.True(t, cfg.NodeHost.Container.NoNewPrivileges)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "/metrics", cfg.Observability.Path)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 60s

router:
  max_buffer_chunks: 20
  drop_policy: "block"

node_cache:
  ttl: 120s

storage:
  base_dir: "/var/lib/pipelined"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 20, cfg.Router.MaxBufferChunks)
	assert.Equal(t, "block", cfg.Router.DropPolicy)
	assert.Equal(t, 120*time.Second, cfg.NodeCache.TTL)
	assert.Equal(t, "/var/lib/pipelined", cfg.Storage.BaseDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PIPELINED_SERVER_PORT", "3000")
	t.Setenv("PIPELINED_LOGGING_LEVEL", "warn")
	t.Setenv("PIPELINED_ROUTER_DROP_POLICY", "block")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "block", cfg.Router.DropPolicy)
}

func TestLoad_SpecEnvVars(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT_SECS", "42")
	t.Setenv("NODE_INIT_TIMEOUT_SECS", "7")
	t.Setenv("NODE_CACHE_TTL_SECS", "900")
	t.Setenv("CACHE_CLEANUP_INTERVAL_SECS", "30")
	t.Setenv("MAX_BUFFER_CHUNKS", "25")
	t.Setenv("METRICS_INTERVAL_CHUNKS", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 42*time.Second, cfg.Server.SessionTimeout)
	assert.Equal(t, 7*time.Second, cfg.NodeHost.NodeInitTimeout)
	assert.Equal(t, 900*time.Second, cfg.NodeCache.TTL)
	assert.Equal(t, 30*time.Second, cfg.NodeCache.CleanupInterval)
	assert.Equal(t, 25, cfg.Router.MaxBufferChunks)
	assert.Equal(t, 5, cfg.Router.MetricsIntervalChunks)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("PIPELINED_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
}

func validBaseConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080},
		Router:    RouterConfig{MaxBufferChunks: 10, DropPolicy: "drop_oldest"},
		NodeCache: NodeCacheConfig{TTL: 600 * time.Second},
		NodeHost:  NodeHostConfig{RuntimeHint: "subprocess"},
		Storage:   StorageConfig{BaseDir: "./data"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	err := validBaseConfig().Validate()
	assert.NoError(t, err)
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBaseConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Logging.Level = "invalid"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_InvalidDropPolicy(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Router.DropPolicy = "whatever"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "router.drop_policy")
}

func TestValidate_InvalidMaxBufferChunks(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Router.MaxBufferChunks = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "router.max_buffer_chunks")
}

func TestValidate_InvalidNodeCacheTTL(t *testing.T) {
	cfg := validBaseConfig()
	cfg.NodeCache.TTL = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "node_cache.ttl")
}

func TestValidate_InvalidRuntimeHint(t *testing.T) {
	cfg := validBaseConfig()
	cfg.NodeHost.RuntimeHint = "vm"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "node_host.runtime_hint")
}

func TestValidate_EmptyBaseDir(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Storage.BaseDir = ""
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "storage.base_dir")
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestStorageConfig_Paths(t *testing.T) {
	cfg := &StorageConfig{
		BaseDir: "/var/lib/pipelined",
		TempDir: "temp",
	}

	assert.Equal(t, "/var/lib/pipelined", cfg.BasePath())
	assert.Equal(t, "/var/lib/pipelined/temp", cfg.TempPath())
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

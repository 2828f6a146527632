package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		os.Setenv("TEST_VAR", "hello")
		defer os.Unsetenv("TEST_VAR")

		result := expandEnvVars("value is ${TEST_VAR}")
		assert.Equal(t, "value is hello", result)
	})

	t.Run("variable with default", func(t *testing.T) {
		result := expandEnvVars("value is ${NOT_EXISTS:default_value}")
		assert.Equal(t, "value is default_value", result)
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		os.Setenv("MY_VAR", "actual_value")
		defer os.Unsetenv("MY_VAR")

		result := expandEnvVars("value is ${MY_VAR:default_value}")
		assert.Equal(t, "value is actual_value", result)
	})

	t.Run("multiple variables", func(t *testing.T) {
		os.Setenv("VAR1", "first")
		os.Setenv("VAR2", "second")
		defer os.Unsetenv("VAR1")
		defer os.Unsetenv("VAR2")

		result := expandEnvVars("${VAR1} and ${VAR2}")
		assert.Equal(t, "first and second", result)
	})

	t.Run("no variables", func(t *testing.T) {
		result := expandEnvVars("no variables here")
		assert.Equal(t, "no variables here", result)
	})

	t.Run("default with colon", func(t *testing.T) {
		result := expandEnvVars("addr is ${NOT_EXISTS:localhost:6379}")
		assert.Equal(t, "addr is localhost:6379", result)
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "eidos-rpc", cfg.Service.Name)
		assert.Equal(t, 50057, cfg.Service.GRPCPort)
		assert.Equal(t, "dev", cfg.Service.Env)

		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, 50, cfg.Postgres.MaxConnections)

		assert.Equal(t, 300, cfg.Selector.CacheDurationSeconds)
		assert.Equal(t, 5, cfg.Selector.MaxConsecutiveErrors)
		assert.False(t, cfg.Selector.AllowDisabledFallback)
		assert.Equal(t, 1, cfg.Selector.BaseBackoffMinutes)
		assert.Equal(t, 30, cfg.Selector.MaxBackoffMinutes)

		require.NotNil(t, cfg.HealthCheck.Enabled)
		assert.True(t, *cfg.HealthCheck.Enabled)
		assert.Equal(t, 5, cfg.HealthCheck.IntervalMinutes)
		assert.Equal(t, 30, cfg.HealthCheck.RequestTimeoutSeconds)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("explicit values preserved", func(t *testing.T) {
		cfg := &Config{}
		cfg.Selector.CacheDurationSeconds = 60
		cfg.Selector.MaxConsecutiveErrors = 3
		enabled := false
		cfg.HealthCheck.Enabled = &enabled
		setDefaults(cfg)

		assert.Equal(t, 60, cfg.Selector.CacheDurationSeconds)
		assert.Equal(t, 3, cfg.Selector.MaxConsecutiveErrors)
		assert.False(t, *cfg.HealthCheck.Enabled)
	})
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	content := `
service:
  name: eidos-rpc-test
  grpc_port: 50099

selector:
  cache_duration_seconds: 120
  allow_disabled_fallback: true
  cache_key_prefix: tenant1

health_check:
  enabled: false
  interval_minutes: 2

endpoints:
  - chain_id: 1
    url: https://rpc-a.example.com
    priority: 0
  - chain_id: 137
    url: https://polygon-rpc.com
    priority: 1
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eidos-rpc-test", cfg.Service.Name)
	assert.Equal(t, 50099, cfg.Service.GRPCPort)

	assert.Equal(t, 120, cfg.Selector.CacheDurationSeconds)
	assert.True(t, cfg.Selector.AllowDisabledFallback)
	assert.Equal(t, "tenant1", cfg.Selector.CacheKeyPrefix)
	// 未显式配置的落默认值
	assert.Equal(t, 5, cfg.Selector.MaxConsecutiveErrors)

	require.NotNil(t, cfg.HealthCheck.Enabled)
	assert.False(t, *cfg.HealthCheck.Enabled)
	assert.Equal(t, 2, cfg.HealthCheck.IntervalMinutes)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, int64(137), cfg.Endpoints[1].ChainID)
	assert.Equal(t, "https://polygon-rpc.com", cfg.Endpoints[1].URL)
}

// TestLoad_MissingFile 测试配置文件不存在
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/not/exists/config.yaml")
	assert.Error(t, err)
}

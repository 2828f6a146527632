package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service     ServiceConfig     `yaml:"service" json:"service"`
	Postgres    PostgresConfig    `yaml:"postgres" json:"postgres"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka" json:"kafka"`
	Selector    SelectorConfig    `yaml:"selector" json:"selector"`
	HealthCheck HealthCheckConfig `yaml:"health_check" json:"health_check"`
	Endpoints   []EndpointSeed    `yaml:"endpoints" json:"endpoints"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// SelectorConfig 选路配置
type SelectorConfig struct {
	CacheDurationSeconds  int    `yaml:"cache_duration_seconds" json:"cache_duration_seconds"`
	MaxConsecutiveErrors  int    `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	AllowDisabledFallback bool   `yaml:"allow_disabled_fallback" json:"allow_disabled_fallback"`
	CacheKeyPrefix        string `yaml:"cache_key_prefix" json:"cache_key_prefix"`
	BaseBackoffMinutes    int    `yaml:"base_backoff_minutes" json:"base_backoff_minutes"`
	MaxBackoffMinutes     int    `yaml:"max_backoff_minutes" json:"max_backoff_minutes"`
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Enabled               *bool `yaml:"enabled" json:"enabled"`
	IntervalMinutes       int   `yaml:"interval_minutes" json:"interval_minutes"`
	RequestTimeoutSeconds int   `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// EndpointSeed 初始节点配置 (启动时灌入, 已存在的 URL 跳过)
type EndpointSeed struct {
	ChainID  int64  `yaml:"chain_id" json:"chain_id"`
	URL      string `yaml:"url" json:"url"`
	Priority int    `yaml:"priority" json:"priority"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-rpc"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50057
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Selector.CacheDurationSeconds == 0 {
		cfg.Selector.CacheDurationSeconds = 300
	}
	if cfg.Selector.MaxConsecutiveErrors == 0 {
		cfg.Selector.MaxConsecutiveErrors = 5
	}
	if cfg.Selector.BaseBackoffMinutes == 0 {
		cfg.Selector.BaseBackoffMinutes = 1
	}
	if cfg.Selector.MaxBackoffMinutes == 0 {
		cfg.Selector.MaxBackoffMinutes = 30
	}

	if cfg.HealthCheck.Enabled == nil {
		enabled := true
		cfg.HealthCheck.Enabled = &enabled
	}
	if cfg.HealthCheck.IntervalMinutes == 0 {
		cfg.HealthCheck.IntervalMinutes = 5
	}
	if cfg.HealthCheck.RequestTimeoutSeconds == 0 {
		cfg.HealthCheck.RequestTimeoutSeconds = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// =============================================================================
// 📦 connpool 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/connpool/pool"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Pool:      DefaultPoolConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  256,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultPoolConfig 返回默认连接池配置，取值与 pool.DefaultConfig 一致
func DefaultPoolConfig() PoolConfig {
	d := pool.DefaultConfig()
	return PoolConfig{
		Name:                       d.PoolName,
		PartitionCount:             d.PartitionCount,
		MinConnectionsPerPartition: d.MinConnectionsPerPartition,
		MaxConnectionsPerPartition: d.MaxConnectionsPerPartition,
		AcquireIncrement:           d.AcquireIncrement,
		PoolAvailabilityThreshold:  d.PoolAvailabilityThreshold,
		MaxConnectionAge:           d.MaxConnectionAge,
		IdleConnectionTestPeriod:   d.IdleConnectionTestPeriod,
		IdleMaxAge:                 d.IdleMaxAge,
		QueryExecuteTimeLimit:      d.QueryExecuteTimeLimit,
		ConnectionTimeout:          d.ConnectionTimeout,
		SweepThrottle:              d.SweepThrottle,
		ServiceOrder:               string(d.ServiceOrder),
		AcquireRetryAttempts:       d.AcquireRetryAttempts,
		AcquireRetryDelay:          d.AcquireRetryDelay,
		StatementsCacheSize:        d.StatementsCacheSize,
		ReleaseHelperThreads:       d.ReleaseHelperThreads,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "connpool",
		Password:            "",
		Name:                "connpool",
		SSLMode:             "disable",
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "connpool",
		SampleRate:   0.1,
	}
}

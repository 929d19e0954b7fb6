// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/connpool/pool"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 9091, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 256, cfg.Server.MaxConnections)

	assert.Equal(t, "connpool", cfg.Pool.Name)
	assert.Equal(t, 1, cfg.Pool.PartitionCount)
	assert.Equal(t, 10, cfg.Pool.MaxConnectionsPerPartition)
	assert.Equal(t, "FIFO", cfg.Pool.ServiceOrder)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestDefaultPoolConfig_MatchesPoolDefaults(t *testing.T) {
	assert.Equal(t, pool.DefaultConfig(), DefaultPoolConfig().ToPool())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Server.HTTPPort)
	assert.Equal(t, "connpool", cfg.Pool.Name)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "connpool.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

pool:
  name: "orders"
  partition_count: 3
  min_connections_per_partition: 2
  max_connections_per_partition: 8
  max_connection_age: 30m
  service_order: lifo
  fatal_sql_states: ["XX001", "XX002"]
  lazy_init: true

database:
  driver: mysql
  dsn: "app:secret@tcp(db:3306)/orders"

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "orders", cfg.Pool.Name)
	assert.Equal(t, 3, cfg.Pool.PartitionCount)
	assert.Equal(t, 2, cfg.Pool.MinConnectionsPerPartition)
	assert.Equal(t, 8, cfg.Pool.MaxConnectionsPerPartition)
	assert.Equal(t, 30*time.Minute, cfg.Pool.MaxConnectionAge)
	assert.Equal(t, []string{"XX001", "XX002"}, cfg.Pool.FatalSQLStates)
	assert.True(t, cfg.Pool.LazyInit)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 30*time.Second, cfg.Pool.ConnectionTimeout)

	pc := cfg.Pool.ToPool()
	assert.Equal(t, pool.LIFO, pc.ServiceOrder)
	assert.Equal(t, "orders", pc.PoolName)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "app:secret@tcp(db:3306)/orders", cfg.Database.DSN())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("CONNPOOL_SERVER_HTTP_PORT", "7777")
	t.Setenv("CONNPOOL_POOL_PARTITION_COUNT", "4")
	t.Setenv("CONNPOOL_POOL_IDLE_MAX_AGE", "5m")
	t.Setenv("CONNPOOL_POOL_LOG_STATEMENTS", "true")
	t.Setenv("CONNPOOL_POOL_FATAL_SQL_STATES", "XX001, 53300")
	t.Setenv("CONNPOOL_DATABASE_DRIVER", "sqlite")
	t.Setenv("CONNPOOL_DATABASE_NAME", "/tmp/app.db")
	t.Setenv("CONNPOOL_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.Pool.PartitionCount)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleMaxAge)
	assert.True(t, cfg.Pool.LogStatements)
	assert.Equal(t, []string{"XX001", "53300"}, cfg.Pool.FatalSQLStates)
	assert.Equal(t, "/tmp/app.db", cfg.Database.DSN())
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRate, 1e-9)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "connpool.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("pool:\n  max_connections_per_partition: 5\n"), 0644))

	t.Setenv("CONNPOOL_POOL_MAX_CONNECTIONS_PER_PARTITION", "12")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Pool.MaxConnectionsPerPartition)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_POOL_NAME", "custom")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Pool.Name)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CONNPOOL_POOL_CONNECTION_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		WithValidator(func(c *Config) error {
			if c.Pool.Name == "connpool" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/nonexistent/connpool.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("pool:\n  partition_count: [oops\n"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "ephemeral port", modify: func(c *Config) { c.Server.HTTPPort = 0 }},
		{name: "negative port", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: true},
		{name: "port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: true},
		{name: "rate limit disabled", modify: func(c *Config) { c.Server.RateLimitRPS = 0 }},
		{name: "negative rate limit", modify: func(c *Config) { c.Server.RateLimitRPS = -1 }, wantErr: true},
		{name: "min above max", modify: func(c *Config) {
			c.Pool.MinConnectionsPerPartition = 20
		}, wantErr: true},
		{name: "no partitions", modify: func(c *Config) { c.Pool.PartitionCount = 0 }, wantErr: true},
		{name: "unknown service order", modify: func(c *Config) { c.Pool.ServiceOrder = "random" }, wantErr: true},
		{name: "missing driver", modify: func(c *Config) { c.Database.Driver = "" }, wantErr: true},
		{name: "gorm with unknown dialect", modify: func(c *Config) {
			c.Database.Driver = "oracle"
			c.Database.EnableGorm = true
		}, wantErr: true},
		{name: "gorm with sqlite", modify: func(c *Config) {
			c.Database.Driver = "sqlite"
			c.Database.EnableGorm = true
		}},
		{name: "bad log level", modify: func(c *Config) { c.Log.Level = "verbose" }, wantErr: true},
		{name: "bad sample rate", modify: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg: DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432, User: "u",
				Password: "p", Name: "app", SSLMode: "disable",
			},
			want: "host=db port=5432 user=u password=p dbname=app sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "app"},
			want: "u:p@tcp(db:3306)/app?parseTime=true",
		},
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Name: "/var/lib/app.db"},
			want: "/var/lib/app.db",
		},
		{
			name: "explicit dsn wins",
			cfg:  DatabaseConfig{Driver: "postgres", URL: "postgres://u@db/app", Host: "ignored"},
			want: "postgres://u@db/app",
		},
		{
			name: "unknown driver",
			cfg:  DatabaseConfig{Driver: "oracle"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestDatabaseConfig_GormConfig(t *testing.T) {
	d := DatabaseConfig{Driver: "mysql", HealthCheckInterval: time.Minute}
	g := d.GormConfig()
	assert.Equal(t, "mysql", g.Dialect)
	assert.Equal(t, time.Minute, g.HealthCheckInterval)
	assert.NoError(t, g.Validate())
}

func TestMustLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "connpool.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("pool:\n  name: must\n"), 0644))

	cfg := MustLoad(configPath)
	assert.Equal(t, "must", cfg.Pool.Name)

	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("pool: [\n"), 0644))
	assert.Panics(t, func() { MustLoad(badPath) })
}

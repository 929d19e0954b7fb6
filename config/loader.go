// =============================================================================
// 📦 连接池配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("connpool.yaml").
//	    WithEnvPrefix("CONNPOOL").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/connpool/internal/database"
	"github.com/BaSui01/connpool/pool"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 connpool 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" json:"server" env:"SERVER"`

	// Pool 连接池配置
	Pool PoolConfig `yaml:"pool" json:"pool" env:"POOL"`

	// Database 后端数据库配置
	Database DatabaseConfig `yaml:"database" json:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" json:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口（/metrics、/health、/stats）
	HTTPPort int `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 同时处理的最大连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" json:"max_connections" env:"MAX_CONNECTIONS"`
	// 配置 API 的访问密钥，为空时不注册配置 API
	ConfigAPIKey string `yaml:"config_api_key" json:"config_api_key" env:"CONFIG_API_KEY"`
	// 每个客户端 IP 的请求速率，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// PoolConfig 连接池配置，字段含义与 pool.Config 一致
type PoolConfig struct {
	Name                       string        `yaml:"name" json:"name" env:"NAME"`
	PartitionCount             int           `yaml:"partition_count" json:"partition_count" env:"PARTITION_COUNT"`
	MinConnectionsPerPartition int           `yaml:"min_connections_per_partition" json:"min_connections_per_partition" env:"MIN_CONNECTIONS_PER_PARTITION"`
	MaxConnectionsPerPartition int           `yaml:"max_connections_per_partition" json:"max_connections_per_partition" env:"MAX_CONNECTIONS_PER_PARTITION"`
	AcquireIncrement           int           `yaml:"acquire_increment" json:"acquire_increment" env:"ACQUIRE_INCREMENT"`
	PoolAvailabilityThreshold  int           `yaml:"pool_availability_threshold" json:"pool_availability_threshold" env:"POOL_AVAILABILITY_THRESHOLD"`
	MaxConnectionAge           time.Duration `yaml:"max_connection_age" json:"max_connection_age" env:"MAX_CONNECTION_AGE"`
	IdleConnectionTestPeriod   time.Duration `yaml:"idle_connection_test_period" json:"idle_connection_test_period" env:"IDLE_CONNECTION_TEST_PERIOD"`
	IdleMaxAge                 time.Duration `yaml:"idle_max_age" json:"idle_max_age" env:"IDLE_MAX_AGE"`
	QueryExecuteTimeLimit      time.Duration `yaml:"query_execute_time_limit" json:"query_execute_time_limit" env:"QUERY_EXECUTE_TIME_LIMIT"`
	ConnectionTimeout          time.Duration `yaml:"connection_timeout" json:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	SweepThrottle              time.Duration `yaml:"sweep_throttle" json:"sweep_throttle" env:"SWEEP_THROTTLE"`
	// 服务顺序: FIFO, LIFO
	ServiceOrder            string        `yaml:"service_order" json:"service_order" env:"SERVICE_ORDER"`
	AcquireRetryAttempts    int           `yaml:"acquire_retry_attempts" json:"acquire_retry_attempts" env:"ACQUIRE_RETRY_ATTEMPTS"`
	AcquireRetryDelay       time.Duration `yaml:"acquire_retry_delay" json:"acquire_retry_delay" env:"ACQUIRE_RETRY_DELAY"`
	ConnectionTestStatement string        `yaml:"connection_test_statement" json:"connection_test_statement" env:"CONNECTION_TEST_STATEMENT"`
	InitStatement           string        `yaml:"init_statement" json:"init_statement" env:"INIT_STATEMENT"`
	FatalSQLStates          []string      `yaml:"fatal_sql_states" json:"fatal_sql_states" env:"FATAL_SQL_STATES"`
	StatementsCacheSize     int           `yaml:"statements_cache_size" json:"statements_cache_size" env:"STATEMENTS_CACHE_SIZE"`
	ReleaseHelperThreads    int           `yaml:"release_helper_threads" json:"release_helper_threads" env:"RELEASE_HELPER_THREADS"`
	LazyInit                bool          `yaml:"lazy_init" json:"lazy_init" env:"LAZY_INIT"`
	LogStatements           bool          `yaml:"log_statements" json:"log_statements" env:"LOG_STATEMENTS"`
}

// ToPool 转换为 pool.Config
func (p PoolConfig) ToPool() pool.Config {
	return pool.Config{
		PoolName:                   p.Name,
		PartitionCount:             p.PartitionCount,
		MinConnectionsPerPartition: p.MinConnectionsPerPartition,
		MaxConnectionsPerPartition: p.MaxConnectionsPerPartition,
		AcquireIncrement:           p.AcquireIncrement,
		PoolAvailabilityThreshold:  p.PoolAvailabilityThreshold,
		MaxConnectionAge:           p.MaxConnectionAge,
		IdleConnectionTestPeriod:   p.IdleConnectionTestPeriod,
		IdleMaxAge:                 p.IdleMaxAge,
		QueryExecuteTimeLimit:      p.QueryExecuteTimeLimit,
		ConnectionTimeout:          p.ConnectionTimeout,
		SweepThrottle:              p.SweepThrottle,
		ServiceOrder:               pool.ServiceOrder(strings.ToUpper(p.ServiceOrder)),
		AcquireRetryAttempts:       p.AcquireRetryAttempts,
		AcquireRetryDelay:          p.AcquireRetryDelay,
		ConnectionTestStatement:    p.ConnectionTestStatement,
		InitStatement:              p.InitStatement,
		FatalSQLStates:             append([]string(nil), p.FatalSQLStates...),
		StatementsCacheSize:        p.StatementsCacheSize,
		ReleaseHelperThreads:       p.ReleaseHelperThreads,
		LazyInit:                   p.LazyInit,
		LogStatements:              p.LogStatements,
	}
}

// DatabaseConfig 后端数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite，或任意已注册的 database/sql 驱动
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// 完整 DSN，设置后忽略 Host/Port 等字段
	URL string `yaml:"dsn" json:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" json:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" json:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" json:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" json:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	// 是否在连接池之上启用 GORM
	EnableGorm bool `yaml:"enable_gorm" json:"enable_gorm" env:"ENABLE_GORM"`
	// GORM 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// GormConfig 转换为 database.PoolConfig
func (d DatabaseConfig) GormConfig() database.PoolConfig {
	cfg := database.DefaultPoolConfig()
	cfg.Dialect = d.Driver
	cfg.HealthCheckInterval = d.HealthCheckInterval
	return cfg
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONNPOOL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "server.max_connections must be >= 0")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "server rate limit must be >= 0")
	}

	if err := c.Pool.ToPool().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Database.Driver == "" {
		errs = append(errs, "database.driver is required")
	}
	if c.Database.EnableGorm {
		if err := c.Database.GormConfig().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql", "pgx":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}

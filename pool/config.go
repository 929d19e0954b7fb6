package pool

import (
	"fmt"
	"strings"
	"time"
)

// ServiceOrder selects which free connection is handed out next.
type ServiceOrder string

const (
	// FIFO rotates connections evenly across callers.
	FIFO ServiceOrder = "FIFO"
	// LIFO keeps a small set of connections hot.
	LIFO ServiceOrder = "LIFO"
)

// Config 连接池配置
type Config struct {
	PoolName string `json:"pool_name" yaml:"pool_name"`

	PartitionCount             int `json:"partition_count" yaml:"partition_count"`
	MinConnectionsPerPartition int `json:"min_connections_per_partition" yaml:"min_connections_per_partition"`
	MaxConnectionsPerPartition int `json:"max_connections_per_partition" yaml:"max_connections_per_partition"`
	AcquireIncrement           int `json:"acquire_increment" yaml:"acquire_increment"`
	// PoolAvailabilityThreshold is the free percentage at or below which the
	// replenisher creates one extra batch. Range 0-100.
	PoolAvailabilityThreshold int `json:"pool_availability_threshold" yaml:"pool_availability_threshold"`

	MaxConnectionAge         time.Duration `json:"max_connection_age" yaml:"max_connection_age"`
	IdleConnectionTestPeriod time.Duration `json:"idle_connection_test_period" yaml:"idle_connection_test_period"`
	IdleMaxAge               time.Duration `json:"idle_max_age" yaml:"idle_max_age"`
	QueryExecuteTimeLimit    time.Duration `json:"query_execute_time_limit" yaml:"query_execute_time_limit"`
	ConnectionTimeout        time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	SweepThrottle            time.Duration `json:"sweep_throttle" yaml:"sweep_throttle"`

	ServiceOrder ServiceOrder `json:"service_order" yaml:"service_order"`

	AcquireRetryAttempts int           `json:"acquire_retry_attempts" yaml:"acquire_retry_attempts"`
	AcquireRetryDelay    time.Duration `json:"acquire_retry_delay" yaml:"acquire_retry_delay"`

	ConnectionTestStatement string   `json:"connection_test_statement" yaml:"connection_test_statement"`
	InitStatement           string   `json:"init_statement" yaml:"init_statement"`
	FatalSQLStates          []string `json:"fatal_sql_states" yaml:"fatal_sql_states"`

	StatementsCacheSize  int  `json:"statements_cache_size" yaml:"statements_cache_size"`
	ReleaseHelperThreads int  `json:"release_helper_threads" yaml:"release_helper_threads"`
	LazyInit             bool `json:"lazy_init" yaml:"lazy_init"`
	LogStatements        bool `json:"log_statements" yaml:"log_statements"`
}

// DefaultConfig 返回默认连接池配置
func DefaultConfig() Config {
	return Config{
		PoolName:                   "connpool",
		PartitionCount:             1,
		MinConnectionsPerPartition: 0,
		MaxConnectionsPerPartition: 10,
		AcquireIncrement:           2,
		PoolAvailabilityThreshold:  0,
		MaxConnectionAge:           0,
		IdleConnectionTestPeriod:   4 * time.Minute,
		IdleMaxAge:                 60 * time.Minute,
		QueryExecuteTimeLimit:      0,
		ConnectionTimeout:          30 * time.Second,
		SweepThrottle:              20 * time.Millisecond,
		ServiceOrder:               FIFO,
		AcquireRetryAttempts:       5,
		AcquireRetryDelay:          7 * time.Second,
		StatementsCacheSize:        0,
		ReleaseHelperThreads:       0,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.PartitionCount < 1 {
		return invalidConfig("partition_count must be at least 1")
	}
	if c.MaxConnectionsPerPartition < 1 {
		return invalidConfig("max_connections_per_partition must be at least 1")
	}
	if c.MinConnectionsPerPartition < 0 {
		return invalidConfig("min_connections_per_partition must not be negative")
	}
	if c.MinConnectionsPerPartition > c.MaxConnectionsPerPartition {
		return invalidConfig(fmt.Sprintf("min_connections_per_partition (%d) exceeds max_connections_per_partition (%d)",
			c.MinConnectionsPerPartition, c.MaxConnectionsPerPartition))
	}
	if c.PoolAvailabilityThreshold < 0 || c.PoolAvailabilityThreshold > 100 {
		return invalidConfig("pool_availability_threshold must be between 0 and 100")
	}
	if c.AcquireRetryAttempts < 0 {
		return invalidConfig("acquire_retry_attempts must not be negative")
	}
	switch ServiceOrder(strings.ToUpper(string(c.ServiceOrder))) {
	case "", FIFO, LIFO:
	default:
		return invalidConfig(fmt.Sprintf("unknown service_order %q", c.ServiceOrder))
	}
	for _, d := range []time.Duration{
		c.MaxConnectionAge, c.IdleConnectionTestPeriod, c.IdleMaxAge,
		c.QueryExecuteTimeLimit, c.ConnectionTimeout, c.SweepThrottle, c.AcquireRetryDelay,
	} {
		if d < 0 {
			return invalidConfig("durations must not be negative")
		}
	}
	return nil
}

// sanitize fills zero values that have a safe default. It assumes Validate passed.
func (c Config) sanitize() Config {
	if c.AcquireIncrement < 1 {
		c.AcquireIncrement = 1
	}
	c.ServiceOrder = ServiceOrder(strings.ToUpper(string(c.ServiceOrder)))
	if c.ServiceOrder == "" {
		c.ServiceOrder = FIFO
	}
	if c.PoolName == "" {
		c.PoolName = "connpool"
	}
	c.FatalSQLStates = append([]string(nil), c.FatalSQLStates...)
	return c
}

func (c Config) lifo() bool {
	return c.ServiceOrder == LIFO
}

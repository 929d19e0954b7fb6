package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/connpool/backend/sqldriver"
	"github.com/BaSui01/connpool/pool"
	"github.com/BaSui01/connpool/types"
)

// ErrManagerClosed 管理器已关闭
var ErrManagerClosed = errors.New("database: pool manager is closed")

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// PoolManager 在分区连接池之上运行 GORM。database/sql 不保留自己的空闲连接，
// 每个 sql 连接都是一次 Acquire/Release。
type PoolManager struct {
	pool   *pool.Pool
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// PoolConfig GORM 层配置
type PoolConfig struct {
	// 方言：postgres / mysql / sqlite
	Dialect string `yaml:"dialect" json:"dialect"`

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 单次健康检查超时
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`

	// 是否缓存预编译语句（GORM PrepareStmt）
	PrepareStmt bool `yaml:"prepare_stmt" json:"prepare_stmt"`
}

// DefaultPoolConfig 返回默认配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Dialect:             "postgres",
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// Validate 校验配置
func (c PoolConfig) Validate() error {
	if _, err := dialector(c.Dialect, nil); err != nil {
		return err
	}
	if c.HealthCheckInterval < 0 {
		return fmt.Errorf("health_check_interval must be >= 0")
	}
	if c.HealthCheckTimeout < 0 {
		return fmt.Errorf("health_check_timeout must be >= 0")
	}
	return nil
}

// dialector 按方言名称构造 GORM Dialector，连接来自 conn。
func dialector(dialect string, conn *sql.DB) (gorm.Dialector, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql", "pgx":
		return postgres.New(postgres.Config{Conn: conn}), nil
	case "mysql":
		return mysql.New(mysql.Config{Conn: conn, SkipInitializeWithVersion: true}), nil
	case "sqlite", "sqlite3":
		return &sqlite.Dialector{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// NewPoolManager 基于连接池创建管理器。p 的生命周期仍由调用方负责。
func NewPoolManager(p *pool.Pool, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if p == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 5 * time.Second
	}

	sqlDB := sqldriver.OpenDB(p)
	d, err := dialector(config.Dialect, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger:      gormlogger.Discard,
		PrepareStmt: config.PrepareStmt,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	pm := &PoolManager{
		pool:   p,
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	} else {
		close(pm.done)
	}

	cfg := p.Config()
	pm.logger.Info("database pool initialized",
		zap.String("dialect", config.Dialect),
		zap.String("pool", cfg.PoolName),
		zap.Int("partitions", cfg.PartitionCount),
		zap.Int("max_per_partition", cfg.MaxConnectionsPerPartition),
	)

	return pm, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Pool 返回底层连接池
func (pm *PoolManager) Pool() *pool.Pool {
	return pm.pool
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.closed {
		return ErrManagerClosed
	}

	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回 database/sql 层统计信息
func (pm *PoolManager) Stats() sql.DBStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.sqlDB.Stats()
}

// Close 停止健康检查并关闭 sql.DB，不关闭底层连接池。
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.mu.Unlock()

	<-pm.done
	pm.logger.Info("closing database pool")

	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (pm *PoolManager) healthCheckLoop() {
	defer close(pm.done)

	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}
		pm.checkHealth()
	}
}

func (pm *PoolManager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), pm.config.HealthCheckTimeout)
	defer cancel()

	if err := pm.sqlDB.PingContext(ctx); err != nil {
		pm.logger.Error("database health check failed",
			zap.Error(err),
			zap.String("code", string(types.GetErrorCode(err))),
		)
		return
	}
	stats := pm.GetStats()
	pm.logger.Debug("database health check passed",
		zap.Int("total_created", stats.TotalCreated),
		zap.Int("in_use", stats.InUse),
		zap.Int("free", stats.Free),
		zap.Int64("acquire_failures", stats.AcquireFailures),
	)
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// PoolStats 连接池统计信息（更友好的格式）
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	Free               int           `json:"free"`
	TotalCreated       int           `json:"total_created"`
	AcquireFailures    int64         `json:"acquire_failures"`
	RetryBudget        int32         `json:"retry_budget"`
}

// GetStats 合并 database/sql 与连接池的统计信息
func (pm *PoolManager) GetStats() PoolStats {
	stats := pm.Stats()
	ps := pm.pool.Stats()
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		Free:               ps.TotalFree,
		TotalCreated:       ps.TotalCreated,
		AcquireFailures:    ps.AcquireFailures,
		RetryBudget:        ps.RetryBudget,
	}
}

// =============================================================================
// 🔄 事务管理
// =============================================================================

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行函数
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	if pm.closed {
		pm.mu.RUnlock()
		return ErrManagerClosed
	}
	db := pm.db
	pm.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 在事务中执行函数（带重试）
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, maxRetries int, fn TransactionFunc) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := pm.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.String("sql_state", pool.SQLState(err)),
			zap.Error(err),
		)

		// 指数退避
		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError 判断错误是否可重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || types.IsRetryable(err) {
		return true
	}

	// 40001 序列化失败，40P01 死锁，08 类连接异常
	switch state := pool.SQLState(err); {
	case state == "40001", state == "40P01", strings.HasPrefix(state, "08"):
		return true
	case state != "":
		return false
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "deadlock") ||
		strings.Contains(errMsg, "serialization failure") {
		return true
	}

	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "broken pipe") {
		return true
	}

	return strings.Contains(errMsg, "lock timeout") || strings.Contains(errMsg, "lock wait timeout")
}

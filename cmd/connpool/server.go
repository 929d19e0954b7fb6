package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/connpool/backend/sqldriver"
	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/internal/database"
	"github.com/BaSui01/connpool/internal/metrics"
	"github.com/BaSui01/connpool/internal/server"
	"github.com/BaSui01/connpool/internal/telemetry"
	"github.com/BaSui01/connpool/pool"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有连接池与其管理端 HTTP 服务
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	telemetry  *telemetry.Providers

	// 为空时按 cfg.Database 打开 database/sql 驱动
	connector pool.Connector

	pool *pool.Pool
	gorm *database.PoolManager

	httpManager *server.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	shutdownOnce sync.Once
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		telemetry:  providers,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 打开连接池并启动管理端 HTTP 服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 初始化指标收集器
	if s.metricsCollector == nil {
		s.metricsCollector = metrics.NewCollector("connpool", s.logger)
	}

	// 2. 打开连接池
	if err := s.initPool(ctx); err != nil {
		return fmt.Errorf("failed to init pool: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(ctx); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("connpool started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("driver", s.cfg.Database.Driver),
		zap.Bool("gorm", s.gorm != nil),
		zap.Bool("telemetry", s.telemetry.Enabled()),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initPool 按配置创建连接池，可选地在其上打开 GORM
func (s *Server) initPool(ctx context.Context) error {
	connector := s.connector
	if connector == nil {
		c, err := sqldriver.Open(s.cfg.Database.Driver, s.cfg.Database.DSN())
		if err != nil {
			return err
		}
		connector = c
	}

	opts := []pool.Option{
		pool.WithLogger(s.logger),
		pool.WithHook(pool.MultiHook(pool.BaseHook{}, s.metricsCollector)),
	}
	opts = append(opts, s.telemetry.PoolOptions()...)

	p, err := pool.New(ctx, connector, s.cfg.Pool.ToPool(), opts...)
	if err != nil {
		return err
	}
	s.pool = p

	if s.cfg.Database.EnableGorm {
		pm, err := database.NewPoolManager(p, s.cfg.Database.GormConfig(), s.logger)
		if err != nil {
			p.Close()
			s.pool = nil
			return fmt.Errorf("failed to open gorm: %w", err)
		}
		s.gorm = pm
	}
	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager(ctx context.Context) error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 连接池参数与日志级别在线生效，失败时由管理器回滚
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) error {
		if err := s.pool.Reconfigure(newConfig.Pool.ToPool()); err != nil {
			return err
		}
		if newConfig.Log.Level != oldConfig.Log.Level {
			lvl, err := zapcore.ParseLevel(newConfig.Log.Level)
			if err != nil {
				return err
			}
			s.level.SetLevel(lvl)
		}
		return nil
	})

	s.hotReloadManager.OnRollback(func(event config.RollbackEvent) {
		restored := event.RestoredConfig
		if restored == nil {
			return
		}
		if err := s.pool.Reconfigure(restored.Pool.ToPool()); err != nil {
			s.logger.Error("failed to restore pool config after rollback", zap.Error(err))
		}
		if lvl, err := zapcore.ParseLevel(restored.Log.Level); err == nil {
			s.level.SetLevel(lvl)
		}
	})

	if err := s.hotReloadManager.Start(ctx); err != nil {
		return err
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/version", handleVersion)
	mux.Handle("/metrics", s.metricsHandler())

	// 配置 API 只在配置了密钥时开放
	if s.configAPIHandler != nil && s.cfg.Server.ConfigAPIKey != "" {
		s.configAPIHandler.RegisterRoutes(mux, s.cfg.Server.ConfigAPIKey)
		s.logger.Info("configuration API registered with authentication")
	}
	return mux
}

// startHTTPServer 启动管理端 HTTP 服务器
func (s *Server) startHTTPServer() error {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		burst := s.cfg.Server.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		middlewares = append(middlewares, RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, burst, s.logger))
	}
	handler := Chain(s.routes(), middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConnections:  s.cfg.Server.MaxConnections,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// metricsHandler 在每次抓取前刷新分区与统计 gauge
func (s *Server) metricsHandler() http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metricsCollector.RecordStats(s.pool.Stats())
		prom.ServeHTTP(w, r)
	})
}

// =============================================================================
// 🏥 Handlers
// =============================================================================

const healthCheckTimeout = 5 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Pool   string `json:"pool"`
	Free   int    `json:"free"`
	Leased int    `json:"leased"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats := s.pool.Stats()
	resp := healthResponse{
		Status: "ok",
		Pool:   stats.PoolName,
		Free:   stats.TotalFree,
		Leased: stats.TotalLeased,
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if s.pool.IsClosed() {
		resp.Status, resp.Error = "unavailable", "pool is closed"
		status = http.StatusServiceUnavailable
	} else if err := s.checkAcquire(ctx); err != nil {
		resp.Status, resp.Error = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	} else if s.gorm != nil {
		if err := s.gorm.Ping(ctx); err != nil {
			resp.Status, resp.Error = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// checkAcquire 借出并立即归还一个连接
func (s *Server) checkAcquire(ctx context.Context) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	return h.Close()
}

// statsResponse 在原始计数之外附带派生指标
type statsResponse struct {
	pool.Statistics
	AverageWaitMs          float64 `json:"average_wait_ms"`
	AverageExecutionTimeMs float64 `json:"average_execution_time_ms"`
	CacheHitRatio          float64 `json:"cache_hit_ratio"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats := s.pool.Stats()
	s.metricsCollector.RecordStats(stats)

	writeJSON(w, http.StatusOK, statsResponse{
		Statistics:             stats,
		AverageWaitMs:          float64(stats.AverageWait()) / float64(time.Millisecond),
		AverageExecutionTimeMs: float64(stats.AverageExecutionTime()) / float64(time.Millisecond),
		CacheHitRatio:          stats.CacheHitRatio(),
	})
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到 ctx 结束（通常来自 signal.NotifyContext）或 HTTP
// 服务异常退出，然后关闭全部组件
func (s *Server) WaitForShutdown(ctx context.Context) error {
	var err error
	if s.httpManager != nil {
		err = s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown(context.Background())
	return err
}

// Shutdown 按依赖顺序关闭：热更新 → HTTP → GORM → 连接池 → 遥测
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("starting graceful shutdown")

		if s.rateLimiterCancel != nil {
			s.rateLimiterCancel()
		}

		if s.hotReloadManager != nil {
			if err := s.hotReloadManager.Stop(); err != nil {
				s.logger.Error("hot reload manager shutdown error", zap.Error(err))
			}
		}

		if s.httpManager != nil {
			if err := s.httpManager.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", zap.Error(err))
			}
		}

		if s.gorm != nil {
			if err := s.gorm.Close(); err != nil {
				s.logger.Error("gorm shutdown error", zap.Error(err))
			}
		}

		if s.pool != nil {
			s.pool.Close()
		}

		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}

		s.logger.Info("graceful shutdown completed")
	})
}

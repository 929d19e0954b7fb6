// =============================================================================
// connpool 主入口
// =============================================================================
// 运行一个分区连接池，并通过 HTTP 暴露健康检查、统计、Prometheus 指标与配置 API
//
// 使用方法:
//
//	connpool serve                         # 启动服务
//	connpool serve --config connpool.yaml  # 指定配置文件
//	connpool probe --config connpool.yaml  # 并发借出连接并打印统计
//	connpool health --addr http://localhost:9091
//	connpool version                       # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/connpool/backend/sqldriver"
	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/internal/telemetry"
	"github.com/BaSui01/connpool/pool"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting connpool",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger, telemetry.ResourceAttributes(cfg)...)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, *configPath, logger, level, otelProviders)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	if err := srv.WaitForShutdown(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
	logger.Info("connpool stopped")
}

// =============================================================================
// 🔍 probe 命令
// =============================================================================

func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	clients := fs.Int("clients", 8, "Concurrent acquirers")
	hold := fs.Duration("hold", 100*time.Millisecond, "Time each connection is held")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall probe timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	connector, err := sqldriver.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
		os.Exit(1)
	}

	stats, err := probe(ctx, connector, cfg.Pool.ToPool(), *clients, *hold, logger)
	if stats != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
		os.Exit(1)
	}
}

// probe 打开连接池，让 clients 个调用方同时借出连接并持有 hold，返回关闭前的统计
func probe(ctx context.Context, connector pool.Connector, cfg pool.Config, clients int, hold time.Duration, logger *zap.Logger) (*pool.Statistics, error) {
	if clients < 1 {
		return nil, fmt.Errorf("clients must be at least 1")
	}

	p, err := pool.New(ctx, connector, cfg, pool.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer p.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			h, err := p.Acquire(gctx)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			select {
			case <-time.After(hold):
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	err = g.Wait()

	stats := p.Stats()
	return &stats, err
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("connpool %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`connpool - partitioned database connection pool

Usage:
  connpool <command> [options]

Commands:
  serve     Run the pool with its admin HTTP server
  probe     Acquire connections concurrently and print pool statistics
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'probe':
  --config <path>   Path to configuration file (YAML)
  --clients <n>     Concurrent acquirers (default 8)
  --hold <d>        Time each connection is held (default 100ms)
  --timeout <d>     Overall probe timeout (default 30s)

Examples:
  connpool serve --config /etc/connpool/connpool.yaml
  CONNPOOL_DATABASE_DRIVER=mysql CONNPOOL_DATABASE_DSN='user:pw@tcp(db:3306)/app' connpool probe
  connpool health --addr http://localhost:9091
  connpool version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 构建 zap logger，返回的 AtomicLevel 供热更新调整日志级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             atomicLevel,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, atomicLevel
}

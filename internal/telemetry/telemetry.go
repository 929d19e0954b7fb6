// =============================================================================
// connpool 遥测初始化
// =============================================================================
// 创建 OTLP gRPC trace/metric 导出器，资源上带连接池的后端类型与分区布局。
// 关闭遥测时不创建任何导出器，全局 provider 保持 noop，连接池不接收额外选项。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/pool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// 连接池资源属性
const (
	attrPoolName       = attribute.Key("connpool.name")
	attrPartitionCount = attribute.Key("connpool.partition_count")
	attrMaxPerPart     = attribute.Key("connpool.max_connections_per_partition")
)

// Providers holds the SDK providers handed to the pool. Both are nil when
// telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// ResourceAttributes describes the pool this process serves.
func ResourceAttributes(cfg *config.Config) []attribute.KeyValue {
	if cfg == nil {
		return nil
	}
	return []attribute.KeyValue{
		dbSystem(cfg.Database.Driver),
		attrPoolName.String(cfg.Pool.Name),
		attrPartitionCount.Int(cfg.Pool.PartitionCount),
		attrMaxPerPart.Int(cfg.Pool.MaxConnectionsPerPartition),
	}
}

// dbSystem maps a configured driver name onto the db.system convention.
func dbSystem(driver string) attribute.KeyValue {
	switch driver {
	case "postgres", "postgresql", "pgx":
		return semconv.DBSystemPostgreSQL
	case "mysql":
		return semconv.DBSystemMySQL
	case "sqlite", "sqlite3":
		return semconv.DBSystemSqlite
	default:
		return semconv.DBSystemOtherSQL
	}
}

// Init sets up the SDK and registers it globally. attrs are added to the
// resource, normally ResourceAttributes of the loaded config.
func Init(cfg config.TelemetryConfig, logger *zap.Logger, attrs ...attribute.KeyValue) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled, pool uses noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg, attrs)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Int("resource_attributes", len(attrs)),
	)
	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, cfg config.TelemetryConfig, attrs []attribute.KeyValue) (*resource.Resource, error) {
	base := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(buildVersion()),
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(append(base, attrs...)...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	// Acquire span 跟随上游采样决定
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// PoolOptions routes pool spans and the connpool.acquire.wait histogram
// through these providers. Disabled telemetry yields no options.
func (p *Providers) PoolOptions() []pool.Option {
	if p == nil {
		return nil
	}
	var opts []pool.Option
	if p.tp != nil {
		opts = append(opts, pool.WithTracerProvider(p.tp))
	}
	if p.mp != nil {
		opts = append(opts, pool.WithMeterProvider(p.mp))
	}
	return opts
}

// Enabled reports whether SDK providers were created.
func (p *Providers) Enabled() bool {
	return p != nil && (p.tp != nil || p.mp != nil)
}

// Shutdown flushes pending spans and metrics. Safe on disabled or nil
// Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion 从构建信息读取模块版本，取不到时为 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

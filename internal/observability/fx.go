package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/memora/internal/observability/logger"
	"github.com/smallbiznis/memora/internal/observability/metrics"
	"github.com/smallbiznis/memora/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

type componentConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics *metrics.Metrics
}

// splitConfig derives the logger, tracer and metrics settings from one Config.
func splitConfig(cfg Config) componentConfigs {
	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		},
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.New(prometheus.DefaultRegisterer, metrics.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		}),
	}
}

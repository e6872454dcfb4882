package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const metricNamespace = "loqa_listen"

// inputLevelBuckets are the recorder.input.level histogram bounds in dBFS.
// A quiet room reads around -60, normal speech between -40 and -10.
var inputLevelBuckets = []float64{-90, -80, -70, -60, -50, -45, -40, -35, -30, -25, -20, -15, -10, -5, 0}

// chunkSizeBuckets are the speech.bytes.sent per-frame bounds for 16 kHz
// mono int16 blocks of 256 to 8192 frames.
var chunkSizeBuckets = []float64{512, 1024, 2048, 4096, 8192, 16384}

func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := telemetryResource(ctx, cfg, version)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := newTracerProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := newMeterProvider(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// telemetryResource tags every span and metric with the speech service the
// listener talks to and the input it captures from.
func telemetryResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceVersion(version),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("listen.speech.mode", cfg.Speech.Mode),
		attribute.String("listen.audio.device", cfg.Audio.Device),
		attribute.Int("listen.audio.sample_rate", cfg.Audio.SampleRate),
	}
	if cfg.Speech.Region != "" {
		attrs = append(attrs, semconv.CloudRegion(cfg.Speech.Region))
	}
	switch cfg.Speech.Mode {
	case "s2s":
		attrs = append(attrs,
			attribute.String("listen.speech.from", cfg.Speech.From),
			attribute.String("listen.speech.to", cfg.Speech.To),
		)
	case "stt":
		attrs = append(attrs, attribute.String("listen.speech.language", cfg.Speech.Language))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func traceExporterName(cfg config.TelemetryConfig) string {
	if name := strings.ToLower(strings.TrimSpace(cfg.TraceExporter)); name != "" {
		return name
	}
	if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
		return "otlp"
	}
	return "none"
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	}
	switch name := traceExporterName(cfg); name {
	case "otlp":
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", name), slog.String("endpoint", endpoint))
	case "stdout":
		// Logs own stdout.
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", name))
	default:
		logger.Info("telemetry initialized", slog.String("exporter", "none"))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func meterViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "recorder.input.level"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: inputLevelBuckets}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "speech.frame.size"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: chunkSizeBuckets}},
		),
		// Events are counted per path only.
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "speech.events.received"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("path")},
		),
	}
}

func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithView(meterViews()...)}
	promExporter, err := prometheus.New(prometheus.WithNamespace(metricNamespace))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.Handler()
}

// ParseLogLevel maps telemetry.log_level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

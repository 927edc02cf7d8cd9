package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"docchat/internal/config"
)

const serviceName = "docchat"

// InitLogger installs a JSON slog logger writing to a rotating file and,
// unless disabled, to stdout. The returned closer releases the log file.
func InitLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create logs directory: %w", err)
	}
	file := rotatingFile(filepath.Join(cfg.Dir, cfg.File))

	var w io.Writer = file
	if cfg.Stdout == nil || *cfg.Stdout {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger, file, nil
}

// InitTelemetry sets up OpenTelemetry tracing and metrics exported to
// rotating files next to the service log.
func InitTelemetry(ctx context.Context, cfg config.LogConfig, version string) (trace.Tracer, metric.Meter, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create resource: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create logs directory: %w", err)
	}

	traceFile := rotatingFile(filepath.Join(cfg.Dir, serviceName+"_traces.log"))
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotatingFile(filepath.Join(cfg.Dir, serviceName+"_metrics.log"))
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("shutdown tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("shutdown meter provider", "error", err)
		}
		traceFile.Close()
		metricsFile.Close()
	}
	return tp.Tracer(serviceName), mp.Meter(serviceName), cleanup, nil
}

func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// WithRequestID stores a request id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// LoggerFromContext returns the default logger annotated with the request id.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := RequestID(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

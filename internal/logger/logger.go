// Package logger configures process-wide structured logging. Output is JSON
// on stdout by default; setting OTEL_ENABLED=true ships records over OTLP
// instead, bridged from slog via otelslog.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var (
	programLevel = new(slog.LevelVar)
	shutdownFunc func(context.Context) error
)

// Init configures the default slog logger from the environment (LOG_LEVEL,
// OTEL_ENABLED, OTEL_SERVICE_NAME) and returns it.
func Init() *slog.Logger {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	programLevel.Set(level)

	if strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true") {
		serviceName := os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "hearth"
		}
		log, shutdown, err := setupOTELLogging(context.Background(), serviceName)
		if err == nil {
			shutdownFunc = shutdown
			return log
		}
		fmt.Fprintf(os.Stderr, "failed to set up OTEL logging, falling back to JSON: %v\n", err)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func setupOTELLogging(ctx context.Context, serviceName string) (*slog.Logger, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level: programLevel,
		handler: otelslog.NewHandler(serviceName,
			otelslog.WithLoggerProvider(provider)),
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log, provider.Shutdown, nil
}

// levelHandler filters records below the configured level before they reach
// the OTel bridge, which has no level gate of its own.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes buffered log records. Only meaningful when OTEL shipping
// is enabled; otherwise a no-op.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum level at runtime.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name to a slog.Level. An empty string parses
// as INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

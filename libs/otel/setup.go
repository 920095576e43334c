package otelx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/md-rashed-zaman/clinicbook/libs/config"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // collector host:port
	Insecure       bool
	SampleRatio    float64
	ExportTimeout  time.Duration
}

// ConfigFromEnv reads OTEL_* settings. Invalid values are reported together.
func ConfigFromEnv(serviceName string) (Config, error) {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: config.String("SERVICE_VERSION", "dev"),
		Environment:    config.String("DEPLOY_ENV", "local"),
		OTLPEndpoint:   config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	var errs []error
	var err error
	if cfg.Enabled, err = config.Bool("OTEL_ENABLED", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.Insecure, err = config.Bool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.ExportTimeout, err = config.Duration("OTEL_EXPORT_TIMEOUT", 3*time.Second); err != nil {
		errs = append(errs, err)
	}
	percent, err := config.Int("OTEL_SAMPLING_PERCENT", 100)
	switch {
	case err != nil:
		errs = append(errs, err)
	case percent < 0 || percent > 100:
		errs = append(errs, fmt.Errorf("OTEL_SAMPLING_PERCENT must be within 0..100, got %d", percent))
	default:
		cfg.SampleRatio = float64(percent) / 100
	}
	return cfg, errors.Join(errs...)
}

// Setup installs W3C propagators and, when enabled, a batching OTLP tracer
// provider as the global one.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(cfg)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newResource(cfg Config) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
}

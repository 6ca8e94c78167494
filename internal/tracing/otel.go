// Package tracing owns the OpenTelemetry tracer used by the transport,
// session and dispatch layers. Until Init is called with an endpoint, every
// span is a no-op.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/agentgate/internal/common/config"
)

const instrumentation = "github.com/kandev/agentgate"

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Init installs an OTLP/HTTP exporter when cfg.Endpoint is set. It returns
// false when tracing stays disabled.
func Init(ctx context.Context, cfg config.TracingConfig) (bool, error) {
	if cfg.Endpoint == "" {
		return false, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return false, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	mu.Lock()
	sdk = tp
	provider = tp
	mu.Unlock()
	otel.SetTracerProvider(tp)
	return true, nil
}

func tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(instrumentation)
}

// Shutdown flushes pending spans. Safe to call when Init never ran.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := sdk
	sdk = nil
	provider = noop.NewTracerProvider()
	mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

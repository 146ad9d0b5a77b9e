package otel

import (
	"context"
	"fmt"

	"github.com/corray333/backend-labs/relay/internal/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ServiceName identifies the relay in traces.
const ServiceName = "outbox-relay"

type OtelController struct {
	traceProvider *sdktrace.TracerProvider
}

// InitOtel installs the global tracer provider. Spans are exported to Jaeger when
// collectorEndpoint is set and recorded but dropped otherwise.
func InitOtel(collectorEndpoint string) (*OtelController, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	}

	if collectorEndpoint != "" {
		jaegerExporter, err := jaeger.NewJaeger(collectorEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(jaegerExporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &OtelController{
		traceProvider: tp,
	}, nil
}

func (o *OtelController) Shutdown(ctx context.Context) error {
	if err := o.traceProvider.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

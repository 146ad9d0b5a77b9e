package jaeger

import (
	"go.opentelemetry.io/otel/exporters/jaeger"
)

// NewJaeger creates an exporter sending spans to the Jaeger collector at endpoint,
// e.g. http://jaeger:14268/api/traces.
func NewJaeger(endpoint string) (*jaeger.Exporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(endpoint),
	))
}

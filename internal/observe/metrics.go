// Package observe wires the node's observability: OpenTelemetry metric
// instruments, a Prometheus exporter bridge, and HTTP middleware for the
// bridge server.
//
// Two kinds of instruments live here. Push instruments ([Metrics]) are
// recorded by the bridge on its request path. Pull instruments
// ([WatchNode]) read the engine's and radio's own counters on every
// scrape, so the hot signal loop never touches OTel. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a private
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all waggle metrics.
const meterName = "github.com/projectjumbo/waggle"

// Metrics holds the push-style instruments. All fields are safe for
// concurrent use; the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// RequestDuration tracks bridge HTTP request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	RequestDuration metric.Float64Histogram

	// BridgeClients tracks the number of connected websocket clients.
	BridgeClients metric.Int64UpDownCounter

	// BridgeCommands counts commands received over the bridge. Use with
	// attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	BridgeCommands metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for a local telemetry server: most requests finish in microseconds,
// a stuck websocket upgrade can take a second.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider]. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RequestDuration, err = m.Float64Histogram("waggle.bridge.request.duration",
		metric.WithDescription("Bridge HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BridgeClients, err = m.Int64UpDownCounter("waggle.bridge.clients",
		metric.WithDescription("Number of connected bridge websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.BridgeCommands, err = m.Int64Counter("waggle.bridge.commands",
		metric.WithDescription("Total bridge commands by command name and status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer. Panics if instrument creation fails (should
// not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCommand records one bridge command with the standard attribute
// set.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.BridgeCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}

// Package observe provides application-wide observability primitives for
// Spindle: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Spindle metrics.
const meterName = "github.com/MrWong99/spindle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RPCDuration tracks per-call dispatch latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("status", ...)
	RPCDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// RPCRequests counts dispatched calls. Use with attributes:
	//   attribute.String("method", ...), attribute.String("status", ...)
	RPCRequests metric.Int64Counter

	// Broadcasts counts fan-out messages pushed to peers, by method.
	Broadcasts metric.Int64Counter

	// SkipWarnings counts skip warnings armed by the vote protocol.
	SkipWarnings metric.Int64Counter

	// TrackBytes counts track payload bytes served over HTTP.
	TrackBytes metric.Int64Counter

	// --- Gauges ---

	// ConnectedPeers tracks the number of live peer connections.
	ConnectedPeers metric.Int64UpDownCounter

	// OpenRooms tracks the number of rooms in the directory.
	OpenRooms metric.Int64UpDownCounter

	// RegisteredTracks tracks the number of tracks currently held in the
	// registry.
	RegisteredTracks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive dispatch latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RPCDuration, err = m.Float64Histogram("spindle.rpc.duration",
		metric.WithDescription("Latency of RPC dispatch by method and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("spindle.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RPCRequests, err = m.Int64Counter("spindle.rpc.requests",
		metric.WithDescription("Total RPC calls dispatched by method and status."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("spindle.broadcasts",
		metric.WithDescription("Total fan-out messages pushed to peers by method."),
	); err != nil {
		return nil, err
	}
	if met.SkipWarnings, err = m.Int64Counter("spindle.skip.warnings",
		metric.WithDescription("Total skip warnings armed by the vote protocol."),
	); err != nil {
		return nil, err
	}
	if met.TrackBytes, err = m.Int64Counter("spindle.track.bytes",
		metric.WithDescription("Total track payload bytes served over HTTP."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ConnectedPeers, err = m.Int64UpDownCounter("spindle.connected_peers",
		metric.WithDescription("Number of live peer connections."),
	); err != nil {
		return nil, err
	}
	if met.OpenRooms, err = m.Int64UpDownCounter("spindle.open_rooms",
		metric.WithDescription("Number of rooms in the directory."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredTracks, err = m.Int64UpDownCounter("spindle.registered_tracks",
		metric.WithDescription("Number of tracks currently held in the registry."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRPCRequest records one dispatched call: the counter increment and
// the latency observation share the standard attribute set.
func (m *Metrics) RecordRPCRequest(ctx context.Context, method, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.RPCRequests.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, seconds, attrs)
}

// RecordBroadcast records a fan-out of n messages for one method.
func (m *Metrics) RecordBroadcast(ctx context.Context, method string, n int64) {
	m.Broadcasts.Add(ctx, n,
		metric.WithAttributes(attribute.String("method", method)),
	)
}

// RecordSkipWarning records one armed skip warning.
func (m *Metrics) RecordSkipWarning(ctx context.Context) {
	m.SkipWarnings.Add(ctx, 1)
}

// RecordTrackServed records bytes of one track payload served over HTTP.
func (m *Metrics) RecordTrackServed(ctx context.Context, bytes int64) {
	m.TrackBytes.Add(ctx, bytes)
}

// RecordTrackRegistered moves the registered-tracks gauge up by one.
func (m *Metrics) RecordTrackRegistered(ctx context.Context) {
	m.RegisteredTracks.Add(ctx, 1)
}

// RecordTrackEvicted moves the registered-tracks gauge down by one.
func (m *Metrics) RecordTrackEvicted(ctx context.Context) {
	m.RegisteredTracks.Add(ctx, -1)
}

// RecordPeerConnected moves the connected-peers gauge up by one.
func (m *Metrics) RecordPeerConnected(ctx context.Context) {
	m.ConnectedPeers.Add(ctx, 1)
}

// RecordPeerDisconnected moves the connected-peers gauge down by one.
func (m *Metrics) RecordPeerDisconnected(ctx context.Context) {
	m.ConnectedPeers.Add(ctx, -1)
}

// RecordRoomOpened moves the open-rooms gauge up by one.
func (m *Metrics) RecordRoomOpened(ctx context.Context) {
	m.OpenRooms.Add(ctx, 1)
}

// RecordRoomClosed moves the open-rooms gauge down by one.
func (m *Metrics) RecordRoomClosed(ctx context.Context) {
	m.OpenRooms.Add(ctx, -1)
}

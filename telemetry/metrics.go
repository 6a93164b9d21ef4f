// Package telemetry provides OpenTelemetry metrics for the hydration
// layer. Initialization is optional; every Record helper is a no-op until
// InitMetrics has been called, so library code can instrument
// unconditionally.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/feedwork/hydrate"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	hydrationsTotal    metric.Int64Counter
	hydrationDuration  metric.Float64Histogram
	imageCacheTotal    metric.Int64Counter
	imageCacheBytes    metric.Int64Counter
	cleanupRemoved     metric.Int64Counter
	cleanupDuration    metric.Float64Histogram
	refreshFailures    metric.Int64Counter
	refreshesTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function to call on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hydrate"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// The service attributes are merged schemaless: pinning a schema URL
	// here conflicts with whatever schema resource.Default() carries once
	// the SDK and this package drift apart.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters configured, still collect via a no-op reader so
	// instruments behave identically.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	hydrationsTotal, err := meter.Int64Counter(
		"hydrate_hydrations_total",
		metric.WithDescription("Total hydration calls by resource and result source"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	hydrationDuration, err := meter.Float64Histogram(
		"hydrate_hydration_duration_seconds",
		metric.WithDescription("Time until a hydration call returned to its caller"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	imageCacheTotal, err := meter.Int64Counter(
		"hydrate_image_cache_total",
		metric.WithDescription("Total image caching attempts by outcome"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return err
	}

	imageCacheBytes, err := meter.Int64Counter(
		"hydrate_image_cache_bytes_total",
		metric.WithDescription("Total bytes of image content written to the blob store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cleanupRemoved, err := meter.Int64Counter(
		"hydrate_cleanup_removed_total",
		metric.WithDescription("Total records removed by cleanup sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"hydrate_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	refreshesTotal, err := meter.Int64Counter(
		"hydrate_background_refreshes_total",
		metric.WithDescription("Total background refresh attempts by resource"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	refreshFailures, err := meter.Int64Counter(
		"hydrate_refresh_failures_total",
		metric.WithDescription("Total background refresh failures by resource"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		hydrationsTotal:   hydrationsTotal,
		hydrationDuration: hydrationDuration,
		imageCacheTotal:   imageCacheTotal,
		imageCacheBytes:   imageCacheBytes,
		cleanupRemoved:    cleanupRemoved,
		cleanupDuration:   cleanupDuration,
		refreshesTotal:    refreshesTotal,
		refreshFailures:   refreshFailures,
		meterProvider:     mp,
		promHandler:       promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil when Prometheus
// export was not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordHydration records a completed hydration call.
func RecordHydration(ctx context.Context, resource, source string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("source", source),
	)
	globalMetrics.hydrationsTotal.Add(ctx, 1, attrs)
	globalMetrics.hydrationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("resource", resource)))
}

// RecordImageCache records one image caching attempt.
// Outcome is one of "hit", "stored", "passthrough", "error".
func RecordImageCache(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageCacheTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	if bytes > 0 {
		globalMetrics.imageCacheBytes.Add(ctx, bytes)
	}
}

// RecordCleanup records a cleanup sweep.
func RecordCleanup(ctx context.Context, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cleanupRemoved.Add(ctx, int64(removed))
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds())
}

// RecordRefresh records a background refresh attempt.
func RecordRefresh(ctx context.Context, resource string, err error) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("resource", resource))
	globalMetrics.refreshesTotal.Add(ctx, 1, attrs)
	if err != nil {
		globalMetrics.refreshFailures.Add(ctx, 1, attrs)
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

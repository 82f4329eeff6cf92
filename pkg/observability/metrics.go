package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics bridged into a Prometheus
// registry, for both the FMTP sender and receiver.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	packetsSent       metric.Int64Counter
	retransmissions   metric.Int64Counter
	productsEvicted   metric.Int64Counter
	retainedProducts  metric.Int64UpDownCounter
	productsCompleted metric.Int64Counter
	productsMissed    metric.Int64Counter
	retxRequests      metric.Int64Counter
	productLatency    metric.Float64Histogram
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	mp.packetsSent, err = mp.meter.Int64Counter(
		"fmtp_sender_packets_sent_total",
		metric.WithDescription("Total FMTP packets multicast by the sender"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_sender_packets_sent_total counter: %w", err)
	}

	mp.retransmissions, err = mp.meter.Int64Counter(
		"fmtp_sender_retransmissions_served_total",
		metric.WithDescription("Total retransmission requests served over TCP"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_sender_retransmissions_served_total counter: %w", err)
	}

	mp.productsEvicted, err = mp.meter.Int64Counter(
		"fmtp_sender_products_evicted_total",
		metric.WithDescription("Total products evicted from the sender's retention table"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_sender_products_evicted_total counter: %w", err)
	}

	mp.retainedProducts, err = mp.meter.Int64UpDownCounter(
		"fmtp_sender_retained_products",
		metric.WithDescription("Number of products currently retained for retransmission"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_sender_retained_products gauge: %w", err)
	}

	mp.productsCompleted, err = mp.meter.Int64Counter(
		"fmtp_receiver_products_completed_total",
		metric.WithDescription("Total products successfully reassembled by the receiver"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_receiver_products_completed_total counter: %w", err)
	}

	mp.productsMissed, err = mp.meter.Int64Counter(
		"fmtp_receiver_products_missed_total",
		metric.WithDescription("Total products declared unrecoverable by the receiver"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_receiver_products_missed_total counter: %w", err)
	}

	mp.retxRequests, err = mp.meter.Int64Counter(
		"fmtp_receiver_retransmission_requests_total",
		metric.WithDescription("Total retransmission requests issued by the receiver"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_receiver_retransmission_requests_total counter: %w", err)
	}

	mp.productLatency, err = mp.meter.Float64Histogram(
		"fmtp_receiver_product_latency_seconds",
		metric.WithDescription("BOP-to-completion latency for reassembled products"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return fmt.Errorf("failed to create fmtp_receiver_product_latency_seconds histogram: %w", err)
	}

	return nil
}

// RecordPacketSent records one outbound multicast packet; retransmission
// replies are counted by RecordRetransmission instead.
func (mp *MetricsProvider) RecordPacketSent(ctx context.Context, feed, packetType string) {
	if mp.packetsSent == nil {
		return
	}
	mp.packetsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("feed", feed),
		attribute.String("type", packetType),
	))
}

// RecordRetransmission records one served RETX_DATA/RETX_BOP/RETX_EOP reply.
func (mp *MetricsProvider) RecordRetransmission(ctx context.Context, feed string) {
	if mp.retransmissions == nil {
		return
	}
	mp.retransmissions.Add(ctx, 1, metric.WithAttributes(attribute.String("feed", feed)))
}

// RecordProductEvicted records one product leaving the sender's retention table.
func (mp *MetricsProvider) RecordProductEvicted(ctx context.Context, feed string) {
	if mp.productsEvicted == nil {
		return
	}
	mp.productsEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("feed", feed)))
}

// SetRetainedProducts adjusts the sender's current retention gauge by delta.
func (mp *MetricsProvider) SetRetainedProducts(ctx context.Context, feed string, delta int64) {
	if mp.retainedProducts == nil {
		return
	}
	mp.retainedProducts.Add(ctx, delta, metric.WithAttributes(attribute.String("feed", feed)))
}

// RecordProductCompleted records a successful onEOP and its BOP-to-EOP latency.
func (mp *MetricsProvider) RecordProductCompleted(ctx context.Context, feed string, latency time.Duration) {
	if mp.productsCompleted == nil {
		return
	}
	mp.productsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("feed", feed)))
	mp.productLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("feed", feed)))
}

// RecordProductMissed records an onMissed callback.
func (mp *MetricsProvider) RecordProductMissed(ctx context.Context, feed string) {
	if mp.productsMissed == nil {
		return
	}
	mp.productsMissed.Add(ctx, 1, metric.WithAttributes(attribute.String("feed", feed)))
}

// RecordRetxRequest records one RETX_REQ/BOP_REQ/EOP_REQ issued by the receiver.
func (mp *MetricsProvider) RecordRetxRequest(ctx context.Context, feed, kind string) {
	if mp.retxRequests == nil {
		return
	}
	mp.retxRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("feed", feed),
		attribute.String("kind", kind),
	))
}

// StartMetricsServer starts the Prometheus metrics HTTP server. If health
// is non-nil, it also mounts /health, reporting the sender/receiver's own
// liveness checks (sigmap reachability, socket/listener state) alongside
// the metrics endpoint, since standalone fmtp-sender/fmtp-receiver
// binaries run no other HTTP surface.
func (mp *MetricsProvider) StartMetricsServer(port int, health *HealthChecker) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	if health != nil {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			results := health.CheckHealth(r.Context())
			status := health.GetOverallStatus(results)

			statusCode := http.StatusOK
			if status != HealthStatusHealthy {
				statusCode = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusCode)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": status,
				"checks": results,
			})
		})
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}

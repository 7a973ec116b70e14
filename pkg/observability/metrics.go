// Package observability exposes service metrics through OpenTelemetry
// with a Prometheus exporter. When disabled, the nil-safe recorder makes
// every call a no-op.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records the service's operational counters and latencies.
type Metrics struct {
	writesTotal         metric.Int64Counter
	searchesTotal       metric.Int64Counter
	mergesTotal         metric.Int64Counter
	consolidationsTotal metric.Int64Counter
	verificationsTotal  metric.Int64Counter
	errorsTotal         metric.Int64Counter

	searchDuration metric.Float64Histogram
	mergeDuration  metric.Float64Histogram
}

// Init builds the meter provider and instruments. Returns a no-op
// recorder when disabled.
func Init(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("memtree")

	m := &Metrics{}
	if m.writesTotal, err = meter.Int64Counter(
		"memtree_writes_total",
		metric.WithDescription("Total memory writes by entity"),
	); err != nil {
		return nil, fmt.Errorf("failed to create writes counter: %w", err)
	}
	if m.searchesTotal, err = meter.Int64Counter(
		"memtree_searches_total",
		metric.WithDescription("Total search requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create searches counter: %w", err)
	}
	if m.mergesTotal, err = meter.Int64Counter(
		"memtree_merges_total",
		metric.WithDescription("Total merges by strategy"),
	); err != nil {
		return nil, fmt.Errorf("failed to create merges counter: %w", err)
	}
	if m.consolidationsTotal, err = meter.Int64Counter(
		"memtree_consolidations_total",
		metric.WithDescription("Total consolidation passes by level"),
	); err != nil {
		return nil, fmt.Errorf("failed to create consolidations counter: %w", err)
	}
	if m.verificationsTotal, err = meter.Int64Counter(
		"memtree_verifications_total",
		metric.WithDescription("Total fact verifications by verdict"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}
	if m.errorsTotal, err = meter.Int64Counter(
		"memtree_errors_total",
		metric.WithDescription("Total operation errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	if m.searchDuration, err = meter.Float64Histogram(
		"memtree_search_duration_seconds",
		metric.WithDescription("Search latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search histogram: %w", err)
	}
	if m.mergeDuration, err = meter.Float64Histogram(
		"memtree_merge_duration_seconds",
		metric.WithDescription("Merge latency in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create merge histogram: %w", err)
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWrite counts one write of the given entity.
func (m *Metrics) RecordWrite(ctx context.Context, entity string, err error) {
	if m == nil || m.writesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("entity", entity))
	m.writesTotal.Add(ctx, 1, attrs)
	m.recordError(ctx, "write", err)
}

// RecordSearch counts one search and its latency.
func (m *Metrics) RecordSearch(ctx context.Context, mode string, duration time.Duration, err error) {
	if m == nil || m.searchesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.searchesTotal.Add(ctx, 1, attrs)
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	m.recordError(ctx, "search", err)
}

// RecordMerge counts one merge and its latency.
func (m *Metrics) RecordMerge(ctx context.Context, strategy string, duration time.Duration, err error) {
	if m == nil || m.mergesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	m.mergesTotal.Add(ctx, 1, attrs)
	m.mergeDuration.Record(ctx, duration.Seconds(), attrs)
	m.recordError(ctx, "merge", err)
}

// RecordConsolidation counts one consolidation pass.
func (m *Metrics) RecordConsolidation(ctx context.Context, level string, err error) {
	if m == nil || m.consolidationsTotal == nil {
		return
	}
	m.consolidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
	m.recordError(ctx, "consolidation", err)
}

// RecordVerification counts one verification by verdict.
func (m *Metrics) RecordVerification(ctx context.Context, verdict string, err error) {
	if m == nil || m.verificationsTotal == nil {
		return
	}
	m.verificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
	m.recordError(ctx, "verification", err)
}

func (m *Metrics) recordError(ctx context.Context, op string, err error) {
	if err == nil || m.errorsTotal == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

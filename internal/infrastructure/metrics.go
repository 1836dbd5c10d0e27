package infrastructure

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LicenseMetrics holds the business counters for license operations. It is
// handed to the license service and to the HTTP layer; every instrument
// lives on the shared OTel meter and surfaces through the Prometheus
// endpoint.
type LicenseMetrics struct {
	ActivationsTotal   metric.Int64Counter
	ConsumesTotal      metric.Int64Counter
	CreditsConsumed    metric.Int64Counter
	AuthFailuresTotal  metric.Int64Counter
	ActiveSessions     metric.Int64Gauge
	HTTPRequestsTotal  metric.Int64Counter
	HTTPRequestSeconds metric.Float64Histogram
}

// NewLicenseMetrics registers the license instruments on the meter.
func NewLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	activations, err := meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("register activations counter: %w", err)
	}

	consumes, err := meter.Int64Counter(
		"license_consumes_total",
		metric.WithDescription("Total number of credit consume attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("register consumes counter: %w", err)
	}

	creditsConsumed, err := meter.Int64Counter(
		"license_credits_consumed_total",
		metric.WithDescription("Total credits successfully consumed"),
	)
	if err != nil {
		return nil, fmt.Errorf("register credits counter: %w", err)
	}

	authFailures, err := meter.Int64Counter(
		"license_auth_failures_total",
		metric.WithDescription("Total request authentication failures by category"),
	)
	if err != nil {
		return nil, fmt.Errorf("register auth failures counter: %w", err)
	}

	activeSessions, err := meter.Int64Gauge(
		"license_active_sessions",
		metric.WithDescription("Number of currently valid sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("register active sessions gauge: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("register http requests counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("register http duration histogram: %w", err)
	}

	return &LicenseMetrics{
		ActivationsTotal:   activations,
		ConsumesTotal:      consumes,
		CreditsConsumed:    creditsConsumed,
		AuthFailuresTotal:  authFailures,
		ActiveSessions:     activeSessions,
		HTTPRequestsTotal:  httpRequests,
		HTTPRequestSeconds: httpDuration,
	}, nil
}

// RecordActivation implements the license service's metrics hook.
func (m *LicenseMetrics) RecordActivation(ctx context.Context, success bool) {
	m.ActivationsTotal.Add(ctx, 1, metric.WithAttributes(statusAttr(success)))
}

// RecordConsume implements the license service's metrics hook.
func (m *LicenseMetrics) RecordConsume(ctx context.Context, amount int64, success bool) {
	m.ConsumesTotal.Add(ctx, 1, metric.WithAttributes(statusAttr(success)))
	if success {
		m.CreditsConsumed.Add(ctx, amount)
	}
}

// RecordAuthFailure implements the license service's metrics hook.
func (m *LicenseMetrics) RecordAuthFailure(ctx context.Context, category string) {
	m.AuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordSessionCount implements the license service's metrics hook.
func (m *LicenseMetrics) RecordSessionCount(ctx context.Context, active int64) {
	m.ActiveSessions.Record(ctx, active)
}

// RecordHTTPRequest records one served request for the middleware layer.
func (m *LicenseMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestSeconds.Record(ctx, seconds, attrs)
}

func statusAttr(success bool) attribute.KeyValue {
	if success {
		return attribute.String("status", "success")
	}
	return attribute.String("status", "failure")
}

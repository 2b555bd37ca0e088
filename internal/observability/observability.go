// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// readiness checks and error-rate anomaly detection for sessions, sandboxes
// and host tools. Every component is optional and nil-safe.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
)

// Observability bundles the enabled components. A nil field means that
// feature is off; Health is always present.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components cfg enables. A nil cfg disables everything and
// yields a nil *Observability, which every method accepts.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs := &Observability{Tracer: tracer, Health: NewHealthChecker(logger)}
	if m := cfg.Metrics; m != nil && m.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if a := cfg.Anomaly; a != nil && a.Enabled {
		obs.Anomaly = NewAnomalyDetector(a, logger)
	}
	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector or nil.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// OnAnomaly forwards anomaly alerts to fn. It is a no-op when anomaly
// detection is disabled.
func (o *Observability) OnAnomaly(fn func(context.Context, Alert)) {
	if o == nil {
		return
	}
	o.Anomaly.OnAlert(fn)
}

// StartSpan starts a span that is a no-op when tracing is disabled.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.TracerOrNil().Start(ctx, name, attrs...)
}

// Recorders returns the enabled components that consume audit events.
func (o *Observability) Recorders() []audit.Recorder {
	if o == nil {
		return nil
	}
	var recs []audit.Recorder
	if o.Metrics != nil {
		recs = append(recs, o.Metrics)
	}
	if o.Anomaly != nil {
		recs = append(recs, o.Anomaly)
	}
	return recs
}

package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/agentbox/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a sandbox.Provider with metrics, tracing, and
// anomaly detection around sandbox creation.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a provider with observability. A nil obs
// returns the provider unchanged.
func NewInstrumentedProvider(inner sandbox.Provider, obs *Observability) sandbox.Provider {
	if obs == nil {
		return inner
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: obs.Metrics,
		tracer:  obs.Tracer,
		anomaly: obs.Anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	provider := p.inner.Name()
	ctx, span := p.tracer.Start(ctx, "sandbox.create",
		attribute.String("sandbox.provider", provider),
		attribute.String("sandbox.image", spec.Image),
		attribute.Float64("sandbox.cpu", spec.CPU),
		attribute.Int("sandbox.memory_mib", spec.MemoryMiB),
	)

	start := time.Now()
	sb, err := p.inner.Create(ctx, spec)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	} else {
		span.SetAttributes(attribute.String("sandbox.id", sb.ID()))
	}
	endSpan(span, err)

	if p.metrics != nil {
		p.metrics.SandboxCreateTotal.WithLabelValues(provider, status).Inc()
		p.metrics.SandboxCreateDuration.WithLabelValues(provider).Observe(duration)
	}

	if err != nil {
		p.anomaly.RecordError("sandbox_create_" + provider)
	} else {
		p.anomaly.RecordSuccess("sandbox_create_" + provider)
	}

	return sb, err
}

// --- Compile-time interface checks ---

var _ sandbox.Provider = (*InstrumentedProvider)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

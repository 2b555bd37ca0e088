package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
)

const (
	// minSamples is the number of outcomes needed before an error rate is judged.
	minSamples = 5
	// bucketCount splits the window into this many fixed buckets.
	bucketCount = 30
)

// Alert describes an operation whose error rate crossed the threshold.
type Alert struct {
	Operation string
	ErrorRate float64
	Threshold float64
	Samples   int
	At        time.Time
}

// AnomalyDetector tracks per-operation outcomes (sandbox creation, sessions,
// host tool servers) in a bucketed window and raises an Alert when the error
// rate exceeds the configured threshold. Alerts for one operation are
// throttled to one per window.
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*outcomeRing
	lastAlert map[string]time.Time
	window    time.Duration
	threshold float64
	onAlert   []func(context.Context, Alert)
	logger    *slog.Logger
	now       func() time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	window := 300 * time.Second
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		ops:       make(map[string]*outcomeRing),
		lastAlert: make(map[string]time.Time),
		window:    window,
		threshold: cfg.ErrorRateThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// OnAlert registers fn to run for every raised alert. Callbacks run
// synchronously on the recording goroutine, outside the detector lock.
func (a *AnomalyDetector) OnAlert(fn func(context.Context, Alert)) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	a.onAlert = append(a.onAlert, fn)
	a.mu.Unlock()
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.observe(context.Background(), operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.observe(context.Background(), operation, false)
}

// ErrorRate returns the error ratio of operation within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.ops[operation]
	if !ok {
		return 0, 0
	}
	return r.rate(a.now())
}

// Record implements audit.Recorder: host tool outcomes are tracked per server.
func (a *AnomalyDetector) Record(ctx context.Context, e audit.Event) error {
	if a == nil || e.Action != audit.ActionHostToolCall {
		return nil
	}
	a.observe(ctx, "host_tool:"+e.Server, e.Result == audit.ResultFailure)
	return nil
}

func (a *AnomalyDetector) observe(ctx context.Context, operation string, failed bool) {
	if a == nil {
		return
	}
	now := a.now()

	a.mu.Lock()
	r, ok := a.ops[operation]
	if !ok {
		r = newOutcomeRing(a.window)
		a.ops[operation] = r
	}
	r.add(now, failed)

	var alert *Alert
	if failed && a.threshold > 0 {
		rate, n := r.rate(now)
		last, seen := a.lastAlert[operation]
		if n >= minSamples && rate > a.threshold && (!seen || now.Sub(last) >= a.window) {
			a.lastAlert[operation] = now
			alert = &Alert{Operation: operation, ErrorRate: rate, Threshold: a.threshold, Samples: n, At: now}
		}
	}
	callbacks := a.onAlert
	a.mu.Unlock()

	if alert == nil {
		return
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", alert.Operation),
			slog.Float64("error_rate", alert.ErrorRate),
			slog.Float64("threshold", alert.Threshold),
			slog.Int("samples", alert.Samples),
		)
	}
	for _, fn := range callbacks {
		fn(ctx, *alert)
	}
}

// outcomeRing counts successes and failures in fixed time buckets covering
// one window. A bucket is reset when its slot is reused.
type outcomeRing struct {
	width   time.Duration
	buckets [bucketCount]outcomeBucket
}

type outcomeBucket struct {
	slot     int64
	ok, fail int
}

func newOutcomeRing(window time.Duration) *outcomeRing {
	width := window / bucketCount
	if width <= 0 {
		width = time.Millisecond
	}
	return &outcomeRing{width: width}
}

func (r *outcomeRing) add(now time.Time, failed bool) {
	slot := now.UnixNano() / int64(r.width)
	b := &r.buckets[slot%bucketCount]
	if b.slot != slot {
		*b = outcomeBucket{slot: slot}
	}
	if failed {
		b.fail++
	} else {
		b.ok++
	}
}

func (r *outcomeRing) rate(now time.Time) (float64, int) {
	current := now.UnixNano() / int64(r.width)
	var ok, fail int
	for _, b := range r.buckets {
		if current-b.slot < bucketCount && b.slot <= current {
			ok += b.ok
			fail += b.fail
		}
	}
	total := ok + fail
	if total == 0 {
		return 0, 0
	}
	return float64(fail) / float64(total), total
}

var _ audit.Recorder = (*AnomalyDetector)(nil)

// Package telemetry provides Prometheus metrics and tracing for the ingestion
// and publish pipeline.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "product-ingest"
	namespace   = "product_ingest"
)

// Metrics holds all pipeline Prometheus metrics.
type Metrics struct {
	// Job metrics
	JobsStarted  prometheus.Counter
	JobsFinished *prometheus.CounterVec
	ActiveJobs   prometheus.Gauge

	// Page metrics
	PagesProcessed  *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	ClassifyCache   *prometheus.CounterVec

	// Model capability metrics
	ModelCalls    *prometheus.CounterVec
	ModelDuration *prometheus.HistogramVec

	// Normalization metrics
	ProductsPersisted  prometheus.Counter
	VariantsDiscarded  prometheus.Counter
	ProductsPersistErr prometheus.Counter

	// Publish metrics
	PublishSteps        *prometheus.CounterVec
	PublishStepDuration *prometheus.HistogramVec
	PublishRetries      *prometheus.CounterVec
	PublishResults      *prometheus.CounterVec
	GateWait            *prometheus.HistogramVec
}

// Provider wraps telemetry providers. A nil *Provider records nothing.
type Provider struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	Registry *prometheus.Registry
}

// NewProvider registers the pipeline metrics on a fresh registry, which
// also carries the Go and process collectors.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Provider{
		Tracer:   otel.Tracer(serviceName),
		Metrics:  initMetrics(promauto.With(reg)),
		Registry: reg,
	}
}

func initMetrics(f promauto.Factory) *Metrics {
	m := &Metrics{}
	initJobMetrics(f, m)
	initPageMetrics(f, m)
	initModelMetrics(f, m)
	initNormalizeMetrics(f, m)
	initPublishMetrics(f, m)
	return m
}

func initJobMetrics(f promauto.Factory, m *Metrics) {
	m.JobsStarted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Total ingestion jobs started",
	})

	m.JobsFinished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total ingestion jobs by final status",
	}, []string{"status"})

	m.ActiveJobs = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Ingestion jobs currently running in this process",
	})
}

func initPageMetrics(f promauto.Factory, m *Metrics) {
	m.PagesProcessed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pages",
		Name:      "processed_total",
		Help:      "Pages processed by outcome (extracted, skipped, failed)",
	}, []string{"outcome"})

	m.Classifications = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "decisions_total",
		Help:      "Classification decisions by strategy and result",
	}, []string{"strategy", "product"})

	m.ClassifyCache = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "cache_lookups_total",
		Help:      "Decision cache lookups by result (hit, miss, error)",
	}, []string{"result"})
}

func initModelMetrics(f promauto.Factory, m *Metrics) {
	m.ModelCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Model capability calls by purpose and outcome",
	}, []string{"purpose", "outcome"})

	m.ModelDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "call_duration_seconds",
		Help:      "Model capability call latency",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"purpose"})
}

func initNormalizeMetrics(f promauto.Factory, m *Metrics) {
	m.ProductsPersisted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "products",
		Name:      "persisted_total",
		Help:      "Canonical products persisted",
	})

	m.VariantsDiscarded = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "products",
		Name:      "duplicate_variants_discarded_total",
		Help:      "Variants discarded because their option tuple was already present",
	})

	m.ProductsPersistErr = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "products",
		Name:      "persist_failures_total",
		Help:      "Canonical products that failed to persist",
	})
}

func initPublishMetrics(f promauto.Factory, m *Metrics) {
	m.PublishSteps = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "steps_total",
		Help:      "Publish sub-steps by destination, step and outcome",
	}, []string{"destination", "step", "outcome"})

	m.PublishStepDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "step_duration_seconds",
		Help:      "Publish sub-step latency including retries and gate waits",
		Buckets:   prometheus.DefBuckets,
	}, []string{"destination", "step"})

	m.PublishRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "retries_total",
		Help:      "Transient publish failures that were retried",
	}, []string{"destination", "step"})

	m.PublishResults = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "records_total",
		Help:      "Publish records by final status",
	}, []string{"destination", "status"})

	m.GateWait = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting at a destination account gate",
		Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"account"})
}

// RecordJobStarted counts a started job.
func (p *Provider) RecordJobStarted() {
	if p == nil {
		return
	}
	p.Metrics.JobsStarted.Inc()
	p.Metrics.ActiveJobs.Inc()
}

// RecordJobFinished counts a job reaching status.
func (p *Provider) RecordJobFinished(status string) {
	if p == nil {
		return
	}
	p.Metrics.JobsFinished.WithLabelValues(status).Inc()
	p.Metrics.ActiveJobs.Dec()
}

// RecordPage counts a processed page by outcome.
func (p *Provider) RecordPage(outcome string) {
	if p == nil {
		return
	}
	p.Metrics.PagesProcessed.WithLabelValues(outcome).Inc()
}

// RecordClassification counts a classifier decision.
func (p *Provider) RecordClassification(strategy string, isProduct bool) {
	if p == nil {
		return
	}
	product := "false"
	if isProduct {
		product = "true"
	}
	p.Metrics.Classifications.WithLabelValues(strategy, product).Inc()
}

// RecordCacheLookup counts a decision cache lookup.
func (p *Provider) RecordCacheLookup(result string) {
	if p == nil {
		return
	}
	p.Metrics.ClassifyCache.WithLabelValues(result).Inc()
}

// RecordModelCall records one model call.
func (p *Provider) RecordModelCall(purpose, outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.ModelCalls.WithLabelValues(purpose, outcome).Inc()
	p.Metrics.ModelDuration.WithLabelValues(purpose).Observe(duration.Seconds())
}

// RecordProductsPersisted counts persisted and failed canonical products.
func (p *Provider) RecordProductsPersisted(persisted, failed int) {
	if p == nil {
		return
	}
	p.Metrics.ProductsPersisted.Add(float64(persisted))
	p.Metrics.ProductsPersistErr.Add(float64(failed))
}

// RecordVariantsDiscarded counts duplicate variants dropped by the normalizer.
func (p *Provider) RecordVariantsDiscarded(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.Metrics.VariantsDiscarded.Add(float64(n))
}

// RecordPublishStep records a publish sub-step outcome.
func (p *Provider) RecordPublishStep(destination, step, outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.PublishSteps.WithLabelValues(destination, step, outcome).Inc()
	p.Metrics.PublishStepDuration.WithLabelValues(destination, step).Observe(duration.Seconds())
}

// RecordPublishRetry counts a retried transient failure.
func (p *Provider) RecordPublishRetry(destination, step string) {
	if p == nil {
		return
	}
	p.Metrics.PublishRetries.WithLabelValues(destination, step).Inc()
}

// RecordPublishResult counts a publish record reaching status.
func (p *Provider) RecordPublishResult(destination, status string) {
	if p == nil {
		return
	}
	p.Metrics.PublishResults.WithLabelValues(destination, status).Inc()
}

// ObserveGateWait records time spent at a rate gate.
func (p *Provider) ObserveGateWait(account string, waited time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.GateWait.WithLabelValues(account).Observe(waited.Seconds())
}

// StartSpan starts a new trace span. A nil provider uses the global tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(serviceName)
	if p != nil && p.Tracer != nil {
		tracer = p.Tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

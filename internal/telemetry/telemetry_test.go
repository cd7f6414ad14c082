package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestProvider_RecordsPipelineMetrics(t *testing.T) {
	t.Parallel()

	p := telemetry.NewProvider()

	p.RecordJobStarted()
	p.RecordPage("extracted")
	p.RecordPage("extracted")
	p.RecordClassification("heuristic", true)
	p.RecordPublishStep("main", "create", "ok", 20*time.Millisecond)
	p.RecordVariantsDiscarded(2)
	p.RecordJobFinished("completed")

	m := p.Metrics
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsStarted), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ActiveJobs), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.PagesProcessed.WithLabelValues("extracted")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Classifications.WithLabelValues("heuristic", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PublishSteps.WithLabelValues("main", "create", "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.VariantsDiscarded), 0)
}

func TestProvider_SeparateRegistries(t *testing.T) {
	t.Parallel()

	a := telemetry.NewProvider()
	b := telemetry.NewProvider()
	a.RecordPage("skipped")

	assert.InDelta(t, 0, testutil.ToFloat64(b.Metrics.PagesProcessed.WithLabelValues("skipped")), 0)
}

func TestNilProvider_IsSafe(t *testing.T) {
	t.Parallel()

	var p *telemetry.Provider
	assert.NotPanics(t, func() {
		p.RecordJobStarted()
		p.RecordPage("failed")
		p.RecordModelCall("extract", "ok", time.Second)
		p.ObserveGateWait("shop", time.Second)
		_, span := p.StartSpan(context.Background(), "noop")
		telemetry.EndSpan(span, errors.New("boom"))
	})
}

package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []ledger.CreateRequest
	active   map[string]bool
}

func (f *fakeSubmitter) Submit(_ context.Context, req ledger.CreateRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.active[req.SourceURL] {
		return nil, fmt.Errorf("%w: job j-1", domain.ErrJobAlreadyActive)
	}
	if f.active == nil {
		f.active = make(map[string]bool)
	}
	f.active[req.SourceURL] = true
	return &domain.Job{ID: fmt.Sprintf("j-%d", len(f.requests)), SourceURL: req.SourceURL}, nil
}

func (f *fakeSubmitter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestScheduler_AddValidatesCron(t *testing.T) {
	t.Parallel()

	s := scheduler.New(&fakeSubmitter{}, infralogger.NewNop())

	err := s.Add(scheduler.Schedule{Name: "bad", Cron: "every tuesday"})
	require.Error(t, err)

	req := ledger.CreateRequest{SourceURL: "https://shop.example", Kind: domain.SourceKindExport}
	require.NoError(t, s.Add(scheduler.Schedule{Name: "nightly", Cron: "0 3 * * *", Request: req}))
	require.NoError(t, s.Add(scheduler.Schedule{Name: "hourly", Cron: "@hourly", Request: req}))
	require.Error(t, s.Add(scheduler.Schedule{Name: "nightly", Cron: "0 4 * * *", Request: req}))
}

func TestScheduler_TriggerSkipsActiveSource(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := scheduler.New(sub, infralogger.NewNop())
	req := ledger.CreateRequest{SourceURL: "https://shop.example", Kind: domain.SourceKindExport, MaxPages: 5}
	require.NoError(t, s.Add(scheduler.Schedule{Name: "nightly", Cron: "0 3 * * *", Request: req}))

	require.NoError(t, s.Trigger("nightly"))
	require.NoError(t, s.Trigger("nightly"))
	assert.Equal(t, 2, sub.submitted())
	assert.Equal(t, req, sub.requests[0])

	require.Error(t, s.Trigger("missing"))
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := scheduler.New(sub, infralogger.NewNop())
	require.NoError(t, s.Add(scheduler.Schedule{
		Name:    "often",
		Cron:    "@every 1s",
		Request: ledger.CreateRequest{SourceURL: "https://shop.example"},
	}))

	s.Start()
	assert.Eventually(t, func() bool { return sub.submitted() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

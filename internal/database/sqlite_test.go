package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/database"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()

	cfg := &database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "ingest.db"),
	}
	require.NoError(t, database.RunMigrations(cfg, infralogger.NewNop()))

	db, err := database.NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func strPtr(s string) *string { return &s }

func sampleProduct(jobID string) *domain.CanonicalProduct {
	return &domain.CanonicalProduct{
		ID:          "prod-1",
		JobID:       jobID,
		GroupingKey: "linen shirt|acme|shop.example.com/products/linen",
		SourceURL:   "https://shop.example.com/products/linen",
		Title:       "Linen Shirt",
		Vendor:      strPtr("Acme"),
		Tags:        []string{"linen", "summer"},
		Options:     []string{"Size"},
		Variants: []domain.Variant{
			{Title: "S", Option1: strPtr("S"), Price: decimal.RequireFromString("19.90")},
			{
				Title: "M", Option1: strPtr("M"), Price: decimal.RequireFromString("21.00"),
				CompareAtPrice: decimal.NewNullDecimal(decimal.RequireFromString("25.00")),
			},
		},
		Images: []domain.Image{
			{Src: "https://cdn.example.com/a.jpg", Position: 1},
		},
	}
}

func TestSQLite_JobLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := database.NewJobRepository(openSQLite(t))

	job := pendingJob()
	require.NoError(t, repo.Create(ctx, job))

	// Same source key under a different spelling of the URL.
	second := pendingJob()
	second.ID = "job-2"
	second.SourceURL = "https://www.shop.example.com/"
	err := repo.Create(ctx, second)
	require.ErrorIs(t, err, domain.ErrJobAlreadyActive)

	now := time.Now().UTC()
	require.NoError(t, repo.Transition(ctx, database.Transition{
		ID: job.ID, From: domain.JobStatusPending, To: domain.JobStatusProcessing, At: now,
	}))
	require.NoError(t, repo.UpdateCounters(ctx, job.ID, domain.Counters{PagesSeen: 4, ProductsFound: 2}))
	require.NoError(t, repo.Transition(ctx, database.Transition{
		ID: job.ID, From: domain.JobStatusProcessing, To: domain.JobStatusCompleted, At: now,
	}))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, "shop.example.com", got.SourceKey)
	assert.Equal(t, int64(4), got.PagesSeen)
	assert.Equal(t, int64(2), got.ProductsFound)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// The source key is free again once the job is terminal.
	require.NoError(t, repo.Create(ctx, second))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "job-2", active[0].ID)
}

func TestSQLite_ProductRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, database.NewJobRepository(db).Create(ctx, pendingJob()))

	products := database.NewProductRepository(db)
	p := sampleProduct("job-1")
	require.NoError(t, products.Save(ctx, p))

	got, err := products.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, []string{"linen", "summer"}, got.Tags)
	require.Len(t, got.Variants, 2)
	assert.Equal(t, "19.90", got.Variants[0].Price.StringFixed(domain.PriceScale))
	assert.True(t, got.Variants[1].CompareAtPrice.Valid)
	require.Len(t, got.Images, 1)
	assert.Equal(t, 1, got.Images[0].Position)

	// Saving again with fewer variants replaces the children.
	p.Variants = p.Variants[:1]
	p.Images = nil
	require.NoError(t, products.Save(ctx, p))

	got, err = products.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, 1)
	assert.Empty(t, got.Images)

	listed, err := products.List(ctx, domain.ProductFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = products.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrProductNotFound))
}

func TestSQLite_PublishRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, database.NewJobRepository(db).Create(ctx, pendingJob()))
	require.NoError(t, database.NewProductRepository(db).Save(ctx, sampleProduct("job-1")))

	records := database.NewPublishRepository(db)
	_, err := records.Get(ctx, "prod-1", "main")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	rec := domain.NewPublishRecord("prod-1", "main")
	rec.BeginAttempt()
	rec.MarkCreated("gid://shopify/Product/1")
	require.NoError(t, records.Upsert(ctx, rec))

	require.NoError(t, rec.MarkPushed())
	require.NoError(t, records.Upsert(ctx, rec))

	got, err := records.Get(ctx, "prod-1", "main")
	require.NoError(t, err)
	assert.Equal(t, domain.PublishStatusPushed, got.Status)
	assert.Equal(t, "gid://shopify/Product/1", got.RemoteID)
	assert.Equal(t, 1, got.Attempts)

	all, err := records.ListByProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

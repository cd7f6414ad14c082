package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const publishColumns = `product_id, destination, status, remote_id, completed_step, failed_step,
	last_error, attempts, created_at, updated_at`

// PublishRepository stores per-destination publish records.
type PublishRepository struct {
	db *sqlx.DB
}

// NewPublishRepository creates a publish record repository.
func NewPublishRepository(db *sqlx.DB) *PublishRepository {
	return &PublishRepository{db: db}
}

// Get returns the record for (productID, destination) or domain.ErrRecordNotFound.
func (r *PublishRepository) Get(ctx context.Context, productID, destination string) (*domain.PublishRecord, error) {
	var rec domain.PublishRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(
		`SELECT `+publishColumns+` FROM publish_records WHERE product_id = ? AND destination = ?`),
		productID, destination,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get publish record %s/%s: %w", productID, destination, err)
	}
	return &rec, nil
}

// Upsert writes the record's current state.
func (r *PublishRepository) Upsert(ctx context.Context, rec *domain.PublishRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO publish_records (`+publishColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, destination) DO UPDATE SET
			status = excluded.status,
			remote_id = excluded.remote_id,
			completed_step = excluded.completed_step,
			failed_step = excluded.failed_step,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`),
		rec.ProductID, rec.Destination, rec.Status, rec.RemoteID, rec.CompletedStep, rec.FailedStep,
		rec.LastError, rec.Attempts, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert publish record %s/%s: %w", rec.ProductID, rec.Destination, err)
	}
	return nil
}

// ListByProduct returns every destination record of a product.
func (r *PublishRepository) ListByProduct(ctx context.Context, productID string) ([]domain.PublishRecord, error) {
	records := make([]domain.PublishRecord, 0)
	err := r.db.SelectContext(ctx, &records, r.db.Rebind(
		`SELECT `+publishColumns+` FROM publish_records WHERE product_id = ? ORDER BY destination`),
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("list publish records %s: %w", productID, err)
	}
	return records, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

type productRow struct {
	ID          string    `db:"id"`
	JobID       string    `db:"job_id"`
	GroupingKey string    `db:"grouping_key"`
	SourceURL   string    `db:"source_url"`
	Title       string    `db:"title"`
	Description *string   `db:"description"`
	Vendor      *string   `db:"vendor"`
	ProductType *string   `db:"product_type"`
	Tags        string    `db:"tags"`
	Options     string    `db:"options"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type variantRow struct {
	ProductID         string         `db:"product_id"`
	Position          int            `db:"position"`
	OptionKey         string         `db:"option_key"`
	Title             string         `db:"title"`
	Option1           *string        `db:"option1"`
	Option2           *string        `db:"option2"`
	Option3           *string        `db:"option3"`
	Price             string         `db:"price"`
	CompareAtPrice    sql.NullString `db:"compare_at_price"`
	SKU               *string        `db:"sku"`
	InventoryQuantity *int           `db:"inventory_quantity"`
}

type imageRow struct {
	ProductID string  `db:"product_id"`
	Position  int     `db:"position"`
	Src       string  `db:"src"`
	Alt       *string `db:"alt"`
}

const productColumns = `id, job_id, grouping_key, source_url, title, description, vendor,
	product_type, tags, options, created_at, updated_at`

// ProductRepository stores canonical products with their variants and images.
type ProductRepository struct {
	db *sqlx.DB
}

// NewProductRepository creates a product repository.
func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Save upserts the product and replaces its variants and images in one
// transaction. Re-ingesting the same grouping key updates the same row.
func (r *ProductRepository) Save(ctx context.Context, p *domain.CanonicalProduct) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save product: %w", err)
	}

	tags, err := json.Marshal(nonNil(p.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	options, err := json.Marshal(nonNil(p.Options))
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save product: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			job_id = excluded.job_id,
			source_url = excluded.source_url,
			title = excluded.title,
			description = excluded.description,
			vendor = excluded.vendor,
			product_type = excluded.product_type,
			tags = excluded.tags,
			options = excluded.options,
			updated_at = excluded.updated_at`),
		p.ID, p.JobID, p.GroupingKey, p.SourceURL, p.Title, p.Description, p.Vendor,
		p.ProductType, string(tags), string(options), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}

	if err = r.replaceVariants(ctx, tx, p); err != nil {
		return err
	}
	if err = r.replaceImages(ctx, tx, p); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save product %s: %w", p.ID, err)
	}
	return nil
}

func (r *ProductRepository) replaceVariants(ctx context.Context, tx *sqlx.Tx, p *domain.CanonicalProduct) error {
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM variants WHERE product_id = ?`), p.ID); err != nil {
		return fmt.Errorf("clear variants %s: %w", p.ID, err)
	}

	insert := r.db.Rebind(`
		INSERT INTO variants (product_id, position, option_key, title, option1, option2, option3,
			price, compare_at_price, sku, inventory_quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for i := range p.Variants {
		v := &p.Variants[i]
		var compareAt sql.NullString
		if v.CompareAtPrice.Valid {
			compareAt = sql.NullString{String: v.CompareAtPrice.Decimal.StringFixed(domain.PriceScale), Valid: true}
		}
		_, err := tx.ExecContext(ctx, insert,
			p.ID, i+1, v.OptionTuple().Key(), v.Title, v.Option1, v.Option2, v.Option3,
			v.Price.StringFixed(domain.PriceScale), compareAt, v.SKU, v.InventoryQuantity,
		)
		if err != nil {
			return fmt.Errorf("insert variant %d of %s: %w", i+1, p.ID, err)
		}
	}
	return nil
}

func (r *ProductRepository) replaceImages(ctx context.Context, tx *sqlx.Tx, p *domain.CanonicalProduct) error {
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM images WHERE product_id = ?`), p.ID); err != nil {
		return fmt.Errorf("clear images %s: %w", p.ID, err)
	}

	insert := r.db.Rebind(`INSERT INTO images (product_id, position, src, alt) VALUES (?, ?, ?, ?)`)
	for _, img := range p.Images {
		if _, err := tx.ExecContext(ctx, insert, p.ID, img.Position, img.Src, img.Alt); err != nil {
			return fmt.Errorf("insert image %d of %s: %w", img.Position, p.ID, err)
		}
	}
	return nil
}

// GetByID returns a product with its variants and images, or domain.ErrProductNotFound.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*domain.CanonicalProduct, error) {
	var row productRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}

	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if err = r.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns products, newest first, with variants and images loaded.
func (r *ProductRepository) List(ctx context.Context, filter domain.ProductFilter) ([]*domain.CanonicalProduct, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	args := make([]any, 0, 3)
	if filter.JobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, filter.JobID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	var rows []productRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	products := make([]*domain.CanonicalProduct, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		if err = r.loadChildren(ctx, p); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

func (r *ProductRepository) loadChildren(ctx context.Context, p *domain.CanonicalProduct) error {
	var variants []variantRow
	err := r.db.SelectContext(ctx, &variants, r.db.Rebind(`
		SELECT product_id, position, option_key, title, option1, option2, option3,
			price, compare_at_price, sku, inventory_quantity
		FROM variants WHERE product_id = ? ORDER BY position`), p.ID)
	if err != nil {
		return fmt.Errorf("load variants %s: %w", p.ID, err)
	}

	p.Variants = make([]domain.Variant, 0, len(variants))
	for i := range variants {
		v, convErr := variants[i].toDomain()
		if convErr != nil {
			return fmt.Errorf("product %s: %w", p.ID, convErr)
		}
		p.Variants = append(p.Variants, v)
	}

	var images []imageRow
	err = r.db.SelectContext(ctx, &images, r.db.Rebind(
		`SELECT product_id, position, src, alt FROM images WHERE product_id = ? ORDER BY position`), p.ID)
	if err != nil {
		return fmt.Errorf("load images %s: %w", p.ID, err)
	}

	p.Images = make([]domain.Image, 0, len(images))
	for _, img := range images {
		p.Images = append(p.Images, domain.Image{Src: img.Src, Position: img.Position, Alt: img.Alt})
	}
	return nil
}

func (row *productRow) toDomain() (*domain.CanonicalProduct, error) {
	p := &domain.CanonicalProduct{
		ID:          row.ID,
		JobID:       row.JobID,
		GroupingKey: row.GroupingKey,
		SourceURL:   row.SourceURL,
		Title:       row.Title,
		Description: row.Description,
		Vendor:      row.Vendor,
		ProductType: row.ProductType,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Options), &p.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", row.ID, err)
	}
	return p, nil
}

func (row *variantRow) toDomain() (domain.Variant, error) {
	price, err := decimal.NewFromString(row.Price)
	if err != nil {
		return domain.Variant{}, fmt.Errorf("variant %d price %q: %w", row.Position, row.Price, err)
	}

	v := domain.Variant{
		Title:             row.Title,
		Option1:           row.Option1,
		Option2:           row.Option2,
		Option3:           row.Option3,
		Price:             price,
		SKU:               row.SKU,
		InventoryQuantity: row.InventoryQuantity,
	}
	if row.CompareAtPrice.Valid {
		compareAt, parseErr := decimal.NewFromString(row.CompareAtPrice.String)
		if parseErr != nil {
			return domain.Variant{}, fmt.Errorf("variant %d compare-at %q: %w", row.Position, row.CompareAtPrice.String, parseErr)
		}
		v.CompareAtPrice = decimal.NewNullDecimal(compareAt)
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

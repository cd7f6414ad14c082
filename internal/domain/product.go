package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits kept on every price.
const PriceScale = 2

// DefaultVariantTitle names the synthetic variant of an option-less product.
const DefaultVariantTitle = "Default"

// CanonicalProduct is a deduplicated product ready for publishing.
type CanonicalProduct struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	GroupingKey string    `json:"grouping_key"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Vendor      *string   `json:"vendor,omitempty"`
	ProductType *string   `json:"product_type,omitempty"`
	Tags        []string  `json:"tags"`
	Options     []string  `json:"options,omitempty"`
	Variants    []Variant `json:"variants"`
	Images      []Image   `json:"images"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Variant is one purchasable option combination.
type Variant struct {
	Title             string              `json:"title"`
	Option1           *string             `json:"option1,omitempty"`
	Option2           *string             `json:"option2,omitempty"`
	Option3           *string             `json:"option3,omitempty"`
	Price             decimal.Decimal     `json:"price"`
	CompareAtPrice    decimal.NullDecimal `json:"compare_at_price"`
	SKU               *string             `json:"sku,omitempty"`
	InventoryQuantity *int                `json:"inventory_quantity,omitempty"`
}

// Image is a product image. Position is 1-based.
type Image struct {
	Src      string  `json:"src"`
	Position int     `json:"position"`
	Alt      *string `json:"alt,omitempty"`
}

// OptionTuple is the (option1, option2, option3) identity of a variant.
// Absent options are empty strings.
type OptionTuple [3]string

// Key returns a string form usable as a map or database key.
func (t OptionTuple) Key() string {
	return t[0] + "\x1f" + t[1] + "\x1f" + t[2]
}

// OptionTuple returns the variant's trimmed option values.
func (v *Variant) OptionTuple() OptionTuple {
	return OptionTuple{deref(v.Option1), deref(v.Option2), deref(v.Option3)}
}

// HasOptions reports whether any option value is set.
func (v *Variant) HasOptions() bool {
	return v.OptionTuple() != OptionTuple{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// RoundPrice normalizes a price to PriceScale fractional digits.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// Validate checks the canonical product invariants.
func (p *CanonicalProduct) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("product %s: title is required", p.ID)
	}
	if len(p.Variants) == 0 {
		return fmt.Errorf("product %s: at least one variant is required", p.ID)
	}

	seen := make(map[OptionTuple]bool, len(p.Variants))
	for i := range p.Variants {
		v := &p.Variants[i]
		tuple := v.OptionTuple()
		if seen[tuple] {
			return fmt.Errorf("product %s variant %d: %w", p.ID, i, ErrDuplicateVariant)
		}
		seen[tuple] = true

		if err := v.Validate(); err != nil {
			return fmt.Errorf("product %s variant %d: %w", p.ID, i, err)
		}
	}

	for i, img := range p.Images {
		if !IsAbsoluteHTTPURL(img.Src) {
			return fmt.Errorf("product %s image %d: src %q is not an absolute http(s) URL", p.ID, i, img.Src)
		}
		if img.Position != i+1 {
			return fmt.Errorf("product %s image %d: position %d out of order", p.ID, i, img.Position)
		}
	}

	return nil
}

// Validate checks the price invariants of a variant.
func (v *Variant) Validate() error {
	if v.Price.IsNegative() {
		return fmt.Errorf("price %s is negative", v.Price)
	}
	if !v.Price.Equal(RoundPrice(v.Price)) {
		return fmt.Errorf("price %s has more than %d fractional digits", v.Price, PriceScale)
	}
	if v.CompareAtPrice.Valid && v.CompareAtPrice.Decimal.LessThan(v.Price) {
		return fmt.Errorf("compare-at price %s is below price %s", v.CompareAtPrice.Decimal, v.Price)
	}
	return nil
}

// IsAbsoluteHTTPURL reports whether raw is an absolute http or https URL.
func IsAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ProductFilter narrows product listings.
type ProductFilter struct {
	JobID  string
	Limit  int
	Offset int
}

package domain

import (
	"github.com/shopspring/decimal"
)

// PageFormat tags the encoding of RawPage.Content.
type PageFormat string

const (
	// FormatMarkdown is text rendered from HTML by the crawler.
	FormatMarkdown PageFormat = "markdown"
	// FormatHTML is raw HTML.
	FormatHTML PageFormat = "html"
	// FormatProductJSON is a fragment already in the extraction schema.
	FormatProductJSON PageFormat = "product_json"
)

// RawPage is one page yielded by a Source Page Provider. It is never persisted.
type RawPage struct {
	URL     string
	Content string
	Format  PageFormat
	Depth   int
}

// ProductOption names one option axis and its observed values.
type ProductOption struct {
	Name   string   `json:"name"`
	Values []string `json:"values,omitempty"`
}

// Fragment is the page-scoped extraction result before normalization.
// Absent scalar fields are nil.
type Fragment struct {
	SourceURL   string              `json:"source_url"`
	Title       string              `json:"title"`
	Description *string             `json:"description,omitempty"`
	Vendor      *string             `json:"vendor,omitempty"`
	ProductType *string             `json:"product_type,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Price       decimal.NullDecimal `json:"price"`
	Options     []ProductOption     `json:"options,omitempty"`
	Variants    []Variant           `json:"variants,omitempty"`
	Images      []string            `json:"images,omitempty"`
}

// Package provider yields the raw pages of a source, either by crawling a
// site or by reading a platform-native product listing.
package provider

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

// Request describes what to fetch.
type Request struct {
	URL      string
	MaxPages int
}

// Stream yields pages in fetch order. Next returns io.EOF once the source is
// exhausted and an error wrapping domain.ErrSourceUnavailable when the source
// cannot be read at all.
type Stream interface {
	Next(ctx context.Context) (*domain.RawPage, error)
	Close() error
}

// Provider opens page streams.
type Provider interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Factory selects a provider by source kind.
type Factory struct {
	crawler  Provider
	exporter Provider
}

// NewFactory creates a factory over the two provider kinds.
func NewFactory(crawler, exporter Provider) *Factory {
	return &Factory{crawler: crawler, exporter: exporter}
}

// For returns the provider serving kind.
func (f *Factory) For(kind domain.SourceKind) (Provider, error) {
	switch kind {
	case domain.SourceKindCrawl:
		return f.crawler, nil
	case domain.SourceKindExport:
		return f.exporter, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

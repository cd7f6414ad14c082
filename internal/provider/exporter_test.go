package provider_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listingProduct(handle string) map[string]any {
	return map[string]any{
		"id":           1,
		"handle":       handle,
		"title":        "Product " + handle,
		"body_html":    "<p>Nice</p>",
		"vendor":       "Camp Co",
		"product_type": "Mugs",
		"tags":         []string{"camping"},
		"options":      []map[string]any{{"name": "Size", "position": 1, "values": []string{"S"}}},
		"variants": []map[string]any{{
			"id": 11, "title": "S", "price": "12.00", "compare_at_price": nil,
			"sku": "SKU-" + handle, "option1": "S", "option2": nil, "option3": nil, "available": true,
		}},
		"images": []map[string]any{{"id": 21, "src": "https://cdn.shop.test/" + handle + ".jpg", "position": 1}},
	}
}

// newStore serves total products in pages of the requested limit.
func newStore(t *testing.T, total int, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != "/products.json" {
			http.NotFound(w, r)
			return
		}
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))

		products := make([]map[string]any, 0, limit)
		for i := (page - 1) * limit; i < min(page*limit, total); i++ {
			products = append(products, listingProduct(fmt.Sprintf("p%d", i)))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"products": products})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newExporter() *provider.Exporter {
	return provider.NewExporter(provider.ExporterConfig{
		PageSize:       2,
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    3,
	}, infralogger.NewNop())
}

func TestExporter_PaginatesListing(t *testing.T) {
	t.Parallel()

	srv, calls := newStore(t, 5, 0)

	s, err := newExporter().Open(context.Background(), provider.Request{URL: srv.URL, MaxPages: 100})
	require.NoError(t, err)

	pages, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, pages, 5)
	assert.Equal(t, int32(3), calls.Load())

	first := pages[0]
	assert.Equal(t, srv.URL+"/products/p0", first.URL)
	assert.Equal(t, domain.FormatProductJSON, first.Format)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(first.Content), &decoded))
	assert.Equal(t, "Product p0", decoded["title"])
	assert.NotContains(t, decoded, "handle")
}

func TestExporter_StopsAtMaxPages(t *testing.T) {
	t.Parallel()

	srv, calls := newStore(t, 10, 0)

	s, err := newExporter().Open(context.Background(), provider.Request{URL: srv.URL + "/products.json", MaxPages: 3})
	require.NoError(t, err)

	pages, err := drain(t, s)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExporter_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	srv, _ := newStore(t, 1, 2)

	s, err := newExporter().Open(context.Background(), provider.Request{URL: srv.URL, MaxPages: 10})
	require.NoError(t, err)

	pages, err := drain(t, s)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func TestExporter_MissingListingIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	s, err := newExporter().Open(context.Background(), provider.Request{URL: srv.URL, MaxPages: 10})
	require.NoError(t, err)

	_, err = drain(t, s)
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestExporter_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := newExporter().Open(context.Background(), provider.Request{URL: "/products.json"})
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	infraerrors "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/errors"
	infrahttp "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/http"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const (
	defaultExportPageSize = 250
	maxExportPageSize     = 250
	exportListingPath     = "/products.json"
)

// ExporterConfig configures the storefront exporter.
type ExporterConfig struct {
	PageSize       int
	RequestTimeout time.Duration
	MaxAttempts    int
	UserAgent      string
}

// Exporter is a Provider over a storefront's public products.json listing.
// Each product becomes one product_json page.
type Exporter struct {
	cfg    ExporterConfig
	client *http.Client
	log    infralogger.Logger
}

// NewExporter creates an exporter.
func NewExporter(cfg ExporterConfig, log infralogger.Logger) *Exporter {
	if cfg.PageSize <= 0 || cfg.PageSize > maxExportPageSize {
		cfg.PageSize = defaultExportPageSize
	}
	return &Exporter{
		cfg: cfg,
		client: infrahttp.NewClient(&infrahttp.ClientConfig{
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
			Headers:   map[string]string{"Accept": "application/json"},
		}),
		log: log,
	}
}

// Open prepares a paginated read of the listing. Nothing is fetched until
// the first Next.
func (x *Exporter) Open(_ context.Context, req Request) (Stream, error) {
	base, err := listingBase(req.URL)
	if err != nil {
		return nil, err
	}
	return &exportStream{exporter: x, base: base, maxPages: req.MaxPages, nextPage: 1}, nil
}

// listingBase accepts a store or collection URL, with or without the
// products.json suffix.
func listingBase(raw string) (*url.URL, error) {
	if !domain.IsAbsoluteHTTPURL(raw) {
		return nil, fmt.Errorf("%w: invalid store URL %q", domain.ErrSourceUnavailable, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), exportListingPath)
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

type exportStream struct {
	exporter *Exporter
	base     *url.URL
	maxPages int
	nextPage int
	emitted  int
	buffered []*domain.RawPage
	done     bool
}

// Next returns the next product page, fetching listing pages on demand.
func (s *exportStream) Next(ctx context.Context) (*domain.RawPage, error) {
	for len(s.buffered) == 0 {
		if s.done || (s.maxPages > 0 && s.emitted >= s.maxPages) {
			return nil, io.EOF
		}
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}

	page := s.buffered[0]
	s.buffered = s.buffered[1:]
	s.emitted++
	return page, nil
}

// Close is a no-op; requests are bound to the caller's context.
func (s *exportStream) Close() error {
	return nil
}

func (s *exportStream) fill(ctx context.Context) error {
	x := s.exporter
	listing := *s.base
	listing.Path += exportListingPath
	listing.RawQuery = url.Values{
		"limit": {strconv.Itoa(x.cfg.PageSize)},
		"page":  {strconv.Itoa(s.nextPage)},
	}.Encode()

	var products []shopifyProduct
	err := retry.Retry(ctx, retry.Config{
		MaxAttempts: x.cfg.MaxAttempts,
		IsRetryable: isRetryableFetch,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			x.log.Warn("Listing fetch failed, retrying",
				infralogger.String("url", listing.String()),
				infralogger.Int("attempt", attempt),
				infralogger.Duration("delay", delay),
				infralogger.Error(err),
			)
		},
	}, func() error {
		var fetchErr error
		products, fetchErr = x.fetchListing(ctx, listing.String())
		return fetchErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", domain.ErrSourceUnavailable, listing.String(), err)
	}

	x.log.Debug("Listing page fetched",
		infralogger.String("url", listing.String()),
		infralogger.Int("products", len(products)),
	)

	s.nextPage++
	if len(products) < x.cfg.PageSize {
		s.done = true
	}
	for i := range products {
		page, convErr := products[i].toPage(s.base)
		if convErr != nil {
			x.log.Warn("Skipping unreadable product",
				infralogger.String("handle", products[i].Handle),
				infralogger.Error(convErr),
			)
			continue
		}
		s.buffered = append(s.buffered, page)
	}
	return nil
}

func (x *Exporter) fetchListing(ctx context.Context, listingURL string) ([]shopifyProduct, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		return nil, httpErr
	}

	var body struct {
		Products []shopifyProduct `json:"products"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return body.Products, nil
}

func isRetryableFetch(err error) bool {
	if httpErr, ok := infraerrors.AsHTTPError(err); ok {
		return httpErr.IsTransient()
	}
	return retry.DefaultIsRetryable(err)
}

// shopifyTags decodes either a tag array or a comma-separated string.
type shopifyTags []string

func (t *shopifyTags) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		var tags []string
		for _, tag := range strings.Split(s, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
		*t = tags
		return nil
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*t = tags
	return nil
}

type shopifyVariant struct {
	Title          string  `json:"title"`
	Price          string  `json:"price"`
	CompareAtPrice *string `json:"compare_at_price"`
	SKU            *string `json:"sku"`
	Option1        *string `json:"option1"`
	Option2        *string `json:"option2"`
	Option3        *string `json:"option3"`
}

type shopifyImage struct {
	Src      string `json:"src"`
	Position int    `json:"position"`
}

type shopifyOption struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type shopifyProduct struct {
	Handle      string           `json:"handle"`
	Title       string           `json:"title"`
	BodyHTML    *string          `json:"body_html"`
	Vendor      *string          `json:"vendor"`
	ProductType *string          `json:"product_type"`
	Tags        shopifyTags      `json:"tags"`
	Options     []shopifyOption  `json:"options"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []shopifyImage   `json:"images"`
}

// toPage re-encodes the product in the fragment schema the extractor reads.
func (p *shopifyProduct) toPage(base *url.URL) (*domain.RawPage, error) {
	if p.Handle == "" {
		return nil, fmt.Errorf("product %q has no handle", p.Title)
	}

	type variant struct {
		Title          string  `json:"title"`
		Price          string  `json:"price"`
		CompareAtPrice *string `json:"compare_at_price"`
		SKU            *string `json:"sku"`
		Option1        *string `json:"option1"`
		Option2        *string `json:"option2"`
		Option3        *string `json:"option3"`
	}
	type image struct {
		Src      string `json:"src"`
		Position int    `json:"position"`
	}
	out := struct {
		Title       string          `json:"title"`
		BodyHTML    *string         `json:"body_html"`
		Vendor      *string         `json:"vendor"`
		ProductType *string         `json:"product_type"`
		Tags        []string        `json:"tags"`
		Options     []shopifyOption `json:"options"`
		Variants    []variant       `json:"variants"`
		Images      []image         `json:"images"`
	}{
		Title:       p.Title,
		BodyHTML:    p.BodyHTML,
		Vendor:      p.Vendor,
		ProductType: p.ProductType,
		Tags:        p.Tags,
		Options:     p.Options,
	}
	for _, v := range p.Variants {
		out.Variants = append(out.Variants, variant(v))
	}
	for _, img := range p.Images {
		out.Images = append(out.Images, image(img))
	}

	content, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode product %s: %w", p.Handle, err)
	}

	pageURL := *base
	pageURL.Path = "/products/" + p.Handle
	return &domain.RawPage{
		URL:     pageURL.String(),
		Content: string(content),
		Format:  domain.FormatProductJSON,
	}, nil
}

var _ Stream = (*exportStream)(nil)

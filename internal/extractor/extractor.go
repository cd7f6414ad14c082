// Package extractor turns classified product pages into validated fragments.
package extractor

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/modelclient"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxChars  = 8000
	defaultMaxTokens = 2000

	extractSystemPrompt = "You are a product data extraction expert. Extract structured product " +
		"information and return valid JSON only."
)

// unsupportedImageExt lists formats destinations refuse.
var unsupportedImageExt = map[string]bool{
	".svg":  true,
	".webp": true,
	".ico":  true,
	".gif":  true,
}

// Config bounds the extraction prompt.
type Config struct {
	MaxChars  int
	MaxTokens int
}

// Extractor builds fragments from pages, calling the model for anything
// that is not already structured.
type Extractor struct {
	model     modelclient.Completer
	validate  *validator.Validate
	cfg       Config
	telemetry *telemetry.Provider
	log       infralogger.Logger
}

// New creates an extractor. tp may be nil.
func New(cfg Config, model modelclient.Completer, tp *telemetry.Provider, log infralogger.Logger) *Extractor {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Extractor{
		model:     model,
		validate:  newValidator(),
		cfg:       cfg,
		telemetry: tp,
		log:       log,
	}
}

// Extract returns the fragment for page. Output that fails validation twice
// yields domain.ErrExtractionMalformed; capability failures are returned as is.
func (e *Extractor) Extract(ctx context.Context, page *domain.RawPage) (*domain.Fragment, error) {
	if page.Format == domain.FormatProductJSON {
		p, err := e.decodePayload(page.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrExtractionMalformed, page.URL, err)
		}
		return toFragment(p, page.URL), nil
	}

	reply, err := e.ask(ctx, extractPrompt(page, e.cfg.MaxChars))
	if err != nil {
		return nil, err
	}
	p, parseErr := e.decodePayload(reply)
	if parseErr == nil {
		return toFragment(p, page.URL), nil
	}

	e.log.Debug("Extraction output rejected, retrying",
		infralogger.String("url", page.URL),
		infralogger.Error(parseErr),
	)

	reply, err = e.ask(ctx, retryPrompt(page, e.cfg.MaxChars, parseErr))
	if err != nil {
		return nil, err
	}
	p, parseErr = e.decodePayload(reply)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrExtractionMalformed, page.URL, parseErr)
	}
	return toFragment(p, page.URL), nil
}

func (e *Extractor) ask(ctx context.Context, user string) (string, error) {
	start := time.Now()
	reply, err := e.model.Complete(ctx, modelclient.Prompt{
		System:    extractSystemPrompt,
		User:      user,
		MaxTokens: e.cfg.MaxTokens,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.telemetry.RecordModelCall("extract", outcome, time.Since(start))
	return reply, err
}

func extractPrompt(page *domain.RawPage, maxChars int) string {
	var b strings.Builder
	b.WriteString("Extract product information from this e-commerce page.\n\n")
	fmt.Fprintf(&b, "URL: %s\n\nContent:\n%s\n\n", page.URL, modelclient.Truncate(page.Content, maxChars))
	b.WriteString(schemaInstructions)
	return b.String()
}

func retryPrompt(page *domain.RawPage, maxChars int, cause error) string {
	return extractPrompt(page, maxChars) +
		"\n\nYour previous answer was rejected: " + cause.Error() +
		"\nReturn exactly one JSON object with only the fields above. Prices must be plain " +
		"decimal numbers without currency symbols. Do not wrap the object in prose."
}

const schemaInstructions = `Return a JSON object with this exact structure:
{
  "title": "Exact product name from the page",
  "body_html": "Product description in HTML",
  "vendor": "Brand or manufacturer",
  "product_type": "Category or type",
  "tags": ["tag"],
  "price": "29.99",
  "options": [{"name": "Size", "values": ["S", "M"]}],
  "variants": [
    {
      "title": "S",
      "price": "29.99",
      "compare_at_price": "39.99",
      "sku": "SKU-123",
      "option1": "S",
      "option2": null,
      "option3": null,
      "inventory_quantity": 10
    }
  ],
  "images": [{"src": "https://example.com/image.jpg", "position": 1}]
}

Rules:
1. Use the exact product title shown on the page.
2. List every variant with its own price when sizes, colors or other options exist.
3. Prices are decimal numbers without currency symbols.
4. Include the full URL of every product image.
5. Use null or [] for missing information.
6. Return only the JSON object.`

// toFragment applies price and image rules to a validated payload.
func toFragment(p *payload, pageURL string) *domain.Fragment {
	f := &domain.Fragment{
		SourceURL:   pageURL,
		Title:       p.Title,
		Description: nonBlank(p.Description),
		Vendor:      nonBlank(p.Vendor),
		ProductType: nonBlank(p.ProductType),
	}

	for _, tag := range p.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			f.Tags = append(f.Tags, tag)
		}
	}

	if p.Price.Valid {
		f.Price = decimal.NewNullDecimal(domain.RoundPrice(p.Price.Amount))
	}

	for _, o := range p.Options {
		opt := domain.ProductOption{Name: strings.TrimSpace(o.Name)}
		for _, v := range o.Values {
			opt.Values = append(opt.Values, strings.TrimSpace(v))
		}
		f.Options = append(f.Options, opt)
	}

	for i := range p.Variants {
		f.Variants = append(f.Variants, toVariant(&p.Variants[i]))
	}

	base, _ := url.Parse(pageURL)
	for _, img := range p.Images {
		if src, ok := resolveImage(base, img.Src); ok {
			f.Images = append(f.Images, src)
		}
	}
	return f
}

func toVariant(vp *variantPayload) domain.Variant {
	v := domain.Variant{
		Title:             vp.Title,
		Option1:           nonBlank(vp.Option1),
		Option2:           nonBlank(vp.Option2),
		Option3:           nonBlank(vp.Option3),
		Price:             domain.RoundPrice(vp.Price.Amount),
		SKU:               nonBlank(vp.SKU),
		InventoryQuantity: vp.InventoryQuantity,
	}
	if vp.CompareAtPrice.Valid {
		compareAt := domain.RoundPrice(vp.CompareAtPrice.Amount)
		if !compareAt.LessThan(v.Price) {
			v.CompareAtPrice = decimal.NewNullDecimal(compareAt)
		}
	}
	return v
}

// resolveImage makes src absolute against the page and filters out
// non-http(s) and unsupported formats.
func resolveImage(base *url.URL, src string) (string, bool) {
	ref, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if !domain.IsAbsoluteHTTPURL(ref.String()) {
		return "", false
	}
	if unsupportedImageExt[strings.ToLower(path.Ext(ref.Path))] {
		return "", false
	}
	return ref.String(), true
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

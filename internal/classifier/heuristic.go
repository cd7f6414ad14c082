// Package classifier decides whether a page is a product detail page. A
// lexical heuristic settles clear cases and escalates the rest to the model.
package classifier

import (
	"regexp"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

// Verdict is the outcome of the heuristic pass.
type Verdict int

const (
	// VerdictNotProduct means too few purchase signals.
	VerdictNotProduct Verdict = iota
	// VerdictProduct means enough purchase signals.
	VerdictProduct
	// VerdictAmbiguous means the model must decide.
	VerdictAmbiguous
)

func (v Verdict) String() string {
	switch v {
	case VerdictNotProduct:
		return "not_product"
	case VerdictProduct:
		return "product"
	case VerdictAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Purchase-affordance indicators. Each counts once per page.
var defaultIndicators = []string{
	"add to cart",
	"add to basket",
	"add to bag",
	"buy now",
	"purchase",
	"in stock",
	"out of stock",
	"price",
	"quantity",
	"size",
	"color",
	"colour",
	"variant",
	"sku",
	"$",
	"£",
	"€",
}

// Listing and non-product URL fragments. A match settles the page as not a product.
var defaultListingURLFragments = []string{
	"/category/",
	"/categories/",
	"/collection/",
	"/search",
	"/blog/",
	"/blogs/",
	"/cart",
	"/checkout",
	"/account",
}

// pricePattern matches a currency-formatted price such as "$19.99" or "19,99 €".
var pricePattern = regexp.MustCompile(`(?:[$£€]\s?\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d{2})?)|(?:\d+(?:[.,]\d{2})\s?(?:[$£€]|usd|eur|gbp|cad))`)

// HeuristicResult reports what the heuristic saw.
type HeuristicResult struct {
	Verdict    Verdict
	Signals    int
	Confidence float64
	Matched    []string
}

// Heuristic scores pages by counting distinct purchase signals.
type Heuristic struct {
	matcher       *ahocorasick.Matcher
	indicators    []string
	listingURLs   []string
	productAt     int
	rejectBelow   int
	maxConfidence float64
}

// HeuristicConfig tunes the thresholds.
type HeuristicConfig struct {
	// ProductThreshold is the signal count at or above which a page is a product.
	ProductThreshold int
	// RejectBelow is the signal count below which a page is not a product.
	RejectBelow int
	// MaxConfidence caps the heuristic confidence.
	MaxConfidence float64
}

// NewHeuristic builds the indicator automaton.
func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	if cfg.ProductThreshold <= 0 {
		cfg.ProductThreshold = 3
	}
	if cfg.RejectBelow <= 0 || cfg.RejectBelow > cfg.ProductThreshold {
		cfg.RejectBelow = cfg.ProductThreshold - 1
	}
	if cfg.MaxConfidence <= 0 || cfg.MaxConfidence > 1 {
		cfg.MaxConfidence = 0.95
	}

	return &Heuristic{
		matcher:       ahocorasick.NewStringMatcher(defaultIndicators),
		indicators:    defaultIndicators,
		listingURLs:   defaultListingURLFragments,
		productAt:     cfg.ProductThreshold,
		rejectBelow:   cfg.RejectBelow,
		maxConfidence: cfg.MaxConfidence,
	}
}

// Evaluate scores a page. Platform export pages are products by construction.
func (h *Heuristic) Evaluate(page *domain.RawPage) HeuristicResult {
	if page.Format == domain.FormatProductJSON {
		return HeuristicResult{Verdict: VerdictProduct, Confidence: 1}
	}

	lowerURL := strings.ToLower(page.URL)
	for _, fragment := range h.listingURLs {
		if strings.Contains(lowerURL, fragment) {
			return HeuristicResult{Verdict: VerdictNotProduct, Confidence: h.maxConfidence}
		}
	}

	content := strings.ToLower(page.Content)
	hits := h.matcher.MatchThreadSafe([]byte(content))

	matched := make([]string, 0, len(hits)+1)
	for _, idx := range hits {
		if idx < len(h.indicators) {
			matched = append(matched, h.indicators[idx])
		}
	}
	if pricePattern.MatchString(content) {
		matched = append(matched, "formatted price")
	}

	signals := len(matched)
	res := HeuristicResult{Signals: signals, Matched: matched}

	switch {
	case signals >= h.productAt:
		res.Verdict = VerdictProduct
		res.Confidence = h.scale(signals - h.productAt + 1)
	case signals < h.rejectBelow:
		res.Verdict = VerdictNotProduct
		res.Confidence = h.scale(h.rejectBelow - signals)
	default:
		res.Verdict = VerdictAmbiguous
		res.Confidence = 0.5
	}
	return res
}

// scale maps a margin past a threshold to a confidence in (0.5, max].
func (h *Heuristic) scale(margin int) float64 {
	c := 0.5 + 0.15*float64(margin)
	if c > h.maxConfidence {
		return h.maxConfidence
	}
	return c
}

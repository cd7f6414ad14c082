package normalizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

// DiagnosticDuplicateVariant is the kind of a discarded duplicate variant.
const DiagnosticDuplicateVariant = "duplicate_variant_discarded"

const (
	maxOptions      = 3
	titleOptionName = "Title"
)

// Diagnostic is a non-fatal finding produced while merging.
type Diagnostic struct {
	Kind      string
	ProductID string
	SourceURL string
	Tuple     domain.OptionTuple
	Err       error
}

type group struct {
	product       *domain.CanonicalProduct
	tuples        map[domain.OptionTuple]bool
	images        map[string]bool
	tags          map[string]bool
	usedTitleOpt  bool
	fallbackPrice decimal.NullDecimal
}

// Accumulator merges the fragments of one job. It is safe for concurrent
// use by the page workers.
type Accumulator struct {
	jobID              string
	sourceURL          string
	mergeAcrossSources bool

	mu          sync.Mutex
	groups      map[string]*group
	order       []string
	diagnostics []Diagnostic
}

// NewAccumulator creates an accumulator for a job reading sourceURL.
func NewAccumulator(jobID, sourceURL string, mergeAcrossSources bool) *Accumulator {
	return &Accumulator{
		jobID:              jobID,
		sourceURL:          sourceURL,
		mergeAcrossSources: mergeAcrossSources,
		groups:             make(map[string]*group),
	}
}

// Add merges f into its group and returns the diagnostics it caused.
func (a *Accumulator) Add(f *domain.Fragment) []Diagnostic {
	if f == nil || strings.TrimSpace(f.Title) == "" {
		return nil
	}

	vendor := ""
	if f.Vendor != nil {
		vendor = *f.Vendor
	}
	key := GroupingKey(f.Title, vendor, a.sourceURL, a.mergeAcrossSources)

	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[key]
	if !ok {
		g = a.newGroup(key, f)
		a.groups[key] = g
		a.order = append(a.order, key)
	}

	mergeScalars(g.product, f)
	g.mergeOptions(f.Options)
	g.mergeTags(f.Tags)
	g.mergeImages(f.Images)
	if !g.fallbackPrice.Valid && f.Price.Valid {
		g.fallbackPrice = decimal.NewNullDecimal(domain.RoundPrice(f.Price.Decimal))
	}

	diags := g.mergeVariants(f)
	a.diagnostics = append(a.diagnostics, diags...)
	return diags
}

func (a *Accumulator) newGroup(key string, f *domain.Fragment) *group {
	return &group{
		product: &domain.CanonicalProduct{
			ID:          ProductID(key),
			JobID:       a.jobID,
			GroupingKey: key,
			SourceURL:   f.SourceURL,
			Title:       strings.TrimSpace(f.Title),
			Tags:        []string{},
		},
		tuples: make(map[domain.OptionTuple]bool),
		images: make(map[string]bool),
		tags:   make(map[string]bool),
	}
}

// mergeScalars keeps the first present value of each optional field.
func mergeScalars(p *domain.CanonicalProduct, f *domain.Fragment) {
	if p.Description == nil && present(f.Description) {
		p.Description = f.Description
	}
	if p.Vendor == nil && present(f.Vendor) {
		p.Vendor = f.Vendor
	}
	if p.ProductType == nil && present(f.ProductType) {
		p.ProductType = f.ProductType
	}
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func (g *group) mergeOptions(options []domain.ProductOption) {
	for _, opt := range options {
		name := strings.TrimSpace(opt.Name)
		if name == "" || len(g.product.Options) >= maxOptions || containsFold(g.product.Options, name) {
			continue
		}
		g.product.Options = append(g.product.Options, name)
	}
}

func (g *group) mergeTags(tags []string) {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		folded := strings.ToLower(tag)
		if tag == "" || g.tags[folded] {
			continue
		}
		g.tags[folded] = true
		g.product.Tags = append(g.product.Tags, tag)
	}
}

func (g *group) mergeImages(srcs []string) {
	for _, src := range srcs {
		src = strings.TrimSpace(src)
		if src == "" || g.images[src] || !domain.IsAbsoluteHTTPURL(src) {
			continue
		}
		g.images[src] = true
		g.product.Images = append(g.product.Images, domain.Image{
			Src:      src,
			Position: len(g.product.Images) + 1,
		})
	}
}

func (g *group) mergeVariants(f *domain.Fragment) []Diagnostic {
	var diags []Diagnostic

	for i := range f.Variants {
		v := normalizeVariant(f.Variants[i])
		if !v.HasOptions() && strings.TrimSpace(v.Title) != "" {
			title := strings.TrimSpace(v.Title)
			v.Option1 = &title
			g.usedTitleOpt = true
		}

		tuple := v.OptionTuple()
		if g.tuples[tuple] {
			diags = append(diags, Diagnostic{
				Kind:      DiagnosticDuplicateVariant,
				ProductID: g.product.ID,
				SourceURL: f.SourceURL,
				Tuple:     tuple,
				Err:       fmt.Errorf("%w: options %q", domain.ErrDuplicateVariant, tupleLabel(tuple)),
			})
			continue
		}
		g.tuples[tuple] = true
		g.product.Variants = append(g.product.Variants, v)
	}

	return diags
}

func normalizeVariant(v domain.Variant) domain.Variant {
	v.Title = strings.TrimSpace(v.Title)
	v.Option1 = trimmedOrNil(v.Option1)
	v.Option2 = trimmedOrNil(v.Option2)
	v.Option3 = trimmedOrNil(v.Option3)
	v.Price = domain.RoundPrice(v.Price)
	if v.CompareAtPrice.Valid {
		compareAt := domain.RoundPrice(v.CompareAtPrice.Decimal)
		if compareAt.LessThan(v.Price) {
			v.CompareAtPrice = decimal.NullDecimal{}
		} else {
			v.CompareAtPrice = decimal.NewNullDecimal(compareAt)
		}
	}
	if v.Title == "" {
		v.Title = strings.Join(nonEmpty(v.OptionTuple()), " / ")
	}
	return v
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func nonEmpty(t domain.OptionTuple) []string {
	out := make([]string, 0, len(t))
	for _, v := range t {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func tupleLabel(t domain.OptionTuple) string {
	return strings.Join(nonEmpty(t), " / ")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Products returns the canonical products in first-seen order. Groups
// without any variant get a synthetic default variant priced from the
// first top-level price seen, or zero.
func (a *Accumulator) Products() []*domain.CanonicalProduct {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*domain.CanonicalProduct, 0, len(a.order))
	for _, key := range a.order {
		g := a.groups[key]
		p := cloneProduct(g.product)

		titleOption := g.usedTitleOpt
		if len(p.Variants) == 0 {
			p.Variants = []domain.Variant{defaultVariant(g.fallbackPrice)}
			titleOption = true
		}
		if len(p.Options) == 0 && titleOption {
			p.Options = []string{titleOptionName}
		}
		out = append(out, p)
	}
	return out
}

// Diagnostics returns every diagnostic recorded so far.
func (a *Accumulator) Diagnostics() []Diagnostic {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Diagnostic(nil), a.diagnostics...)
}

// Len returns the number of canonical products.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func defaultVariant(price decimal.NullDecimal) domain.Variant {
	title := domain.DefaultVariantTitle
	v := domain.Variant{Title: title, Option1: &title, Price: decimal.Zero}
	if price.Valid && !price.Decimal.IsNegative() {
		v.Price = price.Decimal
	}
	return v
}

func cloneProduct(p *domain.CanonicalProduct) *domain.CanonicalProduct {
	cp := *p
	cp.Tags = append([]string{}, p.Tags...)
	cp.Options = append([]string(nil), p.Options...)
	cp.Variants = append([]domain.Variant(nil), p.Variants...)
	cp.Images = append([]domain.Image(nil), p.Images...)
	return &cp
}

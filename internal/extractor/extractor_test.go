package extractor_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/extractor"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/modelclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mugJSON = `{
	"title": "  Trail Mug ",
	"body_html": "<p>Enamel mug</p>",
	"vendor": "Camp Co",
	"product_type": "Mugs",
	"tags": ["camping", " outdoor "],
	"options": [{"name": "Size", "values": ["S", "L"]}],
	"variants": [
		{"title": "S", "price": "12.999", "compare_at_price": 15, "option1": "S", "inventory_quantity": 4},
		{"title": "L", "price": 14.5, "compare_at_price": "9.00", "option1": "L", "sku": "MUG-L"}
	],
	"images": [
		{"src": "/img/mug.jpg", "position": 1},
		"https://cdn.shop.test/mug-back.png",
		"https://cdn.shop.test/logo.svg",
		"data:image/png;base64,AAAA"
	]
}`

// scripted returns replies in order and records the prompts it saw.
type scripted struct {
	replies []string
	errs    []error
	prompts []modelclient.Prompt
}

func (s *scripted) Complete(_ context.Context, p modelclient.Prompt) (string, error) {
	i := len(s.prompts)
	s.prompts = append(s.prompts, p)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], err
	}
	return "", err
}

func newExtractor(model modelclient.Completer) *extractor.Extractor {
	return extractor.New(extractor.Config{}, model, nil, infralogger.NewNop())
}

func markdownPage(content string) *domain.RawPage {
	return &domain.RawPage{
		URL:     "https://shop.test/products/trail-mug",
		Content: content,
		Format:  domain.FormatMarkdown,
	}
}

func TestExtract_ValidReply(t *testing.T) {
	t.Parallel()

	model := &scripted{replies: []string{"Here you go:\n```json\n" + mugJSON + "\n```"}}
	f, err := newExtractor(model).Extract(context.Background(), markdownPage("Trail Mug $12.99"))
	require.NoError(t, err)

	assert.Len(t, model.prompts, 1)
	assert.Equal(t, "Trail Mug", f.Title)
	assert.Equal(t, "https://shop.test/products/trail-mug", f.SourceURL)
	require.NotNil(t, f.Vendor)
	assert.Equal(t, "Camp Co", *f.Vendor)
	assert.Equal(t, []string{"camping", "outdoor"}, f.Tags)

	require.Len(t, f.Variants, 2)
	assert.Equal(t, "13.00", f.Variants[0].Price.StringFixed(2))
	assert.True(t, f.Variants[0].CompareAtPrice.Valid)
	assert.Equal(t, "15.00", f.Variants[0].CompareAtPrice.Decimal.StringFixed(2))
	assert.Equal(t, "14.50", f.Variants[1].Price.StringFixed(2))
	assert.False(t, f.Variants[1].CompareAtPrice.Valid, "compare-at below price is dropped")

	assert.Equal(t, []string{
		"https://shop.test/img/mug.jpg",
		"https://cdn.shop.test/mug-back.png",
	}, f.Images)
}

func TestExtract_RetriesOnceWithStricterPrompt(t *testing.T) {
	t.Parallel()

	model := &scripted{replies: []string{`{"title": "Trail Mug", "variants": [{"price": "£12"}]}`, mugJSON}}
	f, err := newExtractor(model).Extract(context.Background(), markdownPage("Trail Mug"))
	require.NoError(t, err)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1].User, "previous answer was rejected")
	assert.Equal(t, "Trail Mug", f.Title)
}

func TestExtract_MalformedTwice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
	}{
		{"no json", "I could not find a product."},
		{"missing title", `{"variants": []}`},
		{"navigation title", `{"title": "Added to Cart"}`},
		{"unknown field", `{"title": "Trail Mug", "handle": "trail-mug"}`},
		{"negative price", `{"title": "Trail Mug", "variants": [{"price": -1}]}`},
		{"fractional quantity", `{"title": "Trail Mug", "variants": [{"price": 1, "inventory_quantity": 1.5}]}`},
		{"variant without price", `{"title": "Trail Mug", "variants": [{"title": "S"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			model := &scripted{replies: []string{tt.reply, tt.reply}}
			_, err := newExtractor(model).Extract(context.Background(), markdownPage("x"))
			require.ErrorIs(t, err, domain.ErrExtractionMalformed)
			assert.Len(t, model.prompts, 2)
		})
	}
}

func TestExtract_CapabilityErrorPassesThrough(t *testing.T) {
	t.Parallel()

	model := &scripted{errs: []error{domain.ErrCapabilityTimeout}}
	_, err := newExtractor(model).Extract(context.Background(), markdownPage("x"))

	require.ErrorIs(t, err, domain.ErrCapabilityTimeout)
	assert.False(t, errors.Is(err, domain.ErrExtractionMalformed))
	assert.Len(t, model.prompts, 1)
}

func TestExtract_ProductJSONSkipsModel(t *testing.T) {
	t.Parallel()

	model := &scripted{}
	page := &domain.RawPage{
		URL:     "https://shop.test/products/trail-mug",
		Content: mugJSON,
		Format:  domain.FormatProductJSON,
	}

	f, err := newExtractor(model).Extract(context.Background(), page)
	require.NoError(t, err)
	assert.Empty(t, model.prompts)
	assert.Len(t, f.Variants, 2)
}

func TestExtract_TruncatesContent(t *testing.T) {
	t.Parallel()

	model := &scripted{replies: []string{mugJSON}}
	ex := extractor.New(extractor.Config{MaxChars: 10}, model, nil, infralogger.NewNop())

	_, err := ex.Extract(context.Background(), markdownPage(strings.Repeat("a", 50)))
	require.NoError(t, err)
	assert.Contains(t, model.prompts[0].User, strings.Repeat("a", 10)+"\n")
	assert.NotContains(t, model.prompts[0].User, strings.Repeat("a", 11))
}

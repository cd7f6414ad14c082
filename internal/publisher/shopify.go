package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	infraerrors "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/errors"
	infrahttp "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/http"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const (
	defaultAPIVersion       = "2025-01"
	defaultVariantBatchSize = 50
	maxVariantBatchSize     = 250
	defaultThrottleBackoff  = time.Second
	maxResponseBytes        = 4 << 20
	shopifyStateLimit       = 250
	defaultOptionName       = "Title"
	accessTokenHeader       = "X-Shopify-Access-Token"
)

// Top-level GraphQL error codes.
const (
	gqlThrottled     = "THROTTLED"
	gqlAccessDenied  = "ACCESS_DENIED"
	gqlInternalError = "INTERNAL_SERVER_ERROR"
	gqlShopInactive  = "SHOP_INACTIVE"
)

// productVariantsBulkCreate strategies.
const (
	bulkStrategyClean = "REMOVE_STANDALONE_VARIANT"
	bulkStrategyKeep  = "DEFAULT"
)

const productCreateMutation = `mutation productCreate($product: ProductCreateInput!) {
  productCreate(product: $product) {
    product { id }
    userErrors { field message }
  }
}`

const variantsBulkCreateMutation = `mutation productVariantsBulkCreate($productId: ID!, $variants: [ProductVariantsBulkInput!]!, $strategy: ProductVariantsBulkCreateStrategy) {
  productVariantsBulkCreate(productId: $productId, variants: $variants, strategy: $strategy) {
    productVariants { id }
    userErrors { field message }
  }
}`

const createMediaMutation = `mutation productCreateMedia($productId: ID!, $media: [CreateMediaInput!]!) {
  productCreateMedia(productId: $productId, media: $media) {
    media { id }
    mediaUserErrors { field message }
  }
}`

const productStateQuery = `query productState($id: ID!) {
  product(id: $id) {
    variants(first: 250) { nodes { selectedOptions { name value } } }
    media(first: 250) { nodes { id } }
  }
}`

// ShopifyConfig configures a Shopify Admin GraphQL destination.
type ShopifyConfig struct {
	Name string
	// ShopDomain is the myshopify host. A value with a scheme is used as
	// the base URL as is.
	ShopDomain       string
	AccessToken      string //nolint:gosec // G117: destination credentials
	APIVersion       string
	RequestTimeout   time.Duration
	VariantBatchSize int
	UserAgent        string
}

// Shopify publishes products through the Shopify Admin GraphQL API.
type Shopify struct {
	cfg      ShopifyConfig
	endpoint string
	client   *http.Client
	caller   Caller
	log      infralogger.Logger
}

// NewShopify creates a Shopify destination. Every API request goes
// through caller.
func NewShopify(cfg ShopifyConfig, caller Caller, log infralogger.Logger) (*Shopify, error) {
	if cfg.Name == "" {
		return nil, errors.New("shopify destination name is required")
	}
	if cfg.ShopDomain == "" {
		return nil, fmt.Errorf("shopify destination %s: shop domain is required", cfg.Name)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("shopify destination %s: access token is required", cfg.Name)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.VariantBatchSize <= 0 {
		cfg.VariantBatchSize = defaultVariantBatchSize
	}
	cfg.VariantBatchSize = min(cfg.VariantBatchSize, maxVariantBatchSize)

	base := strings.TrimRight(cfg.ShopDomain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	return &Shopify{
		cfg:      cfg,
		endpoint: fmt.Sprintf("%s/admin/api/%s/graphql.json", base, cfg.APIVersion),
		client: infrahttp.NewClient(&infrahttp.ClientConfig{
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
			Headers: map[string]string{
				accessTokenHeader: cfg.AccessToken,
				"Content-Type":    "application/json",
			},
		}),
		caller: caller,
		log:    log,
	}, nil
}

// Name returns the destination name.
func (s *Shopify) Name() string {
	return s.cfg.Name
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// CreateProduct creates the product with its option names and values and
// returns the product GID.
func (s *Shopify) CreateProduct(ctx context.Context, p *domain.CanonicalProduct) (string, error) {
	input := map[string]any{
		"title":          p.Title,
		"tags":           nonNilTags(p.Tags),
		"productOptions": productOptions(p),
	}
	if p.Description != nil {
		input["descriptionHtml"] = *p.Description
	}
	if p.Vendor != nil {
		input["vendor"] = *p.Vendor
	}
	if p.ProductType != nil {
		input["productType"] = *p.ProductType
	}

	var out struct {
		ProductCreate struct {
			Product *struct {
				ID string `json:"id"`
			} `json:"product"`
			UserErrors []userError `json:"userErrors"`
		} `json:"productCreate"`
	}
	err := s.caller.Call(ctx, domain.StepCreate, func(ctx context.Context) error {
		return s.graphql(ctx, productCreateMutation, map[string]any{"product": input}, &out)
	})
	if err != nil {
		return "", err
	}
	if err = rejected(out.ProductCreate.UserErrors); err != nil {
		return "", err
	}
	if out.ProductCreate.Product == nil {
		return "", fmt.Errorf("%w: productCreate returned no product", domain.ErrPublishValidationRejected)
	}
	return out.ProductCreate.Product.ID, nil
}

type productState struct {
	Product *struct {
		Variants struct {
			Nodes []struct {
				SelectedOptions []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"selectedOptions"`
			} `json:"nodes"`
		} `json:"variants"`
		Media struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"media"`
	} `json:"product"`
}

func (s *Shopify) state(ctx context.Context, step domain.PublishStep, remoteID string) (*productState, error) {
	var out productState
	err := s.caller.Call(ctx, step, func(ctx context.Context) error {
		return s.graphql(ctx, productStateQuery, map[string]any{"id": remoteID}, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.Product == nil {
		return nil, fmt.Errorf("%w: product %s not found", domain.ErrPublishValidationRejected, remoteID)
	}
	return &out, nil
}

// AttachVariants creates the product's variants in batches. productCreate
// leaves a single standalone variant, which the first batch replaces. When
// earlier batches already landed, only the missing variants are sent.
func (s *Shopify) AttachVariants(ctx context.Context, remoteID string, p *domain.CanonicalProduct) error {
	st, err := s.state(ctx, domain.StepAttachVariants, remoteID)
	if err != nil {
		return err
	}

	names := optionNames(p)
	pending := p.Variants
	strategy := bulkStrategyClean
	if existing := st.Product.Variants.Nodes; len(existing) > 1 {
		have := make(map[string]bool, len(existing))
		for _, node := range existing {
			var tuple domain.OptionTuple
			for _, opt := range node.SelectedOptions {
				for j, name := range names {
					if j < len(tuple) && name == opt.Name {
						tuple[j] = opt.Value
					}
				}
			}
			have[tuple.Key()] = true
		}
		pending = make([]domain.Variant, 0, len(p.Variants))
		for i := range p.Variants {
			if !have[variantValues(&p.Variants[i], len(names)).Key()] {
				pending = append(pending, p.Variants[i])
			}
		}
		strategy = bulkStrategyKeep
	}

	for start := 0; start < len(pending); start += s.cfg.VariantBatchSize {
		batch := pending[start:min(start+s.cfg.VariantBatchSize, len(pending))]
		inputs := make([]map[string]any, 0, len(batch))
		for i := range batch {
			inputs = append(inputs, variantInput(&batch[i], names))
		}

		vars := map[string]any{"productId": remoteID, "variants": inputs, "strategy": strategy}
		var out struct {
			Bulk struct {
				UserErrors []userError `json:"userErrors"`
			} `json:"productVariantsBulkCreate"`
		}
		err = s.caller.Call(ctx, domain.StepAttachVariants, func(ctx context.Context) error {
			return s.graphql(ctx, variantsBulkCreateMutation, vars, &out)
		})
		if err != nil {
			return err
		}
		if err = rejected(out.Bulk.UserErrors); err != nil {
			return err
		}
		strategy = bulkStrategyKeep
	}
	return nil
}

// AttachImages attaches images in position order, skipping as many as the
// product already has.
func (s *Shopify) AttachImages(ctx context.Context, remoteID string, p *domain.CanonicalProduct) error {
	if len(p.Images) == 0 {
		return nil
	}
	st, err := s.state(ctx, domain.StepAttachImages, remoteID)
	if err != nil {
		return err
	}
	attached := len(st.Product.Media.Nodes)
	if attached >= len(p.Images) {
		return nil
	}

	media := make([]map[string]any, 0, len(p.Images)-attached)
	for _, img := range p.Images[attached:] {
		m := map[string]any{"originalSource": img.Src, "mediaContentType": "IMAGE"}
		if img.Alt != nil {
			m["alt"] = *img.Alt
		}
		media = append(media, m)
	}

	var out struct {
		CreateMedia struct {
			MediaUserErrors []userError `json:"mediaUserErrors"`
		} `json:"productCreateMedia"`
	}
	err = s.caller.Call(ctx, domain.StepAttachImages, func(ctx context.Context) error {
		return s.graphql(ctx, createMediaMutation, map[string]any{"productId": remoteID, "media": media}, &out)
	})
	if err != nil {
		return err
	}
	return rejected(out.CreateMedia.MediaUserErrors)
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// graphql performs one request and maps failures onto the publish error
// kinds: auth, transient or validation.
func (s *Shopify) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrPublishTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if httpErr := infraerrors.ParseHTTPError(resp); httpErr != nil {
		return classifyHTTPError(resp, httpErr)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrPublishTransient, err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err = json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrPublishTransient, err)
	}
	if len(envelope.Errors) > 0 {
		return classifyGraphQLErrors(envelope.Errors)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: empty response data", domain.ErrPublishTransient)
	}
	if err = json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode response data: %v", domain.ErrPublishValidationRejected, err)
	}
	return nil
}

func classifyHTTPError(resp *http.Response, err error) error {
	httpErr, _ := infraerrors.AsHTTPError(err)
	switch {
	case httpErr == nil:
		return fmt.Errorf("%w: %v", domain.ErrPublishTransient, err)
	case httpErr.IsAuth():
		return fmt.Errorf("%w: %v", domain.ErrPublishAuth, httpErr)
	case httpErr.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%w: %v", domain.ErrPublishTransient, httpErr),
		}
	case httpErr.IsTransient():
		return fmt.Errorf("%w: %v", domain.ErrPublishTransient, httpErr)
	default:
		return fmt.Errorf("%w: %v", domain.ErrPublishValidationRejected, httpErr)
	}
}

func classifyGraphQLErrors(errs []gqlError) error {
	messages := make([]string, 0, len(errs))
	kind := domain.ErrPublishValidationRejected
	throttled := false
	for _, e := range errs {
		messages = append(messages, e.Message)
		switch e.Extensions.Code {
		case gqlThrottled:
			throttled = true
			kind = domain.ErrPublishTransient
		case gqlAccessDenied, gqlShopInactive:
			return fmt.Errorf("%w: %s", domain.ErrPublishAuth, e.Message)
		case gqlInternalError:
			kind = domain.ErrPublishTransient
		}
	}

	err := fmt.Errorf("%w: %s", kind, strings.Join(messages, "; "))
	if throttled {
		return &ThrottledError{RetryAfter: defaultThrottleBackoff, Err: err}
	}
	return err
}

func rejected(userErrors []userError) error {
	if len(userErrors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(userErrors))
	for _, ue := range userErrors {
		if len(ue.Field) > 0 {
			parts = append(parts, strings.Join(ue.Field, ".")+": "+ue.Message)
			continue
		}
		parts = append(parts, ue.Message)
	}
	return fmt.Errorf("%w: %s", domain.ErrPublishValidationRejected, strings.Join(parts, "; "))
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return defaultThrottleBackoff
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultThrottleBackoff
}

// optionNames returns one name per option slot in use.
func optionNames(p *domain.CanonicalProduct) []string {
	slots := 1
	for i := range p.Variants {
		t := p.Variants[i].OptionTuple()
		for j := len(t) - 1; j >= 0; j-- {
			if t[j] != "" {
				slots = max(slots, j+1)
				break
			}
		}
	}

	names := make([]string, 0, slots)
	for i := range slots {
		switch {
		case i < len(p.Options) && strings.TrimSpace(p.Options[i]) != "":
			names = append(names, strings.TrimSpace(p.Options[i]))
		case i == 0:
			names = append(names, defaultOptionName)
		default:
			names = append(names, "Option "+strconv.Itoa(i+1))
		}
	}
	return names
}

// variantValues returns the variant's option values for n slots, with
// blanks filled so every slot has a value.
func variantValues(v *domain.Variant, n int) domain.OptionTuple {
	t := v.OptionTuple()
	for i := range n {
		if t[i] == "" {
			t[i] = domain.DefaultVariantTitle
		}
	}
	return t
}

func productOptions(p *domain.CanonicalProduct) []map[string]any {
	names := optionNames(p)
	options := make([]map[string]any, 0, len(names))
	for slot, name := range names {
		seen := make(map[string]bool)
		values := make([]map[string]string, 0)
		for i := range p.Variants {
			value := variantValues(&p.Variants[i], len(names))[slot]
			if seen[value] {
				continue
			}
			seen[value] = true
			values = append(values, map[string]string{"name": value})
		}
		options = append(options, map[string]any{"name": name, "values": values})
	}
	return options
}

func variantInput(v *domain.Variant, names []string) map[string]any {
	values := variantValues(v, len(names))
	optionValues := make([]map[string]string, 0, len(names))
	for i, name := range names {
		optionValues = append(optionValues, map[string]string{"optionName": name, "name": values[i]})
	}

	input := map[string]any{
		"price":        v.Price.StringFixed(domain.PriceScale),
		"optionValues": optionValues,
	}
	if v.CompareAtPrice.Valid {
		input["compareAtPrice"] = v.CompareAtPrice.Decimal.StringFixed(domain.PriceScale)
	}
	if v.SKU != nil && *v.SKU != "" {
		input["inventoryItem"] = map[string]any{"sku": *v.SKU}
	}
	return input
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

var _ Destination = (*Shopify)(nil)

package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/modelclient"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
)

// Strategy names the stage that produced a decision.
type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategyModel     Strategy = "model"
	StrategyCache     Strategy = "cache"
	StrategyFallback  Strategy = "fallback"
)

const (
	classifySystemPrompt = "You are a product page detector. Respond with only 'YES' if the page is a " +
		"product detail page (single product for sale), or 'NO' if it's a category/collection/listing " +
		"page or non-product page."
	modelConfidence = 0.9
)

// Decision is the classifier output.
type Decision struct {
	IsProduct  bool     `json:"is_product"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`
}

// Config configures the cascade.
type Config struct {
	Heuristic          HeuristicConfig
	ClassifyMaxChars   int
	MaxTokens          int
	FallbackConfidence float64
}

// Classifier runs the heuristic and escalates ambiguous pages to the model.
type Classifier struct {
	heuristic *Heuristic
	model     modelclient.Completer
	cache     Cache
	cfg       Config
	telemetry *telemetry.Provider
	log       infralogger.Logger
}

// New creates a classifier. cache and tp may be nil.
func New(cfg Config, model modelclient.Completer, cache Cache, tp *telemetry.Provider, log infralogger.Logger) *Classifier {
	if cfg.ClassifyMaxChars <= 0 {
		cfg.ClassifyMaxChars = 2000
	}
	if cfg.FallbackConfidence <= 0 {
		cfg.FallbackConfidence = 0.5
	}

	return &Classifier{
		heuristic: NewHeuristic(cfg.Heuristic),
		model:     model,
		cache:     cache,
		cfg:       cfg,
		telemetry: tp,
		log:       log,
	}
}

// Classify decides whether page is a product detail page. It never fails
// because of the model: a model failure on an ambiguous page yields a
// low-confidence positive, since the page showed purchase signals.
func (c *Classifier) Classify(ctx context.Context, page *domain.RawPage) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	h := c.heuristic.Evaluate(page)
	if h.Verdict != VerdictAmbiguous {
		d := Decision{IsProduct: h.Verdict == VerdictProduct, Confidence: h.Confidence, Strategy: StrategyHeuristic}
		c.telemetry.RecordClassification(string(d.Strategy), d.IsProduct)
		return d, nil
	}

	if c.cache != nil {
		if d, ok := c.cache.Get(ctx, page.URL, page.Content); ok {
			c.telemetry.RecordCacheLookup("hit")
			c.telemetry.RecordClassification(string(d.Strategy), d.IsProduct)
			return d, nil
		}
		c.telemetry.RecordCacheLookup("miss")
	}

	d, err := c.askModel(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		c.log.Warn("Model classification failed, treating page as product",
			infralogger.String("url", page.URL),
			infralogger.Int("signals", h.Signals),
			infralogger.Error(err),
		)
		d = Decision{IsProduct: true, Confidence: c.cfg.FallbackConfidence, Strategy: StrategyFallback}
		c.telemetry.RecordClassification(string(d.Strategy), d.IsProduct)
		return d, nil
	}

	if c.cache != nil {
		c.cache.Put(ctx, page.URL, page.Content, d)
	}
	c.telemetry.RecordClassification(string(d.Strategy), d.IsProduct)
	return d, nil
}

func (c *Classifier) askModel(ctx context.Context, page *domain.RawPage) (Decision, error) {
	start := time.Now()
	reply, err := c.model.Complete(ctx, modelclient.Prompt{
		System: classifySystemPrompt,
		User: fmt.Sprintf("URL: %s\n\nContent:\n%s\n\nIs this a product detail page?",
			page.URL, modelclient.Truncate(page.Content, c.cfg.ClassifyMaxChars)),
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		c.telemetry.RecordModelCall("classify", "error", time.Since(start))
		return Decision{}, err
	}
	c.telemetry.RecordModelCall("classify", "ok", time.Since(start))

	answer := strings.ToUpper(strings.TrimSpace(reply))
	return Decision{
		IsProduct:  strings.HasPrefix(answer, "YES"),
		Confidence: modelConfidence,
		Strategy:   StrategyModel,
	}, nil
}

// Package modelclient calls the language model that classifies ambiguous
// pages and extracts product fragments.
package modelclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/circuitbreaker"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 1024
	// statusOverloaded is returned by the API when it sheds load.
	statusOverloaded = 529
)

// Prompt is a single model request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int
}

// Completer returns the model's text reply to a prompt. Failures wrap
// domain.ErrCapabilityTimeout or domain.ErrCapabilityRejected.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Config configures the Anthropic client.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// Client implements Completer with the Anthropic Messages API.
type Client struct {
	api     anthropic.Client
	model   string
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	log     infralogger.Logger
}

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("model api key is required")

// New creates a client. SDK retries are disabled; callers own retry policy.
func New(cfg Config, log infralogger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &Client{
		api:     anthropic.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log,
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerOpenFor,
		ShouldTrip: func(err error) bool {
			return errors.Is(err, domain.ErrCapabilityTimeout)
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn("Model circuit breaker state changed",
				infralogger.String("from", from.String()),
				infralogger.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// Complete sends p and returns the concatenated text blocks of the reply.
func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	var reply string
	err := c.breaker.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		msg, callErr := c.api.Messages.New(callCtx, params)
		if callErr != nil {
			return classify(callErr)
		}

		var b strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		reply = b.String()
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %w", domain.ErrCapabilityTimeout, err)
		}
		return "", err
	}

	return reply, nil
}

// classify maps SDK and transport errors onto the capability taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrCapabilityTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusRequestTimeout,
			code == http.StatusTooManyRequests,
			code == statusOverloaded,
			code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: status %d: %w", domain.ErrCapabilityTimeout, code, err)
		default:
			return fmt.Errorf("%w: status %d: %w", domain.ErrCapabilityRejected, code, err)
		}
	}

	// Transport failures (DNS, refused, reset) behave like timeouts.
	return fmt.Errorf("%w: %w", domain.ErrCapabilityTimeout, err)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

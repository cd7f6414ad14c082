package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	colly "github.com/gocolly/colly/v2"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

// Crawler defaults
const (
	defaultMaxDepth       = 3
	defaultParallelism    = 2
	defaultRequestTimeout = 30 * time.Second
)

// CrawlerConfig configures the generic crawler.
type CrawlerConfig struct {
	MaxDepth        int
	Parallelism     int
	Delay           time.Duration
	RandomDelay     time.Duration
	RequestTimeout  time.Duration
	UserAgent       string
	IgnoreRobotsTxt bool
	// ExcludePatterns are URL regular expressions that are never fetched.
	ExcludePatterns []string
	// ListingPatterns are path regular expressions fetched for link
	// discovery but never emitted.
	ListingPatterns []string
}

// Crawler is a Provider that walks a site with colly.
type Crawler struct {
	cfg     CrawlerConfig
	exclude []*regexp.Regexp
	listing []*regexp.Regexp
	log     infralogger.Logger
}

// NewCrawler compiles the URL patterns and returns a crawler.
func NewCrawler(cfg CrawlerConfig, log infralogger.Logger) (*Crawler, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	exclude, err := compilePatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	listing, err := compilePatterns(cfg.ListingPatterns)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}

	return &Crawler{cfg: cfg, exclude: exclude, listing: listing, log: log}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Open starts crawling req.URL in the background.
func (c *Crawler) Open(ctx context.Context, req Request) (Stream, error) {
	root, err := url.Parse(req.URL)
	if err != nil || !domain.IsAbsoluteHTTPURL(req.URL) {
		return nil, fmt.Errorf("%w: invalid root URL %q", domain.ErrSourceUnavailable, req.URL)
	}

	crawlCtx, cancel := context.WithCancel(ctx)
	s := &crawlStream{
		pages:    make(chan *domain.RawPage),
		finished: make(chan struct{}),
		cancel:   cancel,
		maxPages: int64(req.MaxPages),
	}

	col := c.newCollector(crawlCtx, root)
	if limitErr := col.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		Delay:       c.cfg.Delay,
		RandomDelay: c.cfg.RandomDelay,
	}); limitErr != nil {
		cancel()
		return nil, fmt.Errorf("set crawl limits: %w", limitErr)
	}
	c.setupCallbacks(crawlCtx, col, s)

	go s.run(col, root.String(), c.log)

	c.log.Info("Crawl started",
		infralogger.String("url", root.String()),
		infralogger.Int("max_pages", req.MaxPages),
		infralogger.Int("max_depth", c.cfg.MaxDepth),
	)
	return s, nil
}

func (c *Crawler) newCollector(ctx context.Context, root *url.URL) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		// colly counts the root as depth 1.
		colly.MaxDepth(c.cfg.MaxDepth + 1),
		colly.Async(true),
		colly.AllowedDomains(root.Hostname()),
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(c.cfg.UserAgent))
	}
	if len(c.exclude) > 0 {
		opts = append(opts, colly.DisallowedURLFilters(c.exclude...))
	}

	col := colly.NewCollector(opts...)
	col.IgnoreRobotsTxt = c.cfg.IgnoreRobotsTxt
	col.SetRequestTimeout(c.cfg.RequestTimeout)
	return col
}

func (c *Crawler) setupCallbacks(ctx context.Context, col *colly.Collector, s *crawlStream) {
	col.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || s.full() {
			r.Abort()
		}
	})

	col.OnResponseHeaders(func(r *colly.Response) {
		contentType := strings.ToLower(r.Headers.Get("Content-Type"))
		if contentType != "" && !strings.Contains(contentType, "html") {
			r.Request.Abort()
		}
	})

	col.OnError(func(r *colly.Response, err error) {
		pageURL := r.Request.URL.String()
		if r.Request.Depth <= 1 {
			s.fail(rootError(pageURL, r.StatusCode, err))
			return
		}
		c.log.Debug("Page fetch failed",
			infralogger.String("url", pageURL),
			infralogger.Int("status", r.StatusCode),
			infralogger.Error(err),
		)
	})

	col.OnHTML("html", func(e *colly.HTMLElement) {
		if c.isListing(e.Request.URL) {
			c.log.Debug("Listing page not emitted", infralogger.String("url", e.Request.URL.String()))
			return
		}
		page := &domain.RawPage{
			URL:     e.Request.URL.String(),
			Content: renderMarkdown(e.DOM, e.Request.URL),
			Format:  domain.FormatMarkdown,
			Depth:   e.Request.Depth - 1,
		}
		s.emit(ctx, page)
	})

	col.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if ctx.Err() != nil || s.full() {
			return
		}
		link := e.Attr("href")
		if skipLink(link) {
			return
		}
		// Visit errors are already-visited, off-domain or too deep.
		_ = e.Request.Visit(link)
	})
}

func (c *Crawler) isListing(u *url.URL) bool {
	for _, re := range c.listing {
		if re.MatchString(u.Path) {
			return true
		}
	}
	return false
}

func skipLink(link string) bool {
	for _, prefix := range []string{"#", "javascript:", "mailto:", "tel:"} {
		if link == "" || strings.HasPrefix(link, prefix) {
			return true
		}
	}
	return false
}

func rootError(pageURL string, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: access denied (%d)", domain.ErrSourceUnavailable, pageURL, status)
	case 0:
		return fmt.Errorf("%w: %s: %w", domain.ErrSourceUnavailable, pageURL, err)
	default:
		return fmt.Errorf("%w: %s: status %d", domain.ErrSourceUnavailable, pageURL, status)
	}
}

type crawlStream struct {
	pages    chan *domain.RawPage
	finished chan struct{}
	cancel   context.CancelFunc
	maxPages int64
	emitted  atomic.Int64

	mu    sync.Mutex
	fatal error

	closeOnce sync.Once
}

func (s *crawlStream) run(col *colly.Collector, rootURL string, log infralogger.Logger) {
	defer close(s.finished)
	defer close(s.pages)

	if err := col.Visit(rootURL); err != nil {
		s.fail(fmt.Errorf("%w: %s: %w", domain.ErrSourceUnavailable, rootURL, err))
		return
	}
	col.Wait()

	log.Info("Crawl finished",
		infralogger.String("url", rootURL),
		infralogger.Int64("pages_emitted", min(s.emitted.Load(), s.limit())),
	)
}

func (s *crawlStream) limit() int64 {
	if s.maxPages <= 0 {
		return 1<<63 - 1
	}
	return s.maxPages
}

func (s *crawlStream) full() bool {
	return s.emitted.Load() >= s.limit()
}

func (s *crawlStream) emit(ctx context.Context, page *domain.RawPage) {
	if s.emitted.Add(1) > s.limit() {
		return
	}
	select {
	case s.pages <- page:
	case <-ctx.Done():
	}
}

func (s *crawlStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// Next returns the next crawled page.
func (s *crawlStream) Next(ctx context.Context) (*domain.RawPage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case page, ok := <-s.pages:
		if ok {
			return page, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return nil, s.fatal
	}
	return nil, io.EOF
}

// Close stops the crawl and waits for in-flight callbacks.
func (s *crawlStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.finished
	})
	return nil
}

var _ Stream = (*crawlStream)(nil)

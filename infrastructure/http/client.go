// Package http provides the shared outbound HTTP client.
package http

import (
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for a whole request.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies outbound requests.
	DefaultUserAgent = "product-ingest/1.0"

	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 10
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
)

// ClientConfig configures an HTTP client.
type ClientConfig struct {
	// Timeout limits the whole request, including reading the body.
	Timeout time.Duration

	// UserAgent is set on every request that does not carry one.
	UserAgent string

	// MaxIdleConnsPerHost controls keep-alive connections per host.
	MaxIdleConnsPerHost int

	// Headers are added to every request that does not already set them.
	Headers map[string]string
}

// NewClient creates an HTTP client with standardized transport settings.
// If cfg is nil, default values are used.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	perHost := cfg.MaxIdleConnsPerHost
	if perHost == 0 {
		perHost = defaultMaxIdleConnsPerHost
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			base:      transport,
			userAgent: userAgent,
			headers:   cfg.Headers,
		},
	}
}

// NewDefaultClient creates a new HTTP client with all default settings.
func NewDefaultClient() *http.Client {
	return NewClient(nil)
}

type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	headers   map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

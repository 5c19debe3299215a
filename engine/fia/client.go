// Package fia talks to the FIA document site: it locates the event-notes PDFs
// published for a Grand Prix and downloads them.
package fia

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/compound-finder/pkg/metrics"
)

// DefaultBaseURL is the origin of the FIA document site.
const DefaultBaseURL = "https://www.fia.com"

// BasicAuth holds credentials sent with every request.
type BasicAuth struct {
	Username string
	Password string
}

// Config controls how the client talks to the document site. Header, Timeout,
// Proxy and BasicAuth are passed through to every request unchanged.
type Config struct {
	BaseURL   string
	UserAgent string
	Header    http.Header
	Timeout   time.Duration
	Proxy     *url.URL
	BasicAuth *BasicAuth

	// MaxBodyBytes caps how much of a response body is read (0 = 50 MiB).
	MaxBodyBytes int64
	// RetryWait and RetryMaxWait set the backoff between document fetch attempts.
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// RateLimit is requests per second to the site (0 = unlimited).
	RateLimit float64
	Burst     int

	// HTTPClient replaces the client built from Timeout and Proxy.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Registry
}

// DefaultConfig returns the settings the CLI starts from.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		UserAgent:    "compound-finder/1.0",
		Timeout:      60 * time.Second,
		MaxBodyBytes: 50 << 20,
		RetryWait:    250 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
		RateLimit:    2,
		Burst:        2,
	}
}

// Client fetches event pages and documents from the FIA site.
type Client struct {
	cfg     Config
	base    string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	mRequests func(kind string) *metrics.Counter
	mLocated  *metrics.Counter
	mRetries  *metrics.Counter
	mFailed   *metrics.Counter
	mFetchDur *metrics.Histogram
}

// NewClient creates a Client from cfg, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 50 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		proxy := http.ProxyFromEnvironment
		if cfg.Proxy != nil {
			proxy = http.ProxyURL(cfg.Proxy)
		}
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:           proxy,
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			}),
		}
	}

	met := cfg.Metrics
	return &Client{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		limiter: limiter,
		log:     cfg.Logger,
		mRequests: func(kind string) *metrics.Counter {
			return met.Counter(metrics.WithLabels("compound_finder_fia_requests_total", "kind", kind), "HTTP requests to the FIA site by kind")
		},
		mLocated:  met.Counter("compound_finder_fia_documents_located_total", "Event-notes documents found on event pages"),
		mRetries:  met.Counter("compound_finder_fia_fetch_retries_total", "Document fetch attempts that were retried"),
		mFailed:   met.Counter("compound_finder_fia_fetch_failures_total", "Document fetches that never succeeded"),
		mFetchDur: met.Histogram("compound_finder_fia_fetch_duration_seconds", "Document download duration", nil),
	}
}

// DocumentURL turns a path fragment from an event page into an absolute PDF URL.
func (c *Client) DocumentURL(fragment string) string {
	return c.base + fragment + ".pdf"
}

// get issues one GET carrying the configured headers and credentials.
func (c *Client) get(ctx context.Context, rawURL, kind string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.BasicAuth != nil {
		req.SetBasicAuth(c.cfg.BasicAuth.Username, c.cfg.BasicAuth.Password)
	}
	c.mRequests(kind).Inc()
	return c.client.Do(req)
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
}

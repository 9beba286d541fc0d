// Package scraperapi fetches autoparsed Amazon pages through ScraperAPI.
package scraperapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/solar-panel-scraper/internal/config"
	"github.com/maltedev/solar-panel-scraper/internal/metrics"
	"github.com/maltedev/solar-panel-scraper/internal/ratelimit"
)

const (
	DefaultBaseURL = "https://api.scraperapi.com/"
	productURL     = "https://www.amazon.com/dp/%s"
	searchURL      = "https://www.amazon.com/s"

	maxBodyBytes = 20 << 20
)

var (
	// ErrForbidden means the API key was rejected or the account is
	// throttled. Batches stop on it.
	ErrForbidden = errors.New("scraperapi: forbidden")
	// ErrProductNotFound is returned for 404 responses.
	ErrProductNotFound = errors.New("scraperapi: product not found")
	ErrMissingAPIKey   = errors.New("scraperapi: api key is required")
)

// StatusError is a non-2xx response that may be retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scraperapi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Response is one fetched page.
type Response struct {
	ASIN         string
	URL          string
	Body         json.RawMessage
	StatusCode   int
	ResponseTime time.Duration
	Attempts     int
	CountryCode  string
}

type Options struct {
	APIKey      string
	BaseURL     string
	CountryCode string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	Limiter     ratelimit.RateLimiter
	HTTPClient  *http.Client
}

// OptionsFrom maps the environment configuration onto client options.
func OptionsFrom(cfg config.ScraperAPIConfig) Options {
	return Options{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		CountryCode: cfg.CountryCode,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		Limiter:     ratelimit.NewAdaptiveRateLimiter(cfg.RequestDelay, 2*cfg.RequestDelay),
	}
}

type Client struct {
	apiKey      string
	baseURL     string
	countryCode string
	maxRetries  int
	retryDelay  time.Duration
	limiter     ratelimit.RateLimiter
	http        *http.Client
	logger      *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "us"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:      opts.APIKey,
		baseURL:     opts.BaseURL,
		countryCode: opts.CountryCode,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		limiter:     opts.Limiter,
		http:        opts.HTTPClient,
		logger:      logger.With("component", "scraperapi"),
	}, nil
}

// FetchProduct returns the autoparsed JSON for an ASIN.
func (c *Client) FetchProduct(ctx context.Context, asin string) (*Response, error) {
	target := fmt.Sprintf(productURL, asin)
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", asin, err)
	}
	resp.ASIN = asin
	return resp, nil
}

// SearchResult is one product from an autoparsed search page.
type SearchResult struct {
	ASIN  string `json:"asin"`
	Title string `json:"name"`
	URL   string `json:"url"`
}

// searchKeys are the response keys autoparse may put search results under.
var searchKeys = []string{"results", "products", "organic_results", "search_results", "items"}

// Search returns the products on one Amazon search page. Entries without an
// ASIN are dropped.
func (c *Client) Search(ctx context.Context, keyword string, page int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("k", keyword)
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}

	resp, err := c.get(ctx, searchURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", keyword, err)
	}

	results, err := decodeSearch(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode search %q: %w", keyword, err)
	}

	c.logger.Info("search completed", "keyword", keyword, "page", page, "results", len(results))
	return results, nil
}

func decodeSearch(body []byte) ([]SearchResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	for _, key := range searchKeys {
		list, ok := raw[key]
		if !ok {
			continue
		}
		var entries []struct {
			ASIN  string `json:"asin"`
			Name  string `json:"name"`
			Title string `json:"title"`
			URL   string `json:"url"`
			Link  string `json:"link"`
		}
		if err := json.Unmarshal(list, &entries); err != nil || len(entries) == 0 {
			continue
		}

		results := make([]SearchResult, 0, len(entries))
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			asin := strings.TrimSpace(e.ASIN)
			if asin == "" || seen[asin] {
				continue
			}
			seen[asin] = true
			results = append(results, SearchResult{
				ASIN:  asin,
				Title: firstNonEmpty(e.Name, e.Title),
				URL:   firstNonEmpty(e.URL, e.Link),
			})
		}
		return results, nil
	}

	return nil, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) get(ctx context.Context, target string) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			c.logger.Info("retrying request", "attempt", attempt, "url", target)
			if err := sleep(ctx, time.Duration(attempt-1)*c.retryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, target)
		if err == nil {
			resp.Attempts = attempt
			c.recordOutcome(nil)
			return resp, nil
		}

		c.recordOutcome(err)
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("request failed", "error", err, "attempt", attempt, "url", target)
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, target string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("url", target)
	q.Set("output_format", "json")
	q.Set("autoparse", "true")
	q.Set("country_code", c.countryCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ScraperRequestDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		return nil, fmt.Errorf("request failed: %w", redactError(err))
	}
	defer httpResp.Body.Close()

	status := strconv.Itoa(httpResp.StatusCode)
	metrics.ScraperRequestDuration.WithLabelValues(status).Observe(elapsed.Seconds())

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusForbidden:
		c.logger.Error("scraperapi rejected the request, stopping", "url", target)
		return nil, ErrForbidden
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, ErrProductNotFound
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: truncate(string(body), 200)}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("response for %s is not valid JSON", target)
	}

	c.logger.Debug("request completed",
		"url", target,
		"status", httpResp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"bytes", len(body))

	return &Response{
		URL:          target,
		Body:         body,
		StatusCode:   httpResp.StatusCode,
		ResponseTime: elapsed,
		CountryCode:  c.countryCode,
	}, nil
}

func (c *Client) recordOutcome(err error) {
	adaptive, ok := c.limiter.(*ratelimit.AdaptiveRateLimiter)
	if !ok {
		return
	}
	switch {
	case err == nil:
		adaptive.RecordSuccess()
	case retryable(err):
		adaptive.RecordError()
	}
}

// retryable reports whether a failed request may succeed when repeated.
// Per-request timeouts are retryable; an expired caller context is caught
// by the caller checking ctx.Err().
func retryable(err error) bool {
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

// redactError strips the api_key from the request URL carried by a
// transport error.
func redactError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = redactURL(urlErr.URL)
	}
	return err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// IsRetryable is retryable for callers that queue their own retries.
func IsRetryable(err error) bool {
	return retryable(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

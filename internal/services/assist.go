package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docsassist/web-ui/internal/metrics"
	"github.com/docsassist/web-ui/internal/models"
	"golang.org/x/time/rate"
)

const errLoggerKey = "err"

// DefaultBackendPort is the port the backend listens on when no explicit base
// URL is configured.
const DefaultBackendPort = "8000"

const productsCacheTTL = 10 * time.Second

// Config carries the explicit construction parameters of a Client. BaseURL is
// required; everything else has a usable zero value.
type Config struct {
	// BaseURL is the backend root, e.g. "http://docs.example.com:8000".
	BaseURL string

	// MaxAttempts bounds the connection attempts per answer stream. Zero means
	// retry until the stream is cancelled.
	MaxAttempts int

	// RequestTimeout bounds plain API calls. Streams are not subject to it;
	// their lifetime is owned by the caller's context.
	RequestTimeout time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RateLimit throttles outgoing requests per second when positive.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Client talks to the documentation assistant backend: streaming answers,
// search, feedback, and the product catalog.
type Client struct {
	baseURL     string
	maxAttempts int

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	client       *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter

	logger *slog.Logger

	mu         sync.Mutex
	products   map[string]productsCacheEntry
	refreshing map[string]bool
}

type productsCacheEntry struct {
	list      models.ProductList
	fetchedAt time.Time
}

// DefaultBaseURL derives the backend base URL from the page URL the gateway is
// served under: same scheme and hostname, backend port.
func DefaultBaseURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return "http://localhost:" + DefaultBackendPort
	}
	return u.Scheme + "://" + u.Hostname() + ":" + DefaultBackendPort
}

// NewClient creates a backend client from the given configuration. The base URL
// must be set explicitly; use DefaultBaseURL to derive one from the page URL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		client:         &http.Client{Timeout: cfg.RequestTimeout},
		// Streams stay open for as long as the answer takes; the request
		// context is the only deadline.
		streamClient: &http.Client{},
		limiter:      limiter,
		logger:       logger.With(slog.String("module", "assist")),
		products:     make(map[string]productsCacheEntry),
		refreshing:   make(map[string]bool),
	}, nil
}

// BaseURL returns the backend root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SearchRequest is the body of the backend's search endpoint. SessionID and
// SessionIndex tie the search into its conversation history.
type SearchRequest struct {
	Keyword      string `json:"keyword"`
	Mode         string `json:"mode"`
	Product      string `json:"product"`
	SessionID    string `json:"session_id"`
	SessionIndex int    `json:"session_index"`
}

// Feedback is a user rating of one answered question.
type Feedback struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Rating   int    `json:"rating"`
	Comments string `json:"comments"`
	Product  string `json:"product"`
}

// Search runs a search against the backend and returns the hit list unaltered;
// the gateway does not interpret result shapes.
func (c *Client) Search(ctx context.Context, req SearchRequest) (json.RawMessage, error) {
	metrics.APIRequests.WithLabelValues("search").Inc()
	res, err := c.postJSON(ctx, "/search/", req)
	if err != nil {
		metrics.APIErrors.WithLabelValues("search").Inc()
		return nil, err
	}
	return res, nil
}

// SendFeedback submits a rating for an answered question.
func (c *Client) SendFeedback(ctx context.Context, fb Feedback) error {
	metrics.APIRequests.WithLabelValues("feedback").Inc()
	if _, err := c.postJSON(ctx, "/feedback/", fb); err != nil {
		metrics.APIErrors.WithLabelValues("feedback").Inc()
		return err
	}
	return nil
}

// Products returns the product catalog for a mode, defaulting to the fixed
// catalog. Responses are cached per mode; an expired entry is served as-is
// while a single background refresh replaces it, so the UI never waits on the
// backend for a catalog it has already seen.
func (c *Client) Products(ctx context.Context, mode string) (models.ProductList, error) {
	if mode == "" {
		mode = "fixed"
	}

	c.mu.Lock()
	entry, ok := c.products[mode]
	if ok {
		expired := time.Since(entry.fetchedAt) >= productsCacheTTL
		if expired && !c.refreshing[mode] {
			c.refreshing[mode] = true
			go c.refreshProducts(mode)
		}
		c.mu.Unlock()
		return entry.list, nil
	}
	c.mu.Unlock()

	list, err := c.fetchProducts(ctx, mode)
	if err != nil {
		return models.ProductList{}, err
	}

	c.mu.Lock()
	c.products[mode] = productsCacheEntry{list: list, fetchedAt: time.Now()}
	c.mu.Unlock()

	return list, nil
}

func (c *Client) refreshProducts(mode string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := c.fetchProducts(ctx, mode)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing[mode] = false
	if err != nil {
		c.logger.Error("Product cache refresh failed",
			slog.String("mode", mode),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	c.products[mode] = productsCacheEntry{list: list, fetchedAt: time.Now()}
}

func (c *Client) fetchProducts(ctx context.Context, mode string) (models.ProductList, error) {
	metrics.APIRequests.WithLabelValues("products").Inc()

	res, err := c.getRaw(ctx, "/products/?mode="+url.QueryEscape(mode))
	if err != nil {
		metrics.APIErrors.WithLabelValues("products").Inc()
		return models.ProductList{}, err
	}

	var list models.ProductList
	if err := json.Unmarshal(res, &list); err != nil {
		return models.ProductList{}, fmt.Errorf("error decoding products: %w", err)
	}
	return list, nil
}

// RawFile fetches a source document through the backend's raw file proxy. The
// caller owns the returned reader. The second return value is the upstream
// content type.
func (c *Client) RawFile(ctx context.Context, product, filename string) (io.ReadCloser, string, error) {
	metrics.APIRequests.WithLabelValues("raw_file").Inc()

	path := "/api/raw_file/" + url.PathEscape(product) + "/" + escapeFilePath(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("error creating request: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.APIErrors.WithLabelValues("raw_file").Inc()
		return nil, "", fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		defer resp.Body.Close()
		metrics.APIErrors.WithLabelValues("raw_file").Inc()
		return nil, "", newAPIError(resp)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// escapeFilePath escapes a file path segment by segment, keeping the slashes
// that the backend's route pattern expects.
func escapeFilePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	if err := c.wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}

	res, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return res, nil
}

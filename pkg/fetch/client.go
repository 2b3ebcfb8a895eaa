// Package fetch is a JSON-over-HTTP transport for query and mutation
// coordinators, with retry and error classification.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/querycache/pkg/logging"
)

// Prometheus metrics for HTTP operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_http_requests_total",
		Help: "Total remote API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querycache_http_request_duration_seconds",
		Help:    "Remote API request duration in seconds by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_http_errors_total",
		Help: "Total remote API errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 4096

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to every request path (e.g. "https://api.example.com/v1").
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// MaxValidators bounds the GET responses remembered for conditional
	// requests (ETag / Last-Modified). 0 uses DefaultMaxValidators; a
	// negative value disables conditional requests.
	MaxValidators int

	// Retry
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "querycache/1.0",
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client performs JSON requests against one remote API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
	validators *validators
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logging.NewLogger("fetch"),
	}
	switch {
	case cfg.MaxValidators == 0:
		c.validators = newValidators(DefaultMaxValidators)
	case cfg.MaxValidators > 0:
		c.validators = newValidators(cfg.MaxValidators)
	}
	return c, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// GetJSON performs a GET on path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Do performs one request with retries. body, if non-nil, is encoded as JSON;
// out, if non-nil, receives the decoded response.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	target := c.resolve(path, query)

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Msg("Executing request")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	return retryWithBackoff(ctx, c.config.Retry, c.logger, func() (ErrorClass, time.Duration, error) {
		return c.attempt(ctx, method, target, payload, out)
	})
}

// attempt performs a single HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, out any) (ErrorClass, time.Duration, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range c.config.Headers {
		req.Header.Set(name, value)
	}

	conditional := method == http.MethodGet && out != nil && c.validators != nil
	var stored *validator
	if conditional {
		stored = c.validators.get(target)
		addConditionalHeaders(req, stored)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the caller; retrying cannot help.
			return "", 0, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		c.logger.Warn().Err(err).Str("url", target).Msg("HTTP request failed")
		return ErrorClassNetwork, 0, &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusNotModified {
		io.Copy(io.Discard, resp.Body)
		if stored == nil {
			return "", 0, fmt.Errorf("304 Not Modified for %s without a stored response", target)
		}
		notModifiedTotal.Inc()
		c.logger.Debug().Str("url", target).Msg("Not modified, reusing stored response")
		return "", 0, decodeBody(stored.body, out)
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    errorMessage(resp),
		}
		c.logger.Warn().
			Str("url", target).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Request error")
		return class, retryAfter(resp.Header), apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return "", 0, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return ErrorClassNetwork, 0, &APIError{Class: ErrorClassNetwork, Message: "read response body", Err: err}
	}
	if err := decodeBody(body, out); err != nil {
		return "", 0, err
	}
	if conditional {
		if v := newValidator(target, resp.Header, body); v != nil {
			c.validators.put(v)
		} else {
			c.validators.remove(target)
		}
	}
	return "", 0, nil
}

// decodeBody decodes a JSON body into out. An empty body leaves out as is.
func decodeBody(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// errorMessage extracts a message from an error body: the "error" or
// "message" field of a JSON object, else the status text.
func errorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(data) > 0 {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil {
			if body.Error != "" {
				return body.Error
			}
			if body.Message != "" {
				return body.Message
			}
		}
	}
	return http.StatusText(resp.StatusCode)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

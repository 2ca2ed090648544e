package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/metrics"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default per-call timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// HTTPClient performs provider calls with a bounded timeout, size limits,
// metrics and status classification
type HTTPClient struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates the shared provider HTTP client
func NewHTTPClient(cfg *config.Config, logger *zap.Logger) *HTTPClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger,
	}
}

// NewHTTPClientWith wraps an existing *http.Client (tests use httptest clients)
func NewHTTPClientWith(client *http.Client, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{client: client, logger: logger}
}

// Standard returns the underlying client for libraries that need one (oauth2)
func (c *HTTPClient) Standard() *http.Client {
	return c.client
}

// Request describes one provider call
type Request struct {
	Provider models.ProviderType
	Op       string
	Method   string
	URL      string
	Query    url.Values
	Body     interface{}
	Headers  map[string]string
	Bearer   string

	// Classify may inspect a response body and override the status-based classification.
	// Returning nil keeps the default.
	Classify func(status int, body []byte) *Error
}

// Response is a raw provider response
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Do executes r, decoding a successful JSON body into out when out is non-nil
func (c *HTTPClient) Do(ctx context.Context, r Request, out interface{}) (*Response, error) {
	target := r.URL
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, newError(KindTerminal, r.Provider, r.Op, fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, ConfigError(r.Provider, r.Op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	metrics.ProviderRequestDuration.WithLabelValues(string(r.Provider)).Observe(duration.Seconds())

	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(string(r.Provider), r.Op, "error").Inc()
		c.logger.Warn("Provider request failed",
			zap.String("provider", string(r.Provider)),
			zap.String("op", r.Op),
			zap.Error(err),
		)
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTerminal, r.Provider, r.Op, ctx.Err())
		}
		return nil, newError(KindTransient, r.Provider, r.Op, err)
	}
	defer resp.Body.Close()

	metrics.ProviderRequestsTotal.WithLabelValues(string(r.Provider), r.Op, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, newError(KindTransient, r.Provider, r.Op, fmt.Errorf("failed to read response body: %w", err))
	}
	if len(raw) > MaxResponseSize {
		return nil, newError(KindTerminal, r.Provider, r.Op, fmt.Errorf("response body too large: %d bytes", len(raw)))
	}

	c.logger.Debug("Provider request",
		zap.String("provider", string(r.Provider)),
		zap.String("op", r.Op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)

	response := &Response{StatusCode: resp.StatusCode, Body: raw, Duration: duration}

	if r.Classify != nil {
		if perr := r.Classify(resp.StatusCode, raw); perr != nil {
			perr.Provider, perr.Op, perr.Status = r.Provider, r.Op, resp.StatusCode
			return response, perr
		}
	}

	if kind, failed := ClassifyStatus(resp.StatusCode); failed {
		return response, &Error{
			Kind:     kind,
			Provider: r.Provider,
			Op:       r.Op,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", truncate(string(raw), 300)),
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return response, newError(KindTerminal, r.Provider, r.Op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return response, nil
}

// ClassifyStatus maps an HTTP status to an error kind; failed is false for 2xx/3xx
func ClassifyStatus(status int) (kind ErrorKind, failed bool) {
	switch {
	case status < 400:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication, true
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return KindTransient, true
	default:
		return KindTerminal, true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

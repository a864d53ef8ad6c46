package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/shipway/internal/core/backoff"
	"github.com/artpar/shipway/internal/core/fault"
)

// =============================================================================
// API Client
// =============================================================================

// APIResponse is one decoded control-plane response.
type APIResponse struct {
	Status int
	JSON   json.RawMessage
}

// Decode unmarshals the response body into v.
func (r *APIResponse) Decode(v any) error {
	if len(r.JSON) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.JSON, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIClient issues authenticated requests against the platform control
// plane. Implementations classify failures into the fault taxonomy: network
// trouble and 5xx are transient, rate limiting is capacity, everything else
// in the 4xx range is permanent.
type APIClient interface {
	Request(ctx context.Context, method, path string, body any) (*APIResponse, error)
}

// =============================================================================
// Configuration
// =============================================================================

// APIConfig holds the control-plane client configuration.
type APIConfig struct {
	BaseURL string // control plane base URL, e.g. "https://api.platform.dev"
	APIKey  string // bearer token for authentication
	Timeout time.Duration

	// RequestsPerSecond caps the client-side request rate so a busy rollout
	// does not trip the platform's limiter in the first place. Zero means
	// unlimited.
	RequestsPerSecond float64
	Burst             int
}

// maxRetryAfter bounds how long the client honors a Retry-After hint; the
// retry budget is owned by the resilience executor, not the platform.
const maxRetryAfter = 30 * time.Second

// =============================================================================
// HTTP Client
// =============================================================================

// HTTPAPIClient is the production APIClient.
type HTTPAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPAPIClient creates a control-plane client.
func NewHTTPAPIClient(cfg APIConfig, logger *slog.Logger) *HTTPAPIClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	return &HTTPAPIClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "platform-api"),
	}
}

// Request sends one JSON request and reads the full response. A nil body
// sends no payload. Non-2xx statuses come back as classified faults with
// the response still attached, so callers can branch on statuses like 404.
// On 429 the client sleeps out the Retry-After hint (bounded by
// maxRetryAfter) before returning, so the executor's next attempt lands
// after the window.
func (c *HTTPAPIClient) Request(ctx context.Context, method, path string, body any) (*APIResponse, error) {
	op := "api:" + method + " " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Permanent(op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fault.Permanent(op, fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiRequestTotal.WithLabelValues(method, "error").Inc()
		return nil, fault.Transient(op, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		apiRequestTotal.WithLabelValues(method, "error").Inc()
		return nil, fault.Transient(op, fmt.Errorf("read response: %w", err))
	}

	apiRequestTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug("platform api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start))

	out := &APIResponse{Status: resp.StatusCode, JSON: payload}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}

	failure := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(payload))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if hint := retryAfterHint(resp.Header); hint > 0 {
			c.logger.Debug("honoring retry-after hint",
				"path", path,
				"retry_after", hint)
			// Best effort: a cancelled wait still surfaces through the
			// returned fault and the caller's context.
			_ = backoff.Wait(ctx, hint)
		}
		return out, fault.Capacity(op, failure)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return out, fault.Transient(op, failure)
	default:
		return out, fault.Permanent(op, failure)
	}
}

func (c *HTTPAPIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// retryAfterHint parses a Retry-After header, accepting both delay-seconds
// and HTTP-date forms. The hint is clamped to maxRetryAfter.
func retryAfterHint(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	var hint time.Duration
	if seconds, err := strconv.Atoi(value); err == nil {
		hint = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		hint = time.Until(at)
	}

	if hint <= 0 {
		return 0
	}
	if hint > maxRetryAfter {
		return maxRetryAfter
	}
	return hint
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	const max = 300
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

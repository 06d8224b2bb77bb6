package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-bridge-service/internal/config"
)

// Client provides call-control operations against the telephony provider's
// REST API
type Client struct {
	cfg        config.TelephonyConfig
	httpClient *http.Client
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// Call represents the provider's view of one outbound call
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// ClientStats represents client statistics for monitoring
type ClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewClient creates a telephony REST client
func NewClient(cfg config.TelephonyConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeoutDuration(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Originate places an outbound call to the given number. The provider
// fetches call-control markup from voiceURL when the call is answered and
// posts lifecycle status updates to callbackURL.
func (c *Client) Originate(ctx context.Context, to, voiceURL, callbackURL string) (*Call, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", voiceURL)
	form.Set("StatusCallback", callbackURL)
	form.Set("StatusCallbackMethod", "POST")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.cfg.APIBaseURL, c.cfg.AccountSID)

	var call Call
	if err := c.doWithRetry(ctx, endpoint, form, &call); err != nil {
		return nil, fmt.Errorf("call origination failed: %w", err)
	}

	c.logger.Info("call originated",
		slog.String("call_sid", call.SID),
		slog.String("to", to),
		slog.String("status", call.Status),
	)
	return &call, nil
}

// Complete hangs up an in-progress call
func (c *Client) Complete(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.cfg.APIBaseURL, c.cfg.AccountSID, callSID)

	var call Call
	if err := c.doWithRetry(ctx, endpoint, form, &call); err != nil {
		return fmt.Errorf("call completion failed: %w", err)
	}

	c.logger.Info("call completed", slog.String("call_sid", callSID))
	return nil
}

// doWithRetry performs a form POST with exponential backoff on retryable
// failures. Each logical request gets a correlation id so retries of the
// same call can be grouped in the logs.
func (c *Client) doWithRetry(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	c.incrementTotalRequests()
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, endpoint, form, out)
		if err == nil {
			c.incrementSuccessRequests()
			return nil
		}
		lastErr = err

		c.logger.Warn("provider request failed",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !isRetryable(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return lastErr
}

// doRequest performs a single form POST against the provider API
func (c *Client) doRequest(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	return nil
}

// isRetryable reports whether a request failure is worth retrying: server
// errors, rate limiting, and transport-level failures
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "HTTP error 5") {
		return true
	}
	if strings.Contains(errStr, "HTTP error 429") {
		return true
	}
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}
	return false
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}

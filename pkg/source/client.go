// Package source reads records from the external record system.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ha1tch/storysync/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds one HTTP round trip
	DefaultTimeout = 30 * time.Second
	// maxBodySize bounds the response body read for one page
	maxBodySize = 32 << 20
)

var (
	// ErrRetriesExhausted wraps the last error after the retry budget is spent
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrPageLimitExceeded is returned when pagination does not end within the page ceiling
	ErrPageLimitExceeded = errors.New("page limit exceeded")
)

// APIError is a non-2xx response from the source API
type APIError struct {
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("source API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("source API returned %d: %s", e.StatusCode, e.Body)
}

// Page is one page of records
type Page struct {
	Records    []models.SourceRecord
	NextCursor string
}

// API fetches one page of records of an entity type. An empty cursor
// requests the first page.
type API interface {
	FetchPage(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*Page, error)
}

// ClientConfig configures the HTTP client
type ClientConfig struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MinInterval    time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client is the HTTP implementation of API
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a client. A zero MinInterval disables rate limiting.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "source_client").Logger(),
	}
}

// HTTPClient returns the underlying client so callers can swap its transport
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

type pageResponse struct {
	Records []struct {
		ID         string                 `json:"id"`
		ExternalID string                 `json:"external_id"`
		Fields     map[string]interface{} `json:"fields"`
	} `json:"records"`
	NextCursor *string `json:"next_cursor"`
}

// FetchPage fetches one page, retrying transient failures with exponential backoff
func (c *Client) FetchPage(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*Page, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(c.cfg.BackoffInitial, c.cfg.BackoffMax, attempt-1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}

			c.logger.Warn().
				Err(lastErr).
				Str("entity_type", string(t)).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying source request")

			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		page, err := c.fetchOnce(ctx, t, cursor, pageSize)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, t models.EntityType, cursor string, pageSize int) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("page_size", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/records/%s?%s", c.cfg.BaseURL, url.PathEscape(string(t)), q.Encode())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("entity_type", string(t)).
		Str("cursor", cursor).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Source page fetched")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Body:       truncate(string(body), 512),
		}
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			apiErr.RetryAfter = d
		}
		return nil, apiErr
	}

	var pr pageResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}

	page := &Page{Records: make([]models.SourceRecord, 0, len(pr.Records))}
	for _, r := range pr.Records {
		id := r.ID
		if id == "" {
			id = r.ExternalID
		}
		fields := r.Fields
		if fields == nil {
			fields = map[string]interface{}{}
		}
		page.Records = append(page.Records, models.SourceRecord{
			ExternalID: id,
			Type:       t,
			Fields:     fields,
		})
	}
	if pr.NextCursor != nil {
		page.NextCursor = *pr.NextCursor
	}
	return page, nil
}

// retryableStatus reports 5xx and 429 as transient
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable reports whether an error from FetchPage is worth retrying.
// Network failures and per-request timeouts are; 4xx other than 429 are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// CalculateBackoff returns initial * 2^attempt capped at max
func CalculateBackoff(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
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

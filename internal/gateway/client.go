// Package gateway fetches raw health records from the aggregation gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultPageSize  = 50
	defaultRateLimit = 5.0
	defaultRateBurst = 5
	maxErrorBody     = 512
)

// Config carries the gateway endpoint and credentials. It is passed explicitly to New.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds every request (default 30s).
	Timeout time.Duration
	// PageSize is the fixed number of most recent records requested (default 50).
	PageSize int
	// RateLimit is the sustained requests per second across all callers of the client.
	RateLimit float64
	RateBurst int
	// Transport allows injecting a custom round tripper in tests.
	Transport http.RoundTripper
}

// RawRecord is one record as returned by the gateway. Timestamps stay unparsed so
// malformed values are rejected per record by the normalizer.
type RawRecord struct {
	ID    string          `json:"id"`
	App   string          `json:"app,omitempty"`
	Start string          `json:"start"`
	End   string          `json:"end,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type fetchRequest struct {
	UserID  string   `json:"userid"`
	Queries []string `json:"queries"`
}

type fetchResponse struct {
	Data []RawRecord `json:"data"`
}

// Client issues fetch calls against the gateway.
type Client struct {
	baseURL  string
	token    string
	timeout  time.Duration
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
}

// New constructs a Client, applying defaults for unset tunables.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		timeout:  cfg.Timeout,
		pageSize: cfg.PageSize,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// Fetch returns the most recent page of records of one metric for a gateway subject.
// Every failure is reported as *Error.
func (c *Client) Fetch(ctx context.Context, subjectID string, metric domain.MetricType) ([]RawRecord, error) {
	start := time.Now()
	records, err := c.fetch(ctx, subjectID, metric)
	observeFetch(metric, err, time.Since(start))
	return records, err
}

func (c *Client) fetch(ctx context.Context, subjectID string, metric domain.MetricType) ([]RawRecord, error) {
	if c.baseURL == "" {
		return nil, &Error{Message: "gateway base url not configured"}
	}
	if !metric.Valid() {
		return nil, &Error{Message: fmt.Sprintf("unsupported metric %q", metric)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Message: "rate limiter", Err: err}
	}

	body, err := json.Marshal(fetchRequest{
		UserID:  subjectID,
		Queries: []string{fmt.Sprintf("limit(%d)", c.pageSize), "orderDesc(start)"},
	})
	if err != nil {
		return nil, &Error{Message: "encode request", Err: err}
	}

	url := fmt.Sprintf("%s/api/fetch/%s", c.baseURL, metric)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: "http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}

	var payload fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &Error{Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return payload.Data, nil
}

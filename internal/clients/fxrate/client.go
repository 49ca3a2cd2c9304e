// Package fxrate provides a currency exchange rate client for open.er-api.com
// style endpoints.
package fxrate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
)

const (
	DefaultBaseURL   = "https://open.er-api.com/v6"
	DefaultTimeout   = 10 * time.Second
	DefaultRateLimit = 2

	maxBodyBytes = 1 << 20
)

var _ interfaces.FXRateClient = (*Client)(nil)

// Client implements the FXRateClient interface
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new FX rate client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents a non-200 response
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("FX rate API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// GetRate returns how many units of quote one unit of base buys.
func (c *Client) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if base == quote {
		return decimal.NewFromInt(1), nil
	}

	body, err := c.get(ctx, "/latest/"+base)
	if err != nil {
		return decimal.Zero, err
	}
	if !gjson.ValidBytes(body) {
		return decimal.Zero, fmt.Errorf("invalid JSON in fx rate response")
	}

	root := gjson.ParseBytes(body)
	if r := root.Get("result"); r.Exists() && r.String() != "success" {
		return decimal.Zero, fmt.Errorf("fx rate API returned result %q: %s", r.String(), root.Get("error-type").String())
	}

	v := root.Get("rates." + quote)
	if !v.Exists() {
		return decimal.Zero, fmt.Errorf("fx rate response has no %s rate", quote)
	}
	rateVal, err := decimal.NewFromString(v.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s rate %q: %w", quote, v.Raw, err)
	}
	if !rateVal.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive %s rate %s", quote, rateVal.String())
	}
	return rateVal, nil
}

// get performs a rate-limited GET request and returns the body
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("url", c.baseURL+path).Msg("FX rate API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}
	return body, nil
}

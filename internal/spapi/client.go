// Package spapi is the rate-limited Amazon SP-API client: Catalog Items and
// Product Pricing for the Japanese marketplace.
package spapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/ratelimit"
)

const (
	// DefaultEndpoint is the Far East SP-API endpoint (covers amazon.co.jp).
	DefaultEndpoint = "https://sellingpartnerapi-fe.amazon.com"
	// MarketplaceJP is the amazon.co.jp marketplace id.
	MarketplaceJP = "A1VC38T7YXB528"
	// lwaTokenURL is the LWA refresh-token exchange endpoint.
	lwaTokenURL = "https://api.amazon.com/auth/o2/token"

	// tokenSafetyMargin is subtracted from expires_in before caching.
	tokenSafetyMargin = 300 * time.Second
)

// ErrQuotaExceeded marks an SP-API 429 with code QuotaExceeded.
var ErrQuotaExceeded = errors.New("sp-api quota exceeded")

// APIError is a non-quota SP-API failure with the marketplace's reason.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sp-api %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Credentials are the LWA secrets for the refresh-token exchange.
type Credentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Config configures the client.
type Config struct {
	Endpoint      string
	MarketplaceID string
	Credentials   Credentials
	TokenURL      string // test override
	DebugASIN     string // verbose tracing for one ASIN inside price batches
	MaxRetries    int    // QuotaExceeded retries on single-ASIN calls
	RetryDelay    time.Duration
}

// Client is the rate-limited SP-API HTTP client.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *ratelimit.Limiter
	quota   *ratelimit.QuotaCounter
	log     *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// New creates a client. onFirstQuota fires exactly once per client lifetime,
// on the first QuotaExceeded observation. It may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, log *zap.Logger, onFirstQuota func()) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MarketplaceID == "" {
		cfg.MarketplaceID = MarketplaceJP
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = lwaTokenURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg,
		limiter: limiter,
		quota:   ratelimit.NewQuotaCounter(onFirstQuota),
		log:     log,
	}
}

// QuotaExceededCount reports how many QuotaExceeded responses were seen.
func (c *Client) QuotaExceededCount() int64 {
	return c.quota.Count()
}

// accessToken returns a cached LWA access token, re-exchanging the refresh
// token when the cached one is within the safety margin of expiry.
// Failures here are fatal to the current call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.cfg.Credentials.RefreshToken},
		"client_id":     {c.cfg.Credentials.ClientID},
		"client_secret": {c.cfg.Credentials.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("lwa token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("lwa token exchange: status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("lwa token decode: %w", err)
	}
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSafetyMargin)
	return c.token, nil
}

// doJSON performs an authenticated request and decodes the response into dst.
// Returns ErrQuotaExceeded for 429 QuotaExceeded, *APIError for other
// non-2xx statuses.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body io.Reader, dst interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.cfg.Endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-amz-access-token", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := parseAPIError(resp.StatusCode, raw)
		if resp.StatusCode == http.StatusTooManyRequests || apiErr.Code == "QuotaExceeded" {
			c.quota.Observe()
			return fmt.Errorf("%s %s: %w", method, path, ErrQuotaExceeded)
		}
		return apiErr
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func parseAPIError(status int, raw []byte) *APIError {
	var payload struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	apiErr := &APIError{StatusCode: status, Message: string(raw)}
	if json.Unmarshal(raw, &payload) == nil && len(payload.Errors) > 0 {
		apiErr.Code = payload.Errors[0].Code
		apiErr.Message = payload.Errors[0].Message
	}
	return apiErr
}

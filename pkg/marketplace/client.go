// Package marketplace provides a client for the external marketplace
// inventory API.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stockpool/internal/resilience"
)

// Client sets listing quantities on the marketplace.
type Client interface {
	// SetQuantity sets the sellable quantity of the listing with seller SKU sku.
	SetQuantity(ctx context.Context, sku string, qty int) error
}

// APIError is a non-2xx marketplace response.
type APIError struct {
	SKU        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace: set quantity %s: status %d: %s", e.SKU, e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithSellerID scopes requests to a seller account.
func WithSellerID(id string) Option {
	return func(c *httpClient) { c.sellerID = id }
}

type httpClient struct {
	token    string
	sellerID string
	baseURL  string
	http     *http.Client
	now      func() time.Time
}

// NewClient creates a marketplace client authenticated with token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://sellingpartnerapi.example.com",
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quantityRequest struct {
	SellerID string `json:"seller_id,omitempty"`
	Quantity int    `json:"quantity"`
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

// SetQuantity issues PATCH /listings/{sku}/quantity. Throttling, upstream
// failures and network errors come back as *resilience.TransientError.
func (c *httpClient) SetQuantity(ctx context.Context, sku string, qty int) error {
	if sku == "" {
		return eris.New("marketplace: sku is required")
	}
	if qty < 0 {
		return eris.Errorf("marketplace: negative quantity %d for %s", qty, sku)
	}

	body, err := json.Marshal(quantityRequest{SellerID: c.sellerID, Quantity: qty})
	if err != nil {
		return eris.Wrap(err, "marketplace: marshal request")
	}
	endpoint := fmt.Sprintf("%s/listings/%s/quantity", c.baseURL, url.PathEscape(sku))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "marketplace: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && resilience.IsTransient(err) {
			return resilience.NewTransientError(eris.Wrapf(err, "marketplace: set quantity %s", sku), 0)
		}
		return eris.Wrapf(err, "marketplace: set quantity %s", sku)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{SKU: sku, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return &resilience.TransientError{
			Err:        apiErr,
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	return apiErr
}

/**
 * @description
 * Client for the remote pricing source. A single call returns the current
 * fiat/sat rate for a currency pair together with the quote id and expiry.
 *
 * @dependencies
 * - github.com/shopspring/decimal: rates arrive as decimal strings.
 * - github.com/sony/gobreaker: outages trip the breaker instead of piling up requests.
 */
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

var (
	ErrUnavailable = errors.New("pricing source unavailable")
	ErrBadQuote    = errors.New("pricing source returned an unusable quote")
)

// Quote is the pricing source's answer for one currency pair.
type Quote struct {
	ID     string
	From   string
	To     string
	Rate   decimal.Decimal
	Expiry time.Time
}

type quoteEnvelope struct {
	Data *struct {
		Rate    string    `json:"rate"`
		QuoteID string    `json:"quoteId"`
		Expiry  time.Time `json:"expiry"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client fetches quotes over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates a pricing client. cb may be nil.
func NewClient(baseURL, apiKey string, cb *gobreaker.CircuitBreaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: cb,
		logger:  logger.With("component", "pricing_client"),
	}
}

// FetchQuote returns the current rate of from per one unit of to.
func (c *Client) FetchQuote(ctx context.Context, from, to string) (*Quote, error) {
	if c.breaker == nil {
		return c.fetch(ctx, from, to)
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, from, to)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit %s", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.(*Quote), nil
}

func (c *Client) fetch(ctx context.Context, from, to string) (*Quote, error) {
	query := url.Values{}
	query.Set("from", from)
	query.Set("to", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/quotes?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read quote response: %w", ErrUnavailable, err)
	}

	var envelope quoteEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Warn("quote response not decodable", "status", resp.StatusCode, "error", err)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if envelope.Error != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := "", ""
		if envelope.Error != nil {
			code, message = envelope.Error.Code, envelope.Error.Message
		}
		c.logger.Warn("quote request rejected", "status", resp.StatusCode, "code", code, "detail", message)
		return nil, fmt.Errorf("%w: status %d %s %s", ErrUnavailable, resp.StatusCode, code, message)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("%w: empty data", ErrBadQuote)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(envelope.Data.Rate))
	if err != nil {
		return nil, fmt.Errorf("%w: rate %q: %v", ErrBadQuote, envelope.Data.Rate, err)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive rate %s", ErrBadQuote, rate)
	}
	if envelope.Data.Expiry.IsZero() {
		return nil, fmt.Errorf("%w: missing expiry", ErrBadQuote)
	}

	return &Quote{
		ID:     envelope.Data.QuoteID,
		From:   from,
		To:     to,
		Rate:   rate,
		Expiry: envelope.Data.Expiry,
	}, nil
}

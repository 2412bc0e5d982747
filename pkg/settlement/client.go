/**
 * @description
 * Client for the settlement backend, the system of record that actually moves
 * sats and fiat. Every response is an envelope of either `data` or `error`; an
 * `error` is surfaced as *Error carrying the backend's error code.
 *
 * @notes
 * - Every submission carries the caller's idempotency key so the backend can
 *   collapse a retry whose predecessor already settled.
 * - Only transport failures and 5xx answers count against the circuit breaker.
 */
package settlement

import (
	"bytes"
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

	"github.com/sony/gobreaker"
)

// ErrTimeout is returned when the backend did not answer within the caller's bound.
var ErrTimeout = errors.New("settlement backend timed out")

// Error codes the client itself produces.
const (
	CodeNetwork             = "NETWORK_ERROR"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
	CodeBadResponse         = "BAD_RESPONSE"
)

// Error is a backend `{ error }` response, or a transport failure expressed the same way.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement error %s (status %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Request is a submission for one logical transaction.
type Request struct {
	ClientReference string `json:"client_reference"`
	UserID          string `json:"user_id"`
	Operation       string `json:"operation"`
	Domain          string `json:"domain"`
	TargetID        string `json:"target_id"`
	Method          string `json:"method"`
	FundingPath     string `json:"funding_path"`
	AmountMsats     int64  `json:"amount_msats"`
	FiatAmount      string `json:"fiat_amount,omitempty"`
	QuoteID         string `json:"quote_id,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	Invoice         string `json:"invoice,omitempty"`
	RecipientID     string `json:"recipient_id,omitempty"`
	IdempotencyKey  string `json:"-"`
}

// Submission is the backend's acknowledgement of a submitted request.
type Submission struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// PaymentStatus is the backend's current view of a payment.
type PaymentStatus struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TransactionRecord is the backend's persisted transaction.
type TransactionRecord struct {
	Reference       string    `json:"reference"`
	ClientReference string    `json:"client_reference"`
	Operation       string    `json:"operation"`
	TargetID        string    `json:"target_id"`
	AmountMsats     int64     `json:"amount_msats"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

// Client talks to the settlement backend over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates a settlement client. cb may be nil.
func NewClient(baseURL, apiKey string, cb *gobreaker.CircuitBreaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: cb,
		logger:  logger.With("component", "settlement_client"),
	}
}

// IsBreakerFailure reports whether err should count against the circuit breaker.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code == CodeNetwork || se.HTTPStatus >= 500
	}
	return true
}

// Submit creates and submits a transaction in the request's domain.
func (c *Client) Submit(ctx context.Context, req Request) (*Submission, error) {
	var out Submission
	path := fmt.Sprintf("/v1/%s/transactions", url.PathEscape(req.Domain))
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	if err := c.call(ctx, http.MethodPost, path, req, headers, &out); err != nil {
		return nil, err
	}
	if out.Reference == "" {
		return nil, &Error{Code: CodeBadResponse, Message: "submission acknowledged without reference"}
	}
	return &out, nil
}

// GetPaymentStatus returns the backend's status for a submitted payment.
func (c *Client) GetPaymentStatus(ctx context.Context, domain, reference string) (*PaymentStatus, error) {
	var out PaymentStatus
	path := fmt.Sprintf("/v1/%s/payments/%s", url.PathEscape(domain), url.PathEscape(reference))
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Reference == "" {
		out.Reference = reference
	}
	return &out, nil
}

// GetTransaction fetches a single backend transaction.
func (c *Client) GetTransaction(ctx context.Context, domain, reference string) (*TransactionRecord, error) {
	var out TransactionRecord
	path := fmt.Sprintf("/v1/%s/transactions/%s", url.PathEscape(domain), url.PathEscape(reference))
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTransactions lists backend transactions for a wallet, chama or share offer.
func (c *Client) ListTransactions(ctx context.Context, domain, targetID string) ([]TransactionRecord, error) {
	var out []TransactionRecord
	path := fmt.Sprintf("/v1/%s/transactions?target_id=%s", url.PathEscape(domain), url.QueryEscape(targetID))
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload interface{}, headers map[string]string, out interface{}) error {
	if c.breaker == nil {
		return c.do(ctx, method, path, payload, headers, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, payload, headers, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		c.logger.Warn("settlement call refused by open circuit", "path", path)
		return &Error{Code: CodeProviderUnavailable, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, headers map[string]string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal settlement request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create settlement request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return &Error{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: reading %s", ErrTimeout, path)
		}
		return &Error{Code: CodeNetwork, Message: err.Error(), HTTPStatus: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("settlement response not decodable", "method", method, "path", path, "status", resp.StatusCode)
		code := CodeBadResponse
		if resp.StatusCode >= 500 {
			code = CodeInternal
		}
		return &Error{Code: code, Message: "undecodable response body", HTTPStatus: resp.StatusCode}
	}
	if env.Error != nil {
		env.Error.HTTPStatus = resp.StatusCode
		c.logger.Warn("settlement request rejected", "method", method, "path", path, "status", resp.StatusCode, "code", env.Error.Code, "detail", env.Error.Message)
		return env.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := CodeBadResponse
		if resp.StatusCode >= 500 {
			code = CodeInternal
		}
		return &Error{Code: code, Message: http.StatusText(resp.StatusCode), HTTPStatus: resp.StatusCode}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Code: CodeBadResponse, Message: fmt.Sprintf("decode data: %v", err), HTTPStatus: resp.StatusCode}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

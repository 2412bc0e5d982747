/**
 * @description
 * This file contains the HTTP handlers for the transaction-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the orchestrator, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - internal/domain: For models and error sentinels.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - github.com/shopspring/decimal: For fiat amounts in request bodies.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Orchestrator is the set of use cases the HTTP surface exposes.
type Orchestrator interface {
	Begin(ctx context.Context, intent domain.TransactionIntent) (*domain.Transaction, error)
	Confirm(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error)
	Retry(ctx context.Context, caller domain.Caller, id, reason string) (*domain.Transaction, error)
	Requote(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error)
	Abandon(ctx context.Context, caller domain.Caller, id string) error
	Status(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error)
	ExchangeRate(ctx context.Context) (*domain.QuoteResult, error)
	RefreshExchangeRate(ctx context.Context) (*domain.QuoteResult, error)
	ExchangeRateStatus() domain.CacheStatus
	SaveChamaMembers(ctx context.Context, caller domain.Caller, chamaID string, invites []domain.RawInvite) ([]domain.ChamaMember, error)
}

// TransactionHandlers holds the orchestrator that handlers will use.
type TransactionHandlers struct {
	service Orchestrator
	logger  *slog.Logger
	now     func() time.Time
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service Orchestrator, logger *slog.Logger) *TransactionHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionHandlers{service: service, logger: logger.With("component", "api"), now: time.Now}
}

type beginRequest struct {
	Domain         domain.TransactionDomain `json:"domain"`
	Type           domain.TransactionType   `json:"type"`
	TargetID       string                   `json:"target_id"`
	AmountSats     int64                    `json:"amount_sats,omitempty"`
	AmountMsats    int64                    `json:"amount_msats,omitempty"`
	FiatAmount     *decimal.Decimal         `json:"fiat_amount,omitempty"`
	PaymentMethod  domain.PaymentMethod     `json:"payment_method"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Details        domain.PaymentDetails    `json:"details"`
}

type retryRequest struct {
	Reason string `json:"reason"`
}

type membersRequest struct {
	Invites []domain.RawInvite `json:"invites"`
}

type quoteResponse struct {
	ID        string          `json:"id"`
	Rate      decimal.Decimal `json:"rate"`
	ExpiresAt time.Time       `json:"expires_at"`
	ExpiresIn int64           `json:"expires_in_seconds"`
}

// transactionResponse is the client view of a transaction. Amounts are authoritative in
// msats; fiat_amount is derived from the bound quote.
type transactionResponse struct {
	ID               string                   `json:"id"`
	Status           domain.WireStatus        `json:"status"`
	State            domain.State             `json:"state"`
	Domain           domain.TransactionDomain `json:"domain"`
	Type             domain.TransactionType   `json:"type"`
	TargetID         string                   `json:"target_id"`
	PaymentMethod    domain.PaymentMethod     `json:"payment_method"`
	IdempotencyKey   string                   `json:"idempotency_key"`
	AmountMsats      int64                    `json:"amount_msats"`
	AmountSats       int64                    `json:"amount_sats"`
	FiatAmount       *decimal.Decimal         `json:"fiat_amount,omitempty"`
	Quote            *quoteResponse           `json:"quote,omitempty"`
	Attempts         []domain.AttemptRecord   `json:"attempts"`
	Retryable        bool                     `json:"retryable"`
	LastErrorKind    *domain.ErrorKind        `json:"last_error_kind,omitempty"`
	LastErrorMessage *string                  `json:"last_error_message,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
}

func (h *TransactionHandlers) buildTransactionResponse(tx *domain.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:               tx.ID,
		Status:           tx.State.Wire(),
		State:            tx.State,
		Domain:           tx.Intent.Domain,
		Type:             tx.Intent.Type,
		TargetID:         tx.Intent.TargetID,
		PaymentMethod:    tx.Intent.PaymentMethod,
		IdempotencyKey:   tx.Intent.IdempotencyKey,
		AmountMsats:      tx.Amount.Msats,
		AmountSats:       tx.Amount.Sats(),
		Attempts:         tx.Attempts,
		Retryable:        tx.State == domain.StateFailed && !tx.Exhausted,
		LastErrorKind:    tx.LastErrorKind,
		LastErrorMessage: tx.LastErrorMessage,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
		CompletedAt:      tx.CompletedAt,
	}
	if resp.Attempts == nil {
		resp.Attempts = []domain.AttemptRecord{}
	}
	if tx.Quote != nil {
		resp.Quote = &quoteResponse{
			ID:        tx.Quote.ID,
			Rate:      tx.Quote.Rate,
			ExpiresAt: tx.Quote.Expiry,
			ExpiresIn: int64(tx.Quote.Remaining(h.now()).Seconds()),
		}
		if fiat, ok := tx.Amount.Fiat(tx.Quote); ok && tx.Amount.IsPositive() {
			resp.FiatAmount = &fiat
		}
	}
	return resp
}

func (h *TransactionHandlers) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get caller from context")
	}
	return caller, ok
}

// BeginTransactionHandler creates a transaction from an intent.
func (h *TransactionHandlers) BeginTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Info("begin rejected", "reason", "invalid_json", "user_id", caller.UserID, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	amount := domain.Money{Msats: req.AmountMsats}
	if req.AmountSats != 0 {
		if req.AmountMsats != 0 {
			writeError(w, http.StatusBadRequest, "invalid_intent", "Send either amount_sats or amount_msats")
			return
		}
		var err error
		if amount, err = domain.NewMoneyFromSats(req.AmountSats); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
			return
		}
	}

	intent := domain.TransactionIntent{
		Domain:         req.Domain,
		Type:           req.Type,
		TargetID:       req.TargetID,
		Amount:         amount,
		FiatAmount:     req.FiatAmount,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Details:        req.Details,
		Initiator:      caller,
	}

	tx, err := h.service.Begin(r.Context(), intent)
	if err != nil {
		h.logger.Info("begin failed", "user_id", caller.UserID, "domain", req.Domain, "type", req.Type, "method", req.PaymentMethod, "error", err)
		h.writeTransactionError(w, tx, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.buildTransactionResponse(tx))
}

// ConfirmTransactionHandler submits a quoted transaction.
func (h *TransactionHandlers) ConfirmTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.service.Confirm(r.Context(), caller, chi.URLParam(r, "id"))
	h.respondTransaction(w, tx, err)
}

// RetryTransactionHandler resubmits a failed transaction.
func (h *TransactionHandlers) RetryTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	// The body is optional; chunked requests carry no Content-Length.
	var req retryRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}
	tx, err := h.service.Retry(r.Context(), caller, chi.URLParam(r, "id"), req.Reason)
	h.respondTransaction(w, tx, err)
}

// RequoteTransactionHandler binds a fresh quote to an expired transaction.
func (h *TransactionHandlers) RequoteTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.service.Requote(r.Context(), caller, chi.URLParam(r, "id"))
	h.respondTransaction(w, tx, err)
}

// AbandonTransactionHandler discards an unsubmitted transaction.
func (h *TransactionHandlers) AbandonTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.service.Abandon(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		h.writeTransactionError(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTransactionHandler returns the caller's transaction.
func (h *TransactionHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tx, err := h.service.Status(r.Context(), caller, chi.URLParam(r, "id"))
	h.respondTransaction(w, tx, err)
}

// GetExchangeRateHandler returns the current quote.
func (h *TransactionHandlers) GetExchangeRateHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ExchangeRate(r.Context())
	if err != nil {
		h.writeTransactionError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RefreshExchangeRateHandler forces a quote fetch.
func (h *TransactionHandlers) RefreshExchangeRateHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RefreshExchangeRate(r.Context())
	if err != nil {
		h.writeTransactionError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ExchangeRateStatusHandler reports the quote cache state.
func (h *TransactionHandlers) ExchangeRateStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.ExchangeRateStatus())
}

// SaveChamaMembersHandler normalises invites and stores the chama's membership.
func (h *TransactionHandlers) SaveChamaMembersHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req membersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	chamaID := strings.TrimSpace(chi.URLParam(r, "chamaID"))
	members, err := h.service.SaveChamaMembers(r.Context(), caller, chamaID, req.Invites)
	if err != nil {
		h.logger.Info("chama members rejected", "chama_id", chamaID, "user_id", caller.UserID, "error", err)
		h.writeTransactionError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"chama_id": chamaID, "members": members})
}

func (h *TransactionHandlers) respondTransaction(w http.ResponseWriter, tx *domain.Transaction, err error) {
	if err != nil {
		h.writeTransactionError(w, tx, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildTransactionResponse(tx))
}

type errorResponse struct {
	Error       string               `json:"error"`
	Code        string               `json:"code"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
}

// writeTransactionError maps orchestrator errors onto HTTP statuses. When the operation
// left a transaction behind, its current view is included.
func (h *TransactionHandlers) writeTransactionError(w http.ResponseWriter, tx *domain.Transaction, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = "Internal server error"
	}
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter/time.Second)))
	}
	resp := errorResponse{Error: message, Code: code}
	if tx != nil {
		view := h.buildTransactionResponse(tx)
		resp.Transaction = &view
	}
	h.writeJSON(w, status, resp)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidIntent):
		return http.StatusBadRequest, "invalid_intent"
	case errors.Is(err, domain.ErrInvalidMethod):
		return http.StatusBadRequest, "invalid_method"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotChamaMember):
		return http.StatusForbidden, "not_chama_member"
	case errors.Is(err, domain.ErrInsufficientRole):
		return http.StatusForbidden, "insufficient_role"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, domain.ErrQuoteExpired):
		return http.StatusConflict, "quote_expired"
	case errors.Is(err, domain.ErrMaxAttemptsExceeded):
		return http.StatusConflict, "max_attempts_exceeded"
	case errors.Is(err, domain.ErrNotRetryable):
		return http.StatusConflict, "not_retryable"
	case errors.Is(err, domain.ErrCannotAbandon):
		return http.StatusConflict, "cannot_abandon"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable, "quote_unavailable"
	case errors.Is(err, domain.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

/**
 * @description
 * This file contains the transaction orchestrator. The `Service` drives every
 * transaction from intent to a terminal state: it resolves the payment method, binds a
 * fiat/sat quote, submits to the settlement backend and tracks the outcome, coordinating
 * retries through the retry coordinator.
 *
 * Key features:
 * - One task owns a transaction at a time; contention fails fast with ErrBusy.
 * - Every transition is persisted before it is announced to observers.
 * - An expired quote is never submitted; the transaction moves to Expired instead.
 * - Submissions outlive the caller's context and are bounded by the submit timeout.
 *
 * @dependencies
 * - github.com/google/uuid: For transaction ids.
 * - internal/domain, internal/store: For domain models and data access.
 * - internal/retry, internal/chama: For retry policy and invite normalisation.
 * - pkg/settlement: For the settlement backend contract.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bitsacco/transaction-service/internal/chama"
	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/bitsacco/transaction-service/internal/metrics"
	"github.com/bitsacco/transaction-service/internal/retry"
	"github.com/bitsacco/transaction-service/internal/store"
	"github.com/bitsacco/transaction-service/pkg/settlement"
	"github.com/google/uuid"
)

// Settlement is the part of the settlement backend the orchestrator calls.
type Settlement interface {
	Submit(ctx context.Context, req settlement.Request) (*settlement.Submission, error)
	GetPaymentStatus(ctx context.Context, domain, reference string) (*settlement.PaymentStatus, error)
}

// Quoter is the exchange rate service.
type Quoter interface {
	GetQuote(ctx context.Context) (*domain.QuoteResult, error)
	Refresh(ctx context.Context) (*domain.QuoteResult, error)
	CacheStatus() domain.CacheStatus
}

// IntentResolver is the payment method resolver.
type IntentResolver interface {
	Resolve(intent domain.TransactionIntent) (*domain.ResolvedRequest, error)
	CheckBoundAmount(method domain.PaymentMethod, amount domain.Money) error
}

type Config struct {
	QuoteTimeout  time.Duration
	SubmitTimeout time.Duration
	PollBatch     int
}

func DefaultConfig() Config {
	return Config{
		QuoteTimeout:  10 * time.Second,
		SubmitTimeout: 30 * time.Second,
		PollBatch:     100,
	}
}

// Dependencies are the collaborators of the orchestrator. Locker, Limiter, Metrics,
// Logger and Clock are optional.
type Dependencies struct {
	Repo       store.Repository
	Settlement Settlement
	Rates      Quoter
	Resolver   IntentResolver
	Retry      *retry.Coordinator
	Locker     Locker
	Limiter    RateLimiter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service provides the transaction orchestration use cases.
type Service struct {
	repo       store.Repository
	settlement Settlement
	rates      Quoter
	resolver   IntentResolver
	retry      *retry.Coordinator
	locker     Locker
	limiter    RateLimiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config

	observersMu sync.RWMutex
	observers   []Observer
}

// NewService creates a new transaction orchestrator.
func NewService(deps Dependencies, cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = defaults.QuoteTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaults.SubmitTimeout
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaults.PollBatch
	}
	s := &Service{
		repo:       deps.Repo,
		settlement: deps.Settlement,
		rates:      deps.Rates,
		resolver:   deps.Resolver,
		retry:      deps.Retry,
		locker:     deps.Locker,
		limiter:    deps.Limiter,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Clock,
		cfg:        cfg,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "orchestrator")
	if s.now == nil {
		s.now = time.Now
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.retry == nil {
		s.retry = retry.NewCoordinator(retry.DefaultConfig(), s.logger)
	}
	return s
}

// Observe registers an observer for status events.
func (s *Service) Observe(o Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// Begin creates a transaction for the intent. Fiat-denominated intents are quoted
// immediately. A repeated begin with the same idempotency key returns the existing
// transaction. When the transaction was persisted but quoting failed, both the
// transaction and the error are returned.
func (s *Service) Begin(ctx context.Context, intent domain.TransactionIntent) (*domain.Transaction, error) {
	if intent.Initiator.UserID != "" && intent.IdempotencyKey != "" {
		// Concurrent begins race on the idempotency key, not on the id minted below.
		unlock, err := s.locker.TryLock(ctx, beginLockKey(intent.Initiator.UserID, intent.IdempotencyKey))
		if err != nil {
			return nil, err
		}
		defer unlock()

		existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, intent.Initiator.UserID, intent.IdempotencyKey)
		if err == nil {
			s.logger.Info("begin replayed", "transaction_id", existing.ID, "idempotency_key", intent.IdempotencyKey)
			return existing, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	if err := s.checkBeginRate(ctx, intent.Initiator.UserID); err != nil {
		return nil, err
	}

	resolved, err := s.resolver.Resolve(intent)
	if err != nil {
		s.logger.Info("intent rejected", "user_id", intent.Initiator.UserID, "domain", intent.Domain, "type", intent.Type, "method", intent.PaymentMethod, "error", err)
		return nil, err
	}

	membership, err := s.authorizeChama(ctx, intent, resolved)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tx := &domain.Transaction{
		ID:         uuid.NewString(),
		Intent:     intent,
		State:      domain.StateDraft,
		Resolved:   resolved,
		Membership: membership,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !resolved.RequiresQuote {
		tx.Amount = intent.Amount
	}

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return s.repo.FindTransactionByIdempotencyKey(ctx, intent.Initiator.UserID, intent.IdempotencyKey)
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	s.metrics.Transition(string(domain.StateDraft))
	s.logger.Info("transaction created", "transaction_id", tx.ID, "operation", resolved.Operation, "method", resolved.Method, "requires_quote", resolved.RequiresQuote)
	s.emit(tx, "", "created")

	if !resolved.RequiresQuote {
		return tx.Clone(), nil
	}

	if err := s.transition(ctx, tx, domain.StateQuotePending, "quote requested"); err != nil {
		return nil, err
	}
	if err := s.bindQuote(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrLimitExceeded) {
			// Nothing was submitted; an unusable amount leaves no transaction behind.
			if delErr := s.repo.DeleteTransaction(ctx, tx.ID); delErr != nil {
				s.logger.Error("failed to discard unquotable transaction", "transaction_id", tx.ID, "error", delErr)
			}
			return nil, err
		}
		return tx.Clone(), err
	}
	return tx.Clone(), nil
}

// Confirm submits a quoted (or quote-free draft) transaction. A quote that has expired
// moves the transaction to Expired and fails with ErrQuoteExpired.
func (s *Service) Confirm(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error) {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	switch tx.State {
	case domain.StateQuoted:
		if !tx.Quote.ValidAt(s.now()) {
			if err := s.transition(ctx, tx, domain.StateExpired, "quote expired before confirmation"); err != nil {
				return nil, err
			}
			return tx.Clone(), fmt.Errorf("%w: quote %s expired at %s", domain.ErrQuoteExpired, tx.Quote.ID, tx.Quote.Expiry.Format(time.RFC3339))
		}
	case domain.StateDraft:
		if tx.Resolved != nil && tx.Resolved.RequiresQuote {
			return tx.Clone(), fmt.Errorf("%w: transaction has not been quoted", domain.ErrInvalidTransition)
		}
	case domain.StateExpired:
		return tx.Clone(), fmt.Errorf("%w: requote before confirming", domain.ErrQuoteExpired)
	case domain.StatePending, domain.StateCompleted:
		return tx.Clone(), nil
	case domain.StateSubmitting:
		return nil, fmt.Errorf("%w: submission in progress", domain.ErrBusy)
	default:
		return tx.Clone(), fmt.Errorf("%w: cannot confirm a %s transaction", domain.ErrInvalidTransition, tx.State)
	}

	err = s.submit(ctx, tx)
	return tx.Clone(), err
}

// Retry resubmits a failed transaction with its original idempotency key.
func (s *Service) Retry(ctx context.Context, caller domain.Caller, id, reason string) (*domain.Transaction, error) {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	wasExhausted := tx.Exhausted
	if err := s.retry.Authorize(tx, reason); err != nil {
		if tx.Exhausted && !wasExhausted {
			tx.UpdatedAt = s.now()
			if saveErr := s.repo.SaveTransaction(ctx, tx); saveErr != nil {
				s.logger.Error("failed to persist exhausted transaction", "transaction_id", tx.ID, "error", saveErr)
			}
		}
		return tx.Clone(), err
	}
	if err := s.retry.Wait(ctx, tx); err != nil {
		return tx.Clone(), err
	}

	err = s.submit(ctx, tx)
	return tx.Clone(), err
}

// Requote binds a fresh quote to an expired transaction, or to one whose quote fetch failed.
func (s *Service) Requote(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error) {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	switch tx.State {
	case domain.StateQuoted:
		if tx.Quote.ValidAt(s.now()) {
			return tx.Clone(), nil
		}
		if err := s.transition(ctx, tx, domain.StateExpired, "quote expired"); err != nil {
			return nil, err
		}
		fallthrough
	case domain.StateExpired:
		if err := s.transition(ctx, tx, domain.StateQuotePending, "requote requested"); err != nil {
			return nil, err
		}
	case domain.StateQuotePending:
	default:
		return tx.Clone(), fmt.Errorf("%w: cannot requote a %s transaction", domain.ErrInvalidTransition, tx.State)
	}

	err = s.bindQuote(ctx, tx)
	return tx.Clone(), err
}

// Abandon discards a transaction that has not been submitted.
func (s *Service) Abandon(ctx context.Context, caller domain.Caller, id string) error {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.owned(ctx, caller, id)
	if err != nil {
		return err
	}
	if !tx.State.Abandonable() {
		return fmt.Errorf("%w: transaction is %s", domain.ErrCannotAbandon, tx.State)
	}
	if err := s.repo.DeleteTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	s.logger.Info("transaction abandoned", "transaction_id", id, "state", tx.State)
	return nil
}

// Status returns the caller's transaction.
func (s *Service) Status(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error) {
	return s.owned(ctx, caller, id)
}

// Poll asks the settlement backend for the outcome of a pending transaction.
func (s *Service) Poll(ctx context.Context, id string) (*domain.Transaction, error) {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.State != domain.StatePending {
		return tx, nil
	}
	last := tx.LastAttempt()
	if last == nil || last.BackendReference == nil {
		return tx, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	status, err := s.settlement.GetPaymentStatus(pctx, string(tx.Intent.Domain), *last.BackendReference)
	if err != nil {
		return tx, fmt.Errorf("poll payment status %s: %w", *last.BackendReference, err)
	}
	if err := s.applyBackendStatus(ctx, tx, status.Status, status.ErrorCode, status.Message); err != nil {
		return tx.Clone(), err
	}
	return tx.Clone(), nil
}

// PollPending polls a batch of in-flight transactions and fails submissions that never
// reached an outcome within twice the submit timeout. It returns the number examined.
func (s *Service) PollPending(ctx context.Context) (int, error) {
	list, err := s.repo.ListInFlightTransactions(ctx, s.cfg.PollBatch)
	if err != nil {
		return 0, fmt.Errorf("list in-flight transactions: %w", err)
	}
	for _, tx := range list {
		var err error
		switch tx.State {
		case domain.StatePending:
			_, err = s.Poll(ctx, tx.ID)
		case domain.StateSubmitting:
			if s.now().Sub(tx.UpdatedAt) > 2*s.cfg.SubmitTimeout {
				err = s.expireStaleSubmission(ctx, tx.ID)
			}
		}
		if err != nil && !errors.Is(err, domain.ErrBusy) {
			s.logger.Warn("poll failed", "transaction_id", tx.ID, "state", tx.State, "error", err)
		}
	}
	return len(list), nil
}

// ApplySettlementUpdate applies a relayed backend status event. Events for unknown
// references, superseded attempts or already settled transactions are ignored.
func (s *Service) ApplySettlementUpdate(ctx context.Context, event domain.SettlementStatusEvent) error {
	if strings.TrimSpace(event.Reference) == "" {
		s.logger.Warn("settlement update without reference", "event_id", event.EventID)
		return nil
	}
	found, err := s.repo.FindTransactionByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			s.logger.Info("no transaction for settlement reference; acknowledging", "reference", event.Reference)
			return nil
		}
		return fmt.Errorf("lookup reference: %w", err)
	}

	unlock, err := s.locker.TryLock(ctx, lockKey(found.ID))
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.repo.FindTransactionByID(ctx, found.ID)
	if err != nil {
		return err
	}
	last := tx.LastAttempt()
	if last == nil || last.BackendReference == nil || *last.BackendReference != event.Reference {
		s.logger.Info("settlement update for superseded attempt ignored", "transaction_id", tx.ID, "reference", event.Reference)
		return nil
	}
	if tx.State != domain.StatePending && tx.State != domain.StateSubmitting {
		s.logger.Info("settlement update replay ignored", "transaction_id", tx.ID, "state", tx.State, "status", event.Status)
		return nil
	}
	return s.applyBackendStatus(ctx, tx, event.Status, event.ErrorCode, event.Reason)
}

// ExchangeRate returns the current quote, from cache while it is valid.
func (s *Service) ExchangeRate(ctx context.Context) (*domain.QuoteResult, error) {
	return s.rates.GetQuote(ctx)
}

// RefreshExchangeRate forces a quote fetch.
func (s *Service) RefreshExchangeRate(ctx context.Context) (*domain.QuoteResult, error) {
	return s.rates.Refresh(ctx)
}

func (s *Service) ExchangeRateStatus() domain.CacheStatus {
	return s.rates.CacheStatus()
}

// SaveChamaMembers normalises invites and stores them with the caller as Admin. Only an
// existing Admin may add members to a chama that already has members.
func (s *Service) SaveChamaMembers(ctx context.Context, caller domain.Caller, chamaID string, invites []domain.RawInvite) ([]domain.ChamaMember, error) {
	exists, err := s.repo.ChamaExists(ctx, chamaID)
	if err != nil {
		return nil, fmt.Errorf("lookup chama: %w", err)
	}
	if exists {
		member, err := s.repo.FindChamaMember(ctx, chamaID, caller)
		if err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				return nil, domain.ErrNotChamaMember
			}
			return nil, fmt.Errorf("lookup chama member: %w", err)
		}
		membership := domain.ChamaMembership{ChamaID: chamaID, Roles: member.Roles}
		if !membership.HasRole(domain.RoleAdmin) {
			return nil, domain.ErrInsufficientRole
		}
	}

	members, err := chama.Members(caller, chamaID, invites, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveChamaMembers(ctx, members); err != nil {
		return nil, fmt.Errorf("save chama members: %w", err)
	}
	s.logger.Info("chama members saved", "chama_id", chamaID, "count", len(members), "by", caller.UserID)
	return members, nil
}

func lockKey(id string) string {
	return "transaction:" + id
}

func beginLockKey(userID, idempotencyKey string) string {
	return "begin:" + userID + ":" + idempotencyKey
}

func (s *Service) owned(ctx context.Context, caller domain.Caller, id string) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.UserID == "" || tx.Intent.Initiator.UserID != caller.UserID {
		return nil, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *Service) checkBeginRate(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Allow(ctx, OperationBegin, userID)
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		return err
	}
	s.logger.Warn("begin rate limiter unavailable; allowing request", "user_id", userID, "error", err)
	return nil
}

func (s *Service) authorizeChama(ctx context.Context, intent domain.TransactionIntent, resolved *domain.ResolvedRequest) (*domain.ChamaMembership, error) {
	if intent.Domain != domain.DomainChama {
		return nil, nil
	}
	member, err := s.repo.FindChamaMember(ctx, intent.TargetID, intent.Initiator)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return nil, fmt.Errorf("%w: chama %s", domain.ErrNotChamaMember, intent.TargetID)
		}
		return nil, fmt.Errorf("lookup chama member: %w", err)
	}
	membership := &domain.ChamaMembership{
		ChamaID: intent.TargetID,
		Member:  memberLabel(member),
		Roles:   append([]domain.Role(nil), member.Roles...),
	}
	if resolved.RequiredRole != nil && !membership.HasRole(*resolved.RequiredRole) {
		return nil, fmt.Errorf("%w: %s requires %s", domain.ErrInsufficientRole, resolved.Operation, resolved.RequiredRole)
	}
	return membership, nil
}

func memberLabel(m *domain.ChamaMember) string {
	switch {
	case m.UserID != nil:
		return *m.UserID
	case m.PhoneNumber != nil:
		return *m.PhoneNumber
	case m.ProtocolIdentity != nil:
		return *m.ProtocolIdentity
	default:
		return ""
	}
}

// bindQuote fetches a quote and binds it to a QuotePending transaction. On failure the
// transaction stays QuotePending and can be requoted.
func (s *Service) bindQuote(ctx context.Context, tx *domain.Transaction) error {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
	defer cancel()

	res, err := s.rates.GetQuote(qctx)
	if err == nil && !res.Quote.ValidAt(s.now()) {
		err = fmt.Errorf("%w: pricing source served an expired quote", domain.ErrQuoteUnavailable)
	}
	if err == nil {
		fiat := tx.Resolved.FiatAmount
		amount, convErr := domain.SatsForFiat(*fiat, res.Rate)
		if convErr != nil {
			err = convErr
		} else if limitErr := s.resolver.CheckBoundAmount(tx.Resolved.Method, amount); limitErr != nil {
			err = limitErr
		} else {
			quote := res.Quote
			now := s.now()
			tx.Quote = &quote
			tx.QuotedAt = &now
			tx.Amount = amount
			tx.LastErrorMessage = nil
			return s.transition(ctx, tx, domain.StateQuoted, "quote bound")
		}
	}

	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		err = fmt.Errorf("%w: %w: %v", domain.ErrQuoteUnavailable, domain.ErrTimeout, err)
	}
	s.logger.Warn("quote not bound", "transaction_id", tx.ID, "error", err)
	msg := err.Error()
	tx.LastErrorMessage = &msg
	tx.UpdatedAt = s.now()
	if saveErr := s.repo.SaveTransaction(ctx, tx); saveErr != nil {
		s.logger.Error("failed to persist quote failure", "transaction_id", tx.ID, "error", saveErr)
	}
	return err
}

// submit enters Submitting with a new attempt and drives it to Pending, Completed or
// Failed. From here on the caller's cancellation is not honoured.
func (s *Service) submit(ctx context.Context, tx *domain.Transaction) error {
	ctx = context.WithoutCancel(ctx)
	if !domain.CanTransition(tx.State, domain.StateSubmitting) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tx.State, domain.StateSubmitting)
	}
	attempt := tx.AppendAttempt(s.now())
	if err := s.transition(ctx, tx, domain.StateSubmitting, fmt.Sprintf("attempt %d", attempt.AttemptNumber)); err != nil {
		tx.Attempts = tx.Attempts[:len(tx.Attempts)-1]
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	sub, err := s.settlement.Submit(sctx, buildRequest(tx))
	cancel()
	if err != nil {
		serr := classifySubmission(err)
		s.logger.Warn("submission failed", "transaction_id", tx.ID, "attempt", len(tx.Attempts), "code", serr.Code, "kind", serr.Kind, "error", err)
		if perr := s.recordFailure(ctx, tx, serr); perr != nil {
			return perr
		}
		return serr
	}

	reference := sub.Reference
	tx.LastAttempt().BackendReference = &reference
	s.metrics.Submission("accepted")
	s.logger.Info("submission accepted", "transaction_id", tx.ID, "attempt", len(tx.Attempts), "reference", reference, "status", sub.Status)

	switch normalizeStatus(sub.Status) {
	case statusCompleted:
		return s.recordSuccess(ctx, tx)
	case statusFailed:
		serr := &domain.SubmissionError{Code: "SETTLEMENT_FAILED", Kind: domain.ErrorKindTerminal, Message: "settlement backend rejected the payment"}
		if perr := s.recordFailure(ctx, tx, serr); perr != nil {
			return perr
		}
		return serr
	default:
		return s.transition(ctx, tx, domain.StatePending, "accepted by settlement backend")
	}
}

func (s *Service) expireStaleSubmission(ctx context.Context, id string) error {
	unlock, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.State != domain.StateSubmitting || s.now().Sub(tx.UpdatedAt) <= 2*s.cfg.SubmitTimeout {
		return nil
	}
	s.logger.Warn("submission never reached an outcome; failing as timeout", "transaction_id", id, "since", tx.UpdatedAt)
	return s.recordFailure(ctx, tx, &domain.SubmissionError{
		Code:    domain.CodeTimeout,
		Kind:    domain.ErrorKindRetryable,
		Message: "no outcome recorded before the submit timeout",
	})
}

func (s *Service) applyBackendStatus(ctx context.Context, tx *domain.Transaction, status, code, reason string) error {
	switch normalizeStatus(status) {
	case statusCompleted:
		return s.recordSuccess(ctx, tx)
	case statusFailed:
		kind := domain.ErrorKindTerminal
		if code != "" {
			kind = domain.ClassifyCode(code)
		} else {
			code = "SETTLEMENT_FAILED"
		}
		return s.recordFailure(ctx, tx, &domain.SubmissionError{Code: code, Kind: kind, Message: reason})
	default:
		return nil
	}
}

func (s *Service) recordSuccess(ctx context.Context, tx *domain.Transaction) error {
	tx.ResolveLastAttempt(domain.OutcomeSuccess, nil, nil, nil, s.now())
	tx.LastErrorKind = nil
	tx.LastErrorMessage = nil
	s.metrics.Submission("success")
	return s.transition(ctx, tx, domain.StateCompleted, "settled")
}

func (s *Service) recordFailure(ctx context.Context, tx *domain.Transaction, serr *domain.SubmissionError) error {
	kind := serr.Kind
	code := serr.Code
	message := serr.Error()
	tx.ResolveLastAttempt(domain.OutcomeFailure, &kind, &code, &message, s.now())
	tx.LastErrorKind = &kind
	tx.LastErrorMessage = &message
	s.metrics.Submission(string(kind) + "_failure")
	return s.transition(ctx, tx, domain.StateFailed, code)
}

// transition moves tx to the next state, persists it and announces the change.
func (s *Service) transition(ctx context.Context, tx *domain.Transaction, to domain.State, reason string) error {
	from := tx.State
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	prevUpdated, prevExhausted := tx.UpdatedAt, tx.Exhausted
	now := s.now()
	tx.State = to
	tx.UpdatedAt = now
	if to == domain.StateCompleted {
		tx.CompletedAt = &now
	}
	if to == domain.StateFailed {
		s.retry.Settle(tx)
	}
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		tx.State, tx.UpdatedAt, tx.Exhausted = from, prevUpdated, prevExhausted
		if to == domain.StateCompleted {
			tx.CompletedAt = nil
		}
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	s.metrics.Transition(string(to))
	s.logger.Info("transaction transition", "transaction_id", tx.ID, "from", from, "to", to, "status", to.Wire(), "reason", reason)
	s.emit(tx, from, reason)
	return nil
}

func (s *Service) emit(tx *domain.Transaction, from domain.State, reason string) {
	event := domain.StatusEvent{
		TransactionID:  tx.ID,
		IdempotencyKey: tx.Intent.IdempotencyKey,
		Domain:         tx.Intent.Domain,
		From:           from,
		To:             tx.State,
		Status:         tx.State.Wire(),
		Attempt:        len(tx.Attempts),
		Reason:         reason,
		OccurredAt:     tx.UpdatedAt,
	}
	if tx.State == domain.StateFailed && tx.LastErrorKind != nil {
		kind := *tx.LastErrorKind
		event.ErrorKind = &kind
	}

	s.observersMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, o := range observers {
		o.OnStatus(event)
	}
}

func buildRequest(tx *domain.Transaction) settlement.Request {
	r := tx.Resolved
	req := settlement.Request{
		ClientReference: tx.ID,
		UserID:          tx.Intent.Initiator.UserID,
		Operation:       string(r.Operation),
		Domain:          string(r.Domain),
		TargetID:        r.TargetID,
		Method:          string(r.Method),
		FundingPath:     string(r.FundingPath),
		AmountMsats:     tx.Amount.Msats,
		PhoneNumber:     r.PhoneNumber,
		Invoice:         r.Invoice,
		RecipientID:     r.RecipientID,
		IdempotencyKey:  tx.Intent.IdempotencyKey,
	}
	if r.FiatAmount != nil {
		req.FiatAmount = r.FiatAmount.StringFixed(2)
	}
	if tx.Quote != nil {
		req.QuoteID = tx.Quote.ID
	}
	return req
}

func classifySubmission(err error) *domain.SubmissionError {
	if errors.Is(err, settlement.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.SubmissionError{Code: domain.CodeTimeout, Kind: domain.ErrorKindRetryable, Message: err.Error()}
	}
	var se *settlement.Error
	if errors.As(err, &se) {
		kind := domain.ClassifyCode(se.Code)
		// The backend may have accepted the request; resubmitting under the same key is safe.
		if se.Code == settlement.CodeBadResponse {
			kind = domain.ErrorKindRetryable
		}
		return &domain.SubmissionError{Code: se.Code, Kind: kind, Message: se.Message}
	}
	return &domain.SubmissionError{Code: "CLIENT_ERROR", Kind: domain.ErrorKindTerminal, Message: err.Error()}
}

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusPending   = "pending"
)

func normalizeStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "completed", "complete", "successful", "success", "settled":
		return statusCompleted
	case "failed", "failure", "rejected", "cancelled", "canceled", "expired":
		return statusFailed
	default:
		return statusPending
	}
}

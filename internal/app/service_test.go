package app

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/bitsacco/transaction-service/internal/resolver"
	"github.com/bitsacco/transaction-service/internal/retry"
	"github.com/bitsacco/transaction-service/internal/store"
	"github.com/bitsacco/transaction-service/pkg/logging"
	"github.com/bitsacco/transaction-service/pkg/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type quoterStub struct {
	mu    sync.Mutex
	clock *testClock
	rate  decimal.Decimal
	ttl   time.Duration
	err   error
	calls int
}

func (q *quoterStub) GetQuote(ctx context.Context) (*domain.QuoteResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	quote := domain.Quote{
		ID:     "quote-" + strconv.Itoa(q.calls),
		From:   domain.CurrencyKES,
		To:     domain.CurrencyBTC,
		Rate:   q.rate,
		Expiry: q.clock.Now().Add(q.ttl),
	}
	return &domain.QuoteResult{Rate: q.rate, Quote: quote}, nil
}

func (q *quoterStub) Refresh(ctx context.Context) (*domain.QuoteResult, error) {
	return q.GetQuote(ctx)
}

func (q *quoterStub) CacheStatus() domain.CacheStatus { return domain.CacheStatus{} }

func (q *quoterStub) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type settlementStub struct {
	mu       sync.Mutex
	requests []settlement.Request
	submit   func(n int, req settlement.Request) (*settlement.Submission, error)
	// blocking, when set, replaces submit and sees the context handed to the backend.
	blocking func(ctx context.Context) (*settlement.Submission, error)
	status   *settlement.PaymentStatus
}

func (s *settlementStub) Submit(ctx context.Context, req settlement.Request) (*settlement.Submission, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	if s.blocking != nil {
		return s.blocking(ctx)
	}
	if s.submit == nil {
		return &settlement.Submission{Reference: "ref-1", Status: "completed"}, nil
	}
	return s.submit(n, req)
}

func (s *settlementStub) GetPaymentStatus(ctx context.Context, dom, reference string) (*settlement.PaymentStatus, error) {
	if s.status == nil {
		return nil, errors.New("no status")
	}
	out := *s.status
	out.Reference = reference
	return &out, nil
}

func (s *settlementStub) Requests() []settlement.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Request(nil), s.requests...)
}

type harness struct {
	svc     *Service
	repo    *store.MemoryRepository
	clock   *testClock
	quotes  *quoterStub
	backend *settlementStub
	locker  *LocalLocker
	events  *ChannelObserver
}

func newHarness(t *testing.T, mutate ...func(*Dependencies, *Config)) *harness {
	t.Helper()
	clock := &testClock{now: epoch}
	h := &harness{
		repo:    store.NewMemoryRepository(),
		clock:   clock,
		quotes:  &quoterStub{clock: clock, rate: decimal.RequireFromString("0.3"), ttl: time.Minute},
		backend: &settlementStub{},
		locker:  NewLocalLocker(),
		events:  NewChannelObserver(64, logging.Discard()),
	}
	deps := Dependencies{
		Repo:       h.repo,
		Settlement: h.backend,
		Rates:      h.quotes,
		Resolver:   resolver.New(resolver.DefaultLimits()),
		Retry:      retry.NewCoordinator(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logging.Discard()),
		Locker:     h.locker,
		Logger:     logging.Discard(),
		Clock:      clock.Now,
	}
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&deps, &cfg)
	}
	h.svc = NewService(deps, cfg)
	h.svc.Observe(h.events)
	return h
}

func (h *harness) drain() []domain.StatusEvent {
	var out []domain.StatusEvent
	for {
		select {
		case e := <-h.events.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

var alice = domain.Caller{UserID: "user-alice", PhoneNumber: "+254700000001"}

func kesDeposit(key string, kes string) domain.TransactionIntent {
	fiat := decimal.RequireFromString(kes)
	return domain.TransactionIntent{
		Domain:         domain.DomainPersonal,
		Type:           domain.TypeDeposit,
		TargetID:       alice.UserID,
		FiatAmount:     &fiat,
		PaymentMethod:  domain.MethodMobileMoney,
		IdempotencyKey: key,
		Initiator:      alice,
	}
}

func lightningDeposit(key string, sats int64) domain.TransactionIntent {
	return domain.TransactionIntent{
		Domain:         domain.DomainPersonal,
		Type:           domain.TypeDeposit,
		TargetID:       alice.UserID,
		Amount:         domain.MoneyFromSats(sats),
		PaymentMethod:  domain.MethodLightning,
		IdempotencyKey: key,
		Initiator:      alice,
	}
}

func TestBeginConfirm_FiatDepositCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-deposit-1", "5000"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoted, tx.State)
	assert.Equal(t, int64(16666), tx.Amount.Sats())
	require.NotNil(t, tx.Quote)
	assert.Empty(t, tx.Attempts)

	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)
	assert.Equal(t, domain.WireStatusCompleted, tx.State.Wire())
	require.Len(t, tx.Attempts, 1)
	assert.Equal(t, domain.OutcomeSuccess, tx.Attempts[0].Outcome)
	assert.Equal(t, "ref-1", *tx.Attempts[0].BackendReference)
	assert.NotNil(t, tx.CompletedAt)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(16666000), reqs[0].AmountMsats)
	assert.Equal(t, "5000.00", reqs[0].FiatAmount)
	assert.Equal(t, tx.Quote.ID, reqs[0].QuoteID)
	assert.Equal(t, "key-deposit-1", reqs[0].IdempotencyKey)
	assert.Equal(t, alice.PhoneNumber, reqs[0].PhoneNumber)

	var states []domain.State
	for _, e := range h.drain() {
		states = append(states, e.To)
	}
	assert.Equal(t, []domain.State{
		domain.StateDraft, domain.StateQuotePending, domain.StateQuoted,
		domain.StateSubmitting, domain.StateCompleted,
	}, states)
}

func TestConfirm_ExpiredQuoteIsNeverSubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-expiry-1", "1000"))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrQuoteExpired)
	assert.Equal(t, domain.StateExpired, tx.State)
	assert.Empty(t, tx.Attempts)
	assert.Empty(t, h.backend.Requests())

	_, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrQuoteExpired)

	tx, err = h.svc.Requote(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoted, tx.State)
	assert.True(t, tx.Quote.ValidAt(h.clock.Now()))
	assert.Equal(t, 2, h.quotes.Calls())

	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)
}

func TestRetry_TimeoutThenSuccessReusesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.backend.submit = func(n int, req settlement.Request) (*settlement.Submission, error) {
		if n == 1 {
			return nil, settlement.ErrTimeout
		}
		return &settlement.Submission{Reference: "ref-2", Status: "completed"}, nil
	}
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-retry-1", "5000"))
	require.NoError(t, err)

	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Equal(t, domain.StateFailed, tx.State)
	assert.False(t, tx.Exhausted)
	require.NotNil(t, tx.LastErrorKind)
	assert.Equal(t, domain.ErrorKindRetryable, *tx.LastErrorKind)
	require.Len(t, tx.Attempts, 1)
	assert.Equal(t, domain.CodeTimeout, *tx.Attempts[0].ErrorCode)

	tx, err = h.svc.Retry(ctx, alice, tx.ID, "user retry")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)
	require.Len(t, tx.Attempts, 2)
	assert.Equal(t, 2, tx.Attempts[1].AttemptNumber)
	assert.Equal(t, domain.OutcomeFailure, tx.Attempts[0].Outcome)
	assert.Equal(t, domain.OutcomeSuccess, tx.Attempts[1].Outcome)
	assert.Equal(t, tx.Attempts[0].IdempotencyKey, tx.Attempts[1].IdempotencyKey)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
	assert.Equal(t, reqs[0].AmountMsats, reqs[1].AmountMsats)
}

func TestRetry_StopsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.backend.submit = func(int, settlement.Request) (*settlement.Submission, error) {
		return nil, &settlement.Error{Code: settlement.CodeProviderUnavailable, Message: "down", HTTPStatus: 503}
	}
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, lightningDeposit("key-max-1", 5000))
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	_, err = h.svc.Retry(ctx, alice, tx.ID, "")
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	tx, err = h.svc.Retry(ctx, alice, tx.ID, "")
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.True(t, tx.Exhausted)
	assert.True(t, tx.IsTerminal())

	_, err = h.svc.Retry(ctx, alice, tx.ID, "")
	require.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)
	assert.Len(t, h.backend.Requests(), 3)
}

func TestConfirm_TerminalFailureIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	h.backend.submit = func(int, settlement.Request) (*settlement.Submission, error) {
		return nil, &settlement.Error{Code: domain.CodeInsufficientFunds, Message: "no funds", HTTPStatus: 422}
	}
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, lightningDeposit("key-terminal-1", 5000))
	require.NoError(t, err)
	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, tx.State)
	assert.True(t, tx.Exhausted)

	_, err = h.svc.Retry(ctx, alice, tx.ID, "")
	require.ErrorIs(t, err, domain.ErrNotRetryable)
	assert.Len(t, h.backend.Requests(), 1)
}

func TestConfirm_ConcurrentOperationFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-busy-1", "5000"))
	require.NoError(t, err)

	unlock, err := h.locker.TryLock(ctx, lockKey(tx.ID))
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrBusy)
	_, err = h.svc.Retry(ctx, alice, tx.ID, "")
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Empty(t, h.backend.Requests())

	unlock()
	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)
}

func TestBegin_SerializesOnIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unlock, err := h.locker.TryLock(ctx, beginLockKey(alice.UserID, "key-begin-lock"))
	require.NoError(t, err)
	_, err = h.svc.Begin(ctx, lightningDeposit("key-begin-lock", 2000))
	require.ErrorIs(t, err, domain.ErrBusy)
	unlock()

	// A different key from the same user is not blocked.
	_, err = h.svc.Begin(ctx, lightningDeposit("key-begin-other", 2000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := h.svc.Begin(ctx, lightningDeposit("key-begin-lock", 2000))
			if err == nil {
				ids <- tx.ID
				return
			}
			assert.ErrorIs(t, err, domain.ErrBusy)
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.LessOrEqual(t, len(seen), 1, "concurrent begins with one key must yield one transaction")

	tx, err := h.svc.Begin(ctx, lightningDeposit("key-begin-lock", 2000))
	require.NoError(t, err)
	if len(seen) == 1 {
		assert.True(t, seen[tx.ID])
	}
}

func TestConfirm_SubmissionBoundedBySubmitTimeout(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, c *Config) {
		c.SubmitTimeout = 20 * time.Millisecond
	})
	h.backend.blocking = func(ctx context.Context) (*settlement.Submission, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, lightningDeposit("key-hang-1", 2000))
	require.NoError(t, err)

	start := time.Now()
	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, domain.StateFailed, tx.State)
	require.Len(t, tx.Attempts, 1)
	attempt := tx.Attempts[0]
	assert.Equal(t, domain.OutcomeFailure, attempt.Outcome)
	require.NotNil(t, attempt.ErrorKind)
	assert.Equal(t, domain.ErrorKindRetryable, *attempt.ErrorKind)
	require.NotNil(t, attempt.ErrorCode)
	assert.Equal(t, domain.CodeTimeout, *attempt.ErrorCode)

	stored, err := h.svc.Status(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.False(t, stored.Exhausted)
}

func TestConfirm_CallerCancellationDoesNotAbortSubmission(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var backendErr error
	h.backend.blocking = func(ctx context.Context) (*settlement.Submission, error) {
		close(started)
		<-release
		backendErr = ctx.Err()
		return &settlement.Submission{Reference: "ref-cancel", Status: "completed"}, nil
	}

	tx, err := h.svc.Begin(context.Background(), lightningDeposit("key-cancel-1", 2000))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		tx  *domain.Transaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := h.svc.Confirm(ctx, alice, tx.ID)
		done <- result{got, err}
	}()

	<-started
	cancel()
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.NoError(t, backendErr, "the backend call must not see the caller's cancellation")
	assert.Equal(t, domain.StateCompleted, res.tx.State)
	require.Len(t, res.tx.Attempts, 1)
	assert.Equal(t, domain.OutcomeSuccess, res.tx.Attempts[0].Outcome)
	assert.Equal(t, "ref-cancel", *res.tx.Attempts[0].BackendReference)
}

func TestBegin_InvalidIntentCreatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := kesDeposit("key-invalid-1", "5000")
	intent.Type = domain.TypeTransfer
	_, err := h.svc.Begin(ctx, intent)
	require.ErrorIs(t, err, domain.ErrInvalidMethod)

	_, err = h.svc.Begin(ctx, kesDeposit("key-invalid-2", "5"))
	require.ErrorIs(t, err, domain.ErrLimitExceeded)

	_, err = h.repo.FindTransactionByIdempotencyKey(ctx, alice.UserID, "key-invalid-1")
	require.ErrorIs(t, err, store.ErrTransactionNotFound)
	assert.Empty(t, h.drain())
	assert.Zero(t, h.quotes.Calls())
	assert.Empty(t, h.backend.Requests())
}

func TestBegin_QuoteBelowOneSatIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.quotes.rate = decimal.RequireFromString("100")
	ctx := context.Background()

	_, err := h.svc.Begin(ctx, kesDeposit("key-subsat-1", "10"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.repo.FindTransactionByIdempotencyKey(ctx, alice.UserID, "key-subsat-1")
	require.ErrorIs(t, err, store.ErrTransactionNotFound)
	assert.Empty(t, h.backend.Requests())
}

func TestBegin_IsIdempotentPerKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Begin(ctx, kesDeposit("key-idem-1", "5000"))
	require.NoError(t, err)
	second, err := h.svc.Begin(ctx, kesDeposit("key-idem-1", "5000"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.quotes.Calls())
}

func TestBegin_QuoteFailureKeepsTransactionForRequote(t *testing.T) {
	h := newHarness(t)
	h.quotes.err = domain.ErrQuoteUnavailable
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-quotefail-1", "5000"))
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
	require.NotNil(t, tx)
	assert.Equal(t, domain.StateQuotePending, tx.State)
	require.NotNil(t, tx.LastErrorMessage)

	h.quotes.mu.Lock()
	h.quotes.err = nil
	h.quotes.mu.Unlock()

	tx, err = h.svc.Requote(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoted, tx.State)
	assert.Nil(t, tx.LastErrorMessage)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-abandon-1", "5000"))
	require.NoError(t, err)
	require.NoError(t, h.svc.Abandon(ctx, alice, tx.ID))
	_, err = h.svc.Status(ctx, alice, tx.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	tx, err = h.svc.Begin(ctx, kesDeposit("key-abandon-2", "5000"))
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.Abandon(ctx, alice, tx.ID), domain.ErrCannotAbandon)
}

func TestStatus_HidesOtherUsersTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, kesDeposit("key-owner-1", "5000"))
	require.NoError(t, err)

	_, err = h.svc.Status(ctx, domain.Caller{UserID: "user-mallory"}, tx.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
	_, err = h.svc.Confirm(ctx, domain.Caller{UserID: "user-mallory"}, tx.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestChamaWithdraw_RequiresAdminRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bob := domain.Caller{UserID: "user-bob", PhoneNumber: "+254700000002"}
	members, err := h.svc.SaveChamaMembers(ctx, alice, "chama-1", []domain.RawInvite{{PhoneNumber: bob.PhoneNumber}})
	require.NoError(t, err)
	require.Len(t, members, 2)

	withdraw := func(caller domain.Caller, key string) domain.TransactionIntent {
		fiat := decimal.RequireFromString("1000")
		return domain.TransactionIntent{
			Domain:         domain.DomainChama,
			Type:           domain.TypeWithdraw,
			TargetID:       "chama-1",
			FiatAmount:     &fiat,
			PaymentMethod:  domain.MethodMobileMoney,
			IdempotencyKey: key,
			Initiator:      caller,
		}
	}

	_, err = h.svc.Begin(ctx, withdraw(bob, "key-chama-bob"))
	require.ErrorIs(t, err, domain.ErrInsufficientRole)

	_, err = h.svc.Begin(ctx, withdraw(domain.Caller{UserID: "user-carol", PhoneNumber: "+254700000003"}, "key-chama-carol"))
	require.ErrorIs(t, err, domain.ErrNotChamaMember)

	tx, err := h.svc.Begin(ctx, withdraw(alice, "key-chama-alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoted, tx.State)
	require.NotNil(t, tx.Membership)
	assert.True(t, tx.Membership.HasRole(domain.RoleAdmin))

	_, err = h.svc.SaveChamaMembers(ctx, bob, "chama-1", []domain.RawInvite{{PhoneNumber: "+254700000009"}})
	require.ErrorIs(t, err, domain.ErrInsufficientRole)
}

func TestApplySettlementUpdate(t *testing.T) {
	h := newHarness(t)
	h.backend.submit = func(int, settlement.Request) (*settlement.Submission, error) {
		return &settlement.Submission{Reference: "ref-async", Status: "processing"}, nil
	}
	ctx := context.Background()

	tx, err := h.svc.Begin(ctx, lightningDeposit("key-async-1", 2000))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, tx.State)

	tx, err = h.svc.Confirm(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, tx.State)
	assert.Equal(t, domain.WireStatusProcessing, tx.State.Wire())

	require.NoError(t, h.svc.ApplySettlementUpdate(ctx, domain.SettlementStatusEvent{Reference: "ref-async", Status: "completed"}))
	tx, err = h.svc.Status(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)

	// A late failure for the same reference does not reopen a completed transaction.
	require.NoError(t, h.svc.ApplySettlementUpdate(ctx, domain.SettlementStatusEvent{Reference: "ref-async", Status: "failed"}))
	tx, err = h.svc.Status(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)

	require.NoError(t, h.svc.ApplySettlementUpdate(ctx, domain.SettlementStatusEvent{Reference: "ref-unknown", Status: "completed"}))
}

func TestPollPending(t *testing.T) {
	h := newHarness(t)
	h.backend.submit = func(int, settlement.Request) (*settlement.Submission, error) {
		return &settlement.Submission{Reference: "ref-poll", Status: "pending"}, nil
	}
	h.backend.status = &settlement.PaymentStatus{Status: "failed", ErrorCode: domain.CodeInsufficientFunds, Message: "declined"}
	ctx := context.Background()

	pending, err := h.svc.Begin(ctx, lightningDeposit("key-poll-1", 2000))
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, alice, pending.ID)
	require.NoError(t, err)

	stuck := &domain.Transaction{
		ID:        "tx-stuck",
		Intent:    lightningDeposit("key-poll-2", 2000),
		State:     domain.StateSubmitting,
		CreatedAt: epoch.Add(-time.Hour),
		UpdatedAt: epoch.Add(-time.Hour),
	}
	stuck.AppendAttempt(epoch.Add(-time.Hour))
	require.NoError(t, h.repo.CreateTransaction(ctx, stuck))

	n, err := h.svc.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.svc.Status(ctx, alice, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.True(t, got.Exhausted)
	assert.Equal(t, domain.CodeInsufficientFunds, *got.Attempts[0].ErrorCode)

	got, err = h.svc.Status(ctx, alice, "tx-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindRetryable, *got.LastErrorKind)
	assert.False(t, got.Exhausted)
}

type limiterStub struct {
	limit  int
	counts map[string]int
	err    error
}

func (l *limiterStub) Allow(ctx context.Context, operation, userID string) error {
	if l.err != nil {
		return l.err
	}
	l.counts[operation+":"+userID]++
	if l.counts[operation+":"+userID] > l.limit {
		return &domain.RateLimitError{Operation: operation, Limit: l.limit, Window: time.Minute, RetryAfter: time.Minute}
	}
	return nil
}

func TestBegin_RateLimited(t *testing.T) {
	limiter := &limiterStub{limit: 1, counts: map[string]int{}}
	h := newHarness(t, func(d *Dependencies, c *Config) {
		d.Limiter = limiter
	})
	ctx := context.Background()

	_, err := h.svc.Begin(ctx, lightningDeposit("key-rate-1", 2000))
	require.NoError(t, err)
	_, err = h.svc.Begin(ctx, lightningDeposit("key-rate-2", 2000))
	require.ErrorIs(t, err, domain.ErrRateLimited)

	// Replays of an existing key are answered before the limiter.
	_, err = h.svc.Begin(ctx, lightningDeposit("key-rate-1", 2000))
	require.NoError(t, err)

	limiter.err = errors.New("redis down")
	_, err = h.svc.Begin(ctx, lightningDeposit("key-rate-3", 2000))
	require.NoError(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, statusCompleted, normalizeStatus(" Success "))
	assert.Equal(t, statusFailed, normalizeStatus("rejected"))
	assert.Equal(t, statusPending, normalizeStatus("processing"))
}

func TestClassifySubmission(t *testing.T) {
	assert.Equal(t, domain.ErrorKindRetryable, classifySubmission(context.DeadlineExceeded).Kind)
	assert.Equal(t, domain.ErrorKindRetryable, classifySubmission(&settlement.Error{Code: settlement.CodeBadResponse}).Kind)
	assert.Equal(t, domain.ErrorKindTerminal, classifySubmission(&settlement.Error{Code: domain.CodeValidation}).Kind)
	assert.Equal(t, domain.ErrorKindTerminal, classifySubmission(errors.New("encode")).Kind)
}

// Package rates maintains the process-wide fiat/sat quote cache.
//
// Reads are lock-free. A miss or a forced refresh goes through a single-flight group so
// concurrent callers share one remote fetch and receive the same quote or the same error.
// ClearCache bumps a generation token; a fetch started under an older generation never
// repopulates the cache.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/bitsacco/transaction-service/internal/metrics"
	"github.com/bitsacco/transaction-service/pkg/pricing"
	"golang.org/x/sync/singleflight"
)

// Source is the remote pricing source.
type Source interface {
	FetchQuote(ctx context.Context, from, to string) (*pricing.Quote, error)
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAllowStale lets a failed refresh fall back to an expired cached quote.
func WithAllowStale(allow bool) Option {
	return func(s *Service) { s.allowStale = allow }
}

// WithFetchTimeout bounds each remote fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

type entry struct {
	quote      domain.Quote
	generation uint64
}

// Service is the exchange rate quoting cache.
type Service struct {
	source       Source
	from, to     domain.Currency
	allowStale   bool
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger

	cached     atomic.Pointer[entry]
	generation atomic.Uint64
	group      singleflight.Group
}

// NewService creates a quote cache for the from/to pair.
func NewService(source Source, from, to domain.Currency, opts ...Option) *Service {
	s := &Service{
		source:       source,
		from:         from,
		to:           to,
		fetchTimeout: 10 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "rates")
	return s
}

// GetQuote returns the cached quote while it is valid, otherwise fetches a fresh one.
func (s *Service) GetQuote(ctx context.Context) (*domain.QuoteResult, error) {
	if e := s.cached.Load(); e != nil && e.quote.ValidAt(s.now()) {
		s.metrics.Quote("cache")
		q := e.quote
		return &domain.QuoteResult{Rate: q.Rate, Quote: q, IsFromCache: true}, nil
	}
	return s.fetchShared(ctx, false)
}

// Refresh fetches a new quote regardless of the cache. The current quote is kept if the
// fetch fails.
func (s *Service) Refresh(ctx context.Context) (*domain.QuoteResult, error) {
	return s.fetchShared(ctx, true)
}

// ClearCache invalidates the cached quote immediately.
func (s *Service) ClearCache() {
	s.generation.Add(1)
	s.cached.Store(nil)
	s.group.Forget(s.flightKey())
	s.logger.Info("quote cache cleared")
}

// CacheStatus is a pure read of the cache.
func (s *Service) CacheStatus() domain.CacheStatus {
	e := s.cached.Load()
	if e == nil {
		return domain.CacheStatus{}
	}
	expiresAt := e.quote.Expiry
	return domain.CacheStatus{
		HasCachedQuote: true,
		IsExpired:      !e.quote.ValidAt(s.now()),
		ExpiresAt:      &expiresAt,
	}
}

func (s *Service) flightKey() string {
	return string(s.from) + ":" + string(s.to)
}

func (s *Service) fetchShared(ctx context.Context, force bool) (*domain.QuoteResult, error) {
	gen := s.generation.Load()
	ch := s.group.DoChan(s.flightKey(), func() (interface{}, error) {
		if !force {
			if e := s.cached.Load(); e != nil && e.quote.ValidAt(s.now()) {
				return &domain.QuoteResult{Rate: e.quote.Rate, Quote: e.quote, IsFromCache: true}, nil
			}
		}
		// The fetch outlives any single caller; it is bounded by fetchTimeout only.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*domain.QuoteResult)
		return &out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrQuoteUnavailable, domain.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Service) fetch(ctx context.Context, gen uint64) (*domain.QuoteResult, error) {
	started := s.now()
	pq, err := s.source.FetchQuote(ctx, string(s.from), string(s.to))
	if err == nil && !s.now().Before(pq.Expiry) {
		err = fmt.Errorf("%w: quote %s already expired at %s", pricing.ErrBadQuote, pq.ID, pq.Expiry.Format(time.RFC3339))
	}
	if err != nil {
		return s.fallback(err)
	}

	q := domain.Quote{
		ID:     pq.ID,
		From:   s.from,
		To:     s.to,
		Rate:   pq.Rate,
		Expiry: pq.Expiry,
	}
	if s.generation.Load() == gen {
		s.cached.Store(&entry{quote: q, generation: gen})
	} else {
		s.logger.Debug("quote fetched under a cleared generation; not cached", "quote_id", q.ID)
	}
	s.metrics.Quote("remote")
	s.logger.Debug("quote fetched", "quote_id", q.ID, "rate", q.Rate.String(), "expiry", q.Expiry, "took_ms", s.now().Sub(started).Milliseconds())
	return &domain.QuoteResult{Rate: q.Rate, Quote: q, IsFromCache: false}, nil
}

func (s *Service) fallback(cause error) (*domain.QuoteResult, error) {
	if s.allowStale {
		if e := s.cached.Load(); e != nil {
			s.metrics.Quote("stale")
			s.logger.Warn("pricing source failed; serving stale quote", "quote_id", e.quote.ID, "expiry", e.quote.Expiry, "error", cause)
			return &domain.QuoteResult{Rate: e.quote.Rate, Quote: e.quote, IsFromCache: true}, nil
		}
	}
	s.metrics.Quote("error")
	s.logger.Warn("quote fetch failed", "error", cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w: %v", domain.ErrQuoteUnavailable, domain.ErrTimeout, cause)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrQuoteUnavailable, cause)
}
